package repositories

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/syncerr"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const appointmentsTable = "appointments"

var appointmentStruct = database.NewStruct(new(models.Appointment))

// AppointmentRepository reads appointments and writes the few columns sync owns: the synced flag and
// the video link. Pull is the only caller that inserts.
type AppointmentRepository struct {
	*Repository
}

func NewAppointmentRepository(db database.DB, logger ectologger.Logger) *AppointmentRepository {
	return &AppointmentRepository{Repository: NewRepository(db, logger)}
}

// GetByID returns the appointment when it belongs to userID. Appointments of other users are
// reported as not found.
func (r *AppointmentRepository) GetByID(ctx context.Context, id uuid.UUID, userID string) (*models.Appointment, error) {
	ctx, span := tracing.StartSpan(ctx, "AppointmentRepository.GetByID")
	defer span.End()

	sb := appointmentStruct.SelectFrom(appointmentsTable)
	sb.Where(sb.Equal("id", id), sb.Equal("user_id", userID))

	query, args := sb.Build()
	var appointment models.Appointment
	err := r.q(ctx).GetContext(ctx, &appointment, query, args...)
	if database.IsNoRows(err) {
		return nil, syncerr.ErrNotFound
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("appointment_id", id).Error("failed to get appointment")
		return nil, internalError("failed to get appointment")
	}

	return &appointment, nil
}

func (r *AppointmentRepository) Create(ctx context.Context, appointment *models.Appointment) error {
	ctx, span := tracing.StartSpan(ctx, "AppointmentRepository.Create")
	defer span.End()

	if appointment.ID == uuid.Nil {
		appointment.ID = uuid.New()
	}

	ib := database.NewInsertBuilder(appointmentsTable)
	ib.Cols("id", "user_id", "client_id", "title", "start_time", "end_time", "location", "notes",
		"calendar_synced", "video_url", "video_platform", "created_at", "updated_at").
		Values(appointment.ID, appointment.UserID, appointment.ClientID, appointment.Title,
			appointment.StartTime.UTC(), appointment.EndTime.UTC(), appointment.Location, appointment.Notes,
			appointment.CalendarSynced, appointment.VideoURL, appointment.VideoPlatform,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
	ib.Returning("created_at", "updated_at")

	query, args := ib.Build()
	err := r.q(ctx).QueryRowxContext(ctx, query, args...).Scan(&appointment.CreatedAt, &appointment.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("appointment_id", appointment.ID).Error("failed to create appointment")
		return internalError("failed to create appointment")
	}

	r.logger.WithContext(ctx).WithField("appointment_id", appointment.ID).Debugf("Created %s", appointmentsTable)
	return nil
}

func (r *AppointmentRepository) UpdateSyncFlag(ctx context.Context, id uuid.UUID, synced bool) error {
	ctx, span := tracing.StartSpan(ctx, "AppointmentRepository.UpdateSyncFlag")
	defer span.End()

	ub := database.NewUpdateBuilder(appointmentsTable)
	ub.Set(ub.Assign("calendar_synced", synced), "updated_at = NOW()").Where(ub.Equal("id", id))

	return r.update(ctx, id, "calendar_synced", ub)
}

// UpdateVideo sets the conference link. An empty url clears both video columns.
func (r *AppointmentRepository) UpdateVideo(ctx context.Context, id uuid.UUID, url, platform string) error {
	ctx, span := tracing.StartSpan(ctx, "AppointmentRepository.UpdateVideo")
	defer span.End()

	var urlValue, platformValue any
	if url != "" {
		urlValue, platformValue = url, platform
	}

	ub := database.NewUpdateBuilder(appointmentsTable)
	ub.Set(
		ub.Assign("video_url", urlValue),
		ub.Assign("video_platform", platformValue),
		"updated_at = NOW()",
	).Where(ub.Equal("id", id))

	return r.update(ctx, id, "video", ub)
}

func (r *AppointmentRepository) update(ctx context.Context, id uuid.UUID, field string, ub *sqlbuilder.UpdateBuilder) error {
	query, args := ub.Build()
	result, err := r.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"appointment_id": id,
			"field":          field,
		}).Error("failed to update appointment")
		return internalError("failed to update appointment")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return syncerr.ErrNotFound
	}
	return nil
}
