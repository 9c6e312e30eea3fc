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

const ledgerTable = "sync_ledger"

var ledgerStruct = database.NewStruct(new(models.SyncLedgerEntry))

// LedgerRepository stores the appointment to external event mapping. At most one entry exists per
// (appointment, provider) and per (integration, external event).
type LedgerRepository struct {
	*Repository
}

func NewLedgerRepository(db database.DB, logger ectologger.Logger) *LedgerRepository {
	return &LedgerRepository{Repository: NewRepository(db, logger)}
}

// FindByAppointment returns nil, nil when the appointment has no entry for provider.
func (r *LedgerRepository) FindByAppointment(ctx context.Context, appointmentID uuid.UUID, provider models.Provider) (*models.SyncLedgerEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "LedgerRepository.FindByAppointment")
	defer span.End()

	sb := ledgerStruct.SelectFrom(ledgerTable)
	sb.Where(sb.Equal("appointment_id", appointmentID), sb.Equal("provider", provider))

	return r.findOne(ctx, sb)
}

// FindByExternalID returns nil, nil when the external event is not mapped under the integration.
func (r *LedgerRepository) FindByExternalID(ctx context.Context, integrationID uuid.UUID, externalEventID string) (*models.SyncLedgerEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "LedgerRepository.FindByExternalID")
	defer span.End()

	sb := ledgerStruct.SelectFrom(ledgerTable)
	sb.Where(sb.Equal("integration_id", integrationID), sb.Equal("external_event_id", externalEventID))

	return r.findOne(ctx, sb)
}

func (r *LedgerRepository) findOne(ctx context.Context, sb *sqlbuilder.SelectBuilder) (*models.SyncLedgerEntry, error) {
	query, args := sb.Build()
	var entry models.SyncLedgerEntry
	err := r.q(ctx).GetContext(ctx, &entry, query, args...)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to look up sync ledger entry")
		return nil, internalError("failed to look up sync ledger entry")
	}
	return &entry, nil
}

func (r *LedgerRepository) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]models.SyncLedgerEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "LedgerRepository.ListByAppointment")
	defer span.End()

	sb := ledgerStruct.SelectFrom(ledgerTable)
	sb.Where(sb.Equal("appointment_id", appointmentID)).OrderBy("created_at")

	query, args := sb.Build()
	entries := []models.SyncLedgerEntry{}
	if err := r.q(ctx).SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("appointment_id", appointmentID).Error("failed to list sync ledger entries")
		return nil, internalError("failed to list sync ledger entries")
	}
	return entries, nil
}

// Upsert records entry. Writing the same mapping again is a no-op; a different external id for the
// same (appointment, provider), or an external id already mapped under the integration, returns
// ErrAlreadySynced and leaves the stored entry unchanged.
func (r *LedgerRepository) Upsert(ctx context.Context, entry *models.SyncLedgerEntry) error {
	ctx, span := tracing.StartSpan(ctx, "LedgerRepository.Upsert")
	defer span.End()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	ib := database.NewInsertBuilder(ledgerTable)
	ib.Cols("id", "user_id", "appointment_id", "integration_id", "external_event_id", "provider", "created_at", "updated_at").
		Values(entry.ID, entry.UserID, entry.AppointmentID, entry.IntegrationID, entry.ExternalEventID, entry.Provider,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
	ib.OnConflictWhere([]string{"appointment_id", "provider"},
		"sync_ledger.external_event_id = EXCLUDED.external_event_id AND sync_ledger.integration_id = EXCLUDED.integration_id",
		"updated_at = NOW()",
	)
	ib.Returning("id", "created_at", "updated_at")

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"appointment_id":    entry.AppointmentID,
		"provider":          entry.Provider,
		"external_event_id": entry.ExternalEventID,
	})

	query, args := ib.Build()
	err := r.q(ctx).QueryRowxContext(ctx, query, args...).Scan(&entry.ID, &entry.CreatedAt, &entry.UpdatedAt)
	if database.IsNoRows(err) || database.IsUniqueViolation(err) {
		log.Warn("sync ledger entry conflicts with an existing mapping")
		return syncerr.ErrAlreadySynced
	}
	if err != nil {
		log.WithError(err).Error("failed to upsert sync ledger entry")
		return internalError("failed to save sync ledger entry")
	}

	log.Debugf("Saved %s entry", ledgerTable)
	return nil
}

func (r *LedgerRepository) Delete(ctx context.Context, appointmentID uuid.UUID, provider models.Provider) error {
	ctx, span := tracing.StartSpan(ctx, "LedgerRepository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder(ledgerTable)
	db.Where(db.Equal("appointment_id", appointmentID), db.Equal("provider", provider))

	query, args := db.Build()
	if _, err := r.q(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"appointment_id": appointmentID,
			"provider":       provider,
		}).Error("failed to delete sync ledger entry")
		return internalError("failed to delete sync ledger entry")
	}
	return nil
}

func (r *LedgerRepository) DeleteByIntegration(ctx context.Context, integrationID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "LedgerRepository.DeleteByIntegration")
	defer span.End()

	db := database.NewDeleteBuilder(ledgerTable)
	db.Where(db.Equal("integration_id", integrationID))

	query, args := db.Build()
	if _, err := r.q(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("integration_id", integrationID).Error("failed to delete sync ledger entries")
		return internalError("failed to delete sync ledger entries")
	}
	return nil
}
