package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/syncerr"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// DeleteSync removes the appointment's mirror on provider. The remote delete is attempted once and
// its failure only ends up in the result; the ledger entry is removed either way.
func (e *Engine) DeleteSync(ctx context.Context, appointmentID uuid.UUID, userID string, provider models.Provider) (*DeleteResult, error) {
	ctx, span := tracing.StartSpan(ctx, "Engine.DeleteSync")
	defer span.End()

	start := time.Now()
	result, err := e.deleteSync(ctx, appointmentID, userID, provider)
	e.observe("delete", provider, start, err)
	return result, err
}

// DeleteAll runs DeleteSync for every provider the appointment is mirrored on. Callers run it
// before deleting the appointment itself.
func (e *Engine) DeleteAll(ctx context.Context, appointmentID uuid.UUID, userID string) ([]DeleteResult, error) {
	ctx, span := tracing.StartSpan(ctx, "Engine.DeleteAll")
	defer span.End()

	entries, err := e.Ledger.ListByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	results := make([]DeleteResult, 0, len(entries))
	for _, entry := range entries {
		if entry.UserID != userID {
			return nil, syncerr.ErrNotFound
		}
		result, err := e.DeleteSync(ctx, appointmentID, userID, entry.Provider)
		if err != nil {
			return results, err
		}
		results = append(results, *result)
	}
	return results, nil
}

func (e *Engine) deleteSync(ctx context.Context, appointmentID uuid.UUID, userID string, provider models.Provider) (*DeleteResult, error) {
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"appointment_id": appointmentID,
		"provider":       provider,
	})
	result := &DeleteResult{AppointmentID: appointmentID, Provider: provider}

	// serialize with pushes so a create cannot land between the lookup and the delete
	key := lock.PushKey(appointmentID.String(), string(provider))
	held, err := e.acquire(ctx, key, e.cfg.LockWait)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, held, key)

	entry, err := e.Ledger.FindByAppointment(ctx, appointmentID, provider)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return result, nil
	}
	if entry.UserID != userID {
		return nil, syncerr.ErrNotFound
	}
	result.Found = true
	result.ExternalEventID = entry.ExternalEventID

	if err := e.deleteRemote(ctx, userID, provider, entry.ExternalEventID); err != nil {
		log.WithError(err).WithField("external_event_id", entry.ExternalEventID).Warn("remote delete failed, removing ledger entry anyway")
		result.RemoteError = err.Error()
	} else {
		result.RemoteDeleted = true
	}

	if err := e.Ledger.Delete(ctx, appointmentID, provider); err != nil {
		return nil, err
	}

	e.clearAppointmentState(ctx, appointmentID, userID, provider)

	e.publish(ctx, models.NewSyncEvent(models.SyncEventDeleted, userID, provider).
		WithAppointment(appointmentID, entry.ExternalEventID))
	return result, nil
}

func (e *Engine) deleteRemote(ctx context.Context, userID string, provider models.Provider, externalID string) error {
	adapter, err := e.Registry.Get(provider)
	if err != nil {
		return err
	}
	cred, err := e.Credentials.Resolve(ctx, userID, provider)
	if err != nil {
		return err
	}
	return adapter.DeleteEvent(ctx, cred.AccessToken, externalID)
}

// clearAppointmentState drops the synced flag once no calendar mirrors remain, and the video link
// when it came from provider. The appointment may already be gone.
func (e *Engine) clearAppointmentState(ctx context.Context, appointmentID uuid.UUID, userID string, provider models.Provider) {
	log := e.logger.WithContext(ctx).WithField("appointment_id", appointmentID)

	if provider.IsCalendar() {
		remaining, err := e.Ledger.ListByAppointment(ctx, appointmentID)
		if err != nil {
			log.WithError(err).Warn("failed to list remaining ledger entries")
			return
		}
		for _, entry := range remaining {
			if entry.Provider.IsCalendar() {
				return
			}
		}
		if err := e.Appointments.UpdateSyncFlag(ctx, appointmentID, false); err != nil && !errors.Is(err, syncerr.ErrNotFound) {
			log.WithError(err).Warn("failed to clear calendar synced flag")
		}
		return
	}

	appointment, err := e.Appointments.GetByID(ctx, appointmentID, userID)
	if err != nil {
		if !errors.Is(err, syncerr.ErrNotFound) {
			log.WithError(err).Warn("failed to load appointment")
		}
		return
	}
	if appointment.VideoPlatform == nil || *appointment.VideoPlatform != provider.VideoPlatform() {
		return
	}
	if err := e.Appointments.UpdateVideo(ctx, appointmentID, "", ""); err != nil && !errors.Is(err, syncerr.ErrNotFound) {
		log.WithError(err).Warn("failed to clear video link")
	}
}
