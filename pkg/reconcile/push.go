package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/syncerr"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Push mirrors the appointment onto provider's calendar. The first push creates the remote event
// and records it in the ledger; later pushes update that event. A push that finds another push of
// the same appointment and provider in flight fails with ErrAlreadySynced without calling the
// provider.
func (e *Engine) Push(ctx context.Context, appointmentID uuid.UUID, userID string, provider models.Provider) (*PushResult, error) {
	ctx, span := tracing.StartSpan(ctx, "Engine.Push")
	defer span.End()

	start := time.Now()
	result, err := e.runPush(ctx, appointmentID, userID, provider, 0)
	e.observe("push", provider, start, err)
	return result, err
}

// SyncAppointment is Push for user-facing callers: it waits for an in-flight push of the same
// appointment to finish and then converges through the update path instead of reporting the race.
func (e *Engine) SyncAppointment(ctx context.Context, appointmentID uuid.UUID, userID string, provider models.Provider) (*PushResult, error) {
	ctx, span := tracing.StartSpan(ctx, "Engine.SyncAppointment")
	defer span.End()

	start := time.Now()
	result, err := e.runPush(ctx, appointmentID, userID, provider, e.cfg.LockWait)
	if errors.Is(err, syncerr.ErrAlreadySynced) {
		e.logger.WithContext(ctx).WithField("appointment_id", appointmentID).Info("push raced another writer, retrying as update")
		result, err = e.runPush(ctx, appointmentID, userID, provider, e.cfg.LockWait)
	}
	e.observe("sync_appointment", provider, start, err)
	return result, err
}

func (e *Engine) runPush(ctx context.Context, appointmentID uuid.UUID, userID string, provider models.Provider, wait time.Duration) (*PushResult, error) {
	adapter, err := e.Registry.Require(provider, providers.CapabilityCalendar)
	if err != nil {
		return nil, err
	}

	key := lock.PushKey(appointmentID.String(), string(provider))
	held, err := e.acquire(ctx, key, wait)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, held, key)

	return e.push(ctx, adapter, appointmentID, userID, provider)
}

func (e *Engine) push(ctx context.Context, adapter providers.Adapter, appointmentID uuid.UUID, userID string, provider models.Provider) (*PushResult, error) {
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"appointment_id": appointmentID,
		"provider":       provider,
	})

	appointment, err := e.Appointments.GetByID(ctx, appointmentID, userID)
	if err != nil {
		return nil, err
	}

	cred, err := e.Credentials.Resolve(ctx, userID, provider)
	if err != nil {
		return nil, err
	}

	entry, err := e.Ledger.FindByAppointment(ctx, appointmentID, provider)
	if err != nil {
		return nil, err
	}

	spec := appointment.EventSpec("", false)
	result := &PushResult{AppointmentID: appointmentID, Provider: provider}

	if entry != nil {
		if err := adapter.UpdateEvent(ctx, cred.AccessToken, entry.ExternalEventID, spec); err != nil {
			log.WithError(err).Warn("failed to update remote event")
			return nil, asSyncFailed(provider, "update", err)
		}
		if !appointment.CalendarSynced {
			if err := e.Appointments.UpdateSyncFlag(ctx, appointmentID, true); err != nil {
				return nil, err
			}
		}

		result.ExternalEventID = entry.ExternalEventID
		result.Action = PushUpdated
		log.Debug("updated remote event")
		e.publish(ctx, models.NewSyncEvent(models.SyncEventAppointmentPushed, userID, provider).
			WithAppointment(appointmentID, entry.ExternalEventID))
		return result, nil
	}

	remote, err := e.create(ctx, adapter, cred, appointmentID, userID, provider, spec)
	if err != nil {
		return nil, err
	}

	if err := e.Appointments.UpdateSyncFlag(ctx, appointmentID, true); err != nil {
		// the ledger entry exists, so a retry takes the update path and sets the flag
		return nil, err
	}

	result.ExternalEventID = remote.ID
	result.Action = PushCreated
	log.WithField("external_event_id", remote.ID).Info("created remote event")
	e.publish(ctx, models.NewSyncEvent(models.SyncEventAppointmentPushed, userID, provider).
		WithAppointment(appointmentID, remote.ID))
	return result, nil
}

// create makes the remote event and records it while holding the user's pull lock, so a pull can
// never list the new event before its ledger entry exists.
func (e *Engine) create(ctx context.Context, adapter providers.Adapter, cred *credentials.Credential, appointmentID uuid.UUID, userID string, provider models.Provider, spec models.EventSpec) (*models.RemoteEvent, error) {
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"appointment_id": appointmentID,
		"provider":       provider,
	})

	key := lock.PullKey(userID, string(provider))
	held, err := e.acquire(ctx, key, e.cfg.LockWait)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, held, key)

	remote, err := adapter.CreateEvent(ctx, cred.AccessToken, spec)
	if err != nil {
		log.WithError(err).Warn("failed to create remote event")
		return nil, asSyncFailed(provider, "create", err)
	}

	err = e.Ledger.Upsert(ctx, &models.SyncLedgerEntry{
		UserID:          userID,
		AppointmentID:   appointmentID,
		IntegrationID:   cred.Integration.ID,
		ExternalEventID: remote.ID,
		Provider:        provider,
	})
	if err == nil {
		return remote, nil
	}

	// an entry already naming the new event means something else mirrors it; it must stay
	owner, findErr := e.Ledger.FindByExternalID(context.WithoutCancel(ctx), cred.Integration.ID, remote.ID)
	if findErr != nil || owner != nil {
		log.WithError(err).WithField("external_event_id", remote.ID).Error("ledger conflict on new remote event, keeping it")
		return nil, err
	}

	// the remote event has no ledger entry and would be orphaned
	e.discardRemote(ctx, adapter, cred.AccessToken, remote.ID)
	return nil, err
}

// discardRemote removes a remote event that could not be recorded. Failures are logged only.
func (e *Engine) discardRemote(ctx context.Context, adapter providers.Adapter, accessToken, externalID string) {
	if err := adapter.DeleteEvent(context.WithoutCancel(ctx), accessToken, externalID); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"provider":          adapter.Provider(),
			"external_event_id": externalID,
		}).Error("failed to remove unrecorded remote event")
	}
}
