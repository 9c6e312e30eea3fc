package reconcile

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/syncerr"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const untitledEvent = "Untitled event"

// Pull imports provider events in the forward window that no appointment mirrors yet. It never
// changes or removes appointments that already exist. A user without an active integration gets an
// empty result, not an error.
func (e *Engine) Pull(ctx context.Context, userID string, provider models.Provider) (*PullResult, error) {
	ctx, span := tracing.StartSpan(ctx, "Engine.Pull")
	defer span.End()

	start := time.Now()
	result, err := e.pull(ctx, userID, provider)
	e.observe("pull", provider, start, err)
	return result, err
}

func (e *Engine) pull(ctx context.Context, userID string, provider models.Provider) (*PullResult, error) {
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"user_id":  userID,
		"provider": provider,
	})
	result := &PullResult{Provider: provider}

	adapter, err := e.Registry.Require(provider, providers.CapabilityCalendar)
	if err != nil {
		return nil, err
	}

	integration, err := e.Integrations.GetActive(ctx, userID, provider.CredentialProvider())
	if errors.Is(err, syncerr.ErrNotConnected) {
		result.NotConnected = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	key := lock.PullKey(userID, string(provider))
	held, err := e.acquire(ctx, key, 0)
	if errors.Is(err, syncerr.ErrAlreadySynced) {
		log.Debug("pull already in progress")
		result.InProgress = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, held, key)

	cred, err := e.Credentials.Resolve(ctx, userID, provider)
	if errors.Is(err, syncerr.ErrNotConnected) {
		result.NotConnected = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	window := models.TimeWindow{Start: now, End: now.Add(e.cfg.PullWindow)}
	events, err := adapter.ListEvents(ctx, cred.AccessToken, window)
	if err != nil {
		log.WithError(err).Warn("failed to list remote events")
		return nil, asSyncFailed(provider, "list", err)
	}
	result.Listed = len(events)

	for _, event := range events {
		if ctx.Err() != nil {
			// whatever was imported stays; the next pull picks up the rest
			log.WithError(ctx.Err()).Warn("pull interrupted")
			result.Partial = true
			break
		}

		if reason := unschedulable(event); reason != "" {
			result.Skipped = append(result.Skipped, syncerr.ImportSkipped{ExternalEventID: event.ID, Reason: reason})
			continue
		}

		existing, err := e.Ledger.FindByExternalID(ctx, integration.ID, event.ID)
		if err != nil {
			log.WithError(err).WithField("external_event_id", event.ID).Warn("failed to look up ledger entry")
			result.Failed++
			result.Partial = true
			continue
		}
		if existing != nil {
			result.AlreadyMirrored++
			continue
		}

		appointment, err := e.importEvent(ctx, userID, provider, integration, event)
		if errors.Is(err, syncerr.ErrAlreadySynced) {
			result.AlreadyMirrored++
			continue
		}
		if err != nil {
			log.WithError(err).WithField("external_event_id", event.ID).Warn("failed to import remote event")
			result.Failed++
			result.Partial = true
			continue
		}

		result.Imported = append(result.Imported, appointment.ID)
		e.publish(ctx, models.NewSyncEvent(models.SyncEventAppointmentImported, userID, provider).
			WithAppointment(appointment.ID, event.ID))
	}

	if ctx.Err() == nil {
		if err := e.Integrations.TouchLastSynced(ctx, integration.ID, now); err != nil {
			log.WithError(err).Warn("failed to record last sync time")
		}
	}

	metrics.RecordPullEvents(string(provider), "imported", len(result.Imported))
	metrics.RecordPullEvents(string(provider), "mirrored", result.AlreadyMirrored)
	metrics.RecordPullEvents(string(provider), "skipped", len(result.Skipped))
	metrics.RecordPullEvents(string(provider), "failed", result.Failed)

	log.WithFields(map[string]any{
		"listed":   result.Listed,
		"imported": len(result.Imported),
		"mirrored": result.AlreadyMirrored,
		"skipped":  len(result.Skipped),
		"failed":   result.Failed,
	}).Info("pull completed")

	completed := models.NewSyncEvent(models.SyncEventPullCompleted, userID, provider)
	completed.Data = map[string]any{
		"listed":   result.Listed,
		"imported": len(result.Imported),
		"partial":  result.Partial,
	}
	e.publish(ctx, completed)

	return result, nil
}

// unschedulable explains why event cannot become an appointment, or returns "".
func unschedulable(event models.ExternalEvent) string {
	switch {
	case event.ID == "":
		return "missing id"
	case event.AllDay:
		return "all-day event"
	case event.Start.IsZero() && event.End.IsZero():
		return "missing start and end"
	case event.Start.IsZero():
		return "missing start"
	case event.End.IsZero():
		return "missing end"
	case event.End.Before(event.Start):
		return "ends before it starts"
	default:
		return ""
	}
}

// importEvent creates the appointment and its ledger entry together, so an event is never half
// imported.
func (e *Engine) importEvent(ctx context.Context, userID string, provider models.Provider, integration *models.Integration, event models.ExternalEvent) (*models.Appointment, error) {
	appointment := &models.Appointment{
		UserID:         userID,
		Title:          event.Title,
		StartTime:      event.Start.UTC(),
		EndTime:        event.End.UTC(),
		CalendarSynced: true,
	}
	if appointment.Title == "" {
		appointment.Title = untitledEvent
	}
	if event.Location != "" {
		appointment.Location = &event.Location
	}
	if event.Description != "" {
		appointment.Notes = &event.Description
	}

	err := e.Transactor.WithTx(ctx, func(ctx context.Context) error {
		if err := e.Appointments.Create(ctx, appointment); err != nil {
			return err
		}
		return e.Ledger.Upsert(ctx, &models.SyncLedgerEntry{
			UserID:          userID,
			AppointmentID:   appointment.ID,
			IntegrationID:   integration.ID,
			ExternalEventID: event.ID,
			Provider:        provider,
		})
	})
	if err != nil {
		return nil, err
	}
	return appointment, nil
}
