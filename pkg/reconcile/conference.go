package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/syncerr"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Provision attaches a video meeting from a conferencing provider to the appointment. Provisioning
// an appointment that already has a link from provider returns that link.
func (e *Engine) Provision(ctx context.Context, appointmentID uuid.UUID, userID string, provider models.Provider) (*ConferenceResult, error) {
	ctx, span := tracing.StartSpan(ctx, "Engine.Provision")
	defer span.End()

	start := time.Now()
	result, err := e.provision(ctx, appointmentID, userID, provider)
	e.observe("provision", provider, start, err)
	return result, err
}

func (e *Engine) provision(ctx context.Context, appointmentID uuid.UUID, userID string, provider models.Provider) (*ConferenceResult, error) {
	if !provider.IsConference() {
		return nil, errors.Wrapf(syncerr.ErrUnsupported, "%s does not provide conferences", provider)
	}
	adapter, err := e.Registry.Require(provider, providers.CapabilityConference)
	if err != nil {
		return nil, err
	}

	key := lock.PushKey(appointmentID.String(), string(provider))
	held, err := e.acquire(ctx, key, 0)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, held, key)

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

	result := &ConferenceResult{AppointmentID: appointmentID, Provider: provider, Platform: provider.VideoPlatform()}

	entry, err := e.Ledger.FindByAppointment(ctx, appointmentID, provider)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		if hasVideoFrom(appointment, provider) {
			result.ExternalEventID = entry.ExternalEventID
			result.JoinURL = *appointment.VideoURL
			result.Reused = true
			return result, nil
		}

		// the meeting exists but its link never reached the appointment; start over
		log.WithField("external_event_id", entry.ExternalEventID).Info("replacing conference without a stored link")
		e.discardRemote(ctx, adapter, cred.AccessToken, entry.ExternalEventID)
		if err := e.Ledger.Delete(ctx, appointmentID, provider); err != nil {
			return nil, err
		}
	}

	remote, err := adapter.CreateEvent(ctx, cred.AccessToken, appointment.EventSpec("", true))
	if err != nil {
		log.WithError(err).Warn("failed to create conference")
		return nil, asSyncFailed(provider, "create", err)
	}
	if remote.JoinURL == "" {
		e.discardRemote(ctx, adapter, cred.AccessToken, remote.ID)
		return nil, syncerr.NewSyncFailed(string(provider), "create", errors.New("provider returned no join url"))
	}

	err = e.Ledger.Upsert(ctx, &models.SyncLedgerEntry{
		UserID:          userID,
		AppointmentID:   appointmentID,
		IntegrationID:   cred.Integration.ID,
		ExternalEventID: remote.ID,
		Provider:        provider,
	})
	if err != nil {
		e.discardRemote(ctx, adapter, cred.AccessToken, remote.ID)
		return nil, err
	}

	if err := e.Appointments.UpdateVideo(ctx, appointmentID, remote.JoinURL, provider.VideoPlatform()); err != nil {
		// the ledger entry stays; the next provision replaces the linkless meeting
		return nil, err
	}

	result.ExternalEventID = remote.ID
	result.JoinURL = remote.JoinURL
	log.WithField("external_event_id", remote.ID).Info("provisioned conference")

	provisioned := models.NewSyncEvent(models.SyncEventConferenceProvisioned, userID, provider).
		WithAppointment(appointmentID, remote.ID)
	provisioned.Data = map[string]any{"join_url": remote.JoinURL, "platform": result.Platform}
	e.publish(ctx, provisioned)

	return result, nil
}

func hasVideoFrom(appointment *models.Appointment, provider models.Provider) bool {
	return appointment.HasVideo() && appointment.VideoPlatform != nil && *appointment.VideoPlatform == provider.VideoPlatform()
}
