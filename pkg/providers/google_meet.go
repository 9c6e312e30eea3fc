package providers

import (
	"context"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/syncerr"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// GoogleMeetAdapter provisions Meet links by creating a calendar event with a conference request.
// It runs on the Google Calendar grant, so auth is shared with that adapter and the external id it
// returns is the hosting calendar event.
type GoogleMeetAdapter struct {
	calendar *GoogleCalendarAdapter
}

func NewGoogleMeetAdapter(calendar *GoogleCalendarAdapter) *GoogleMeetAdapter {
	return &GoogleMeetAdapter{calendar: calendar}
}

func (a *GoogleMeetAdapter) Provider() models.Provider { return models.ProviderGoogleMeet }

func (a *GoogleMeetAdapter) Capabilities() Capability {
	return CapabilityAuth | CapabilityConference
}

func (a *GoogleMeetAdapter) AuthURL(state string) string {
	return a.calendar.AuthURL(state)
}

func (a *GoogleMeetAdapter) ExchangeCode(ctx context.Context, code string) (*models.TokenSet, error) {
	return a.calendar.ExchangeCode(ctx, code)
}

func (a *GoogleMeetAdapter) Refresh(ctx context.Context, refreshToken string) (*models.TokenSet, error) {
	return a.calendar.Refresh(ctx, refreshToken)
}

func (a *GoogleMeetAdapter) CreateEvent(ctx context.Context, accessToken string, spec models.EventSpec) (*models.RemoteEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "GoogleMeetAdapter.CreateEvent")
	defer span.End()

	spec.Conference = true
	created, err := a.calendar.CreateEvent(ctx, accessToken, spec)
	if err != nil {
		return nil, err
	}
	if created.JoinURL == "" {
		// the hosting event exists without a link; drop it so a retry starts clean
		if delErr := a.calendar.DeleteEvent(ctx, accessToken, created.ID); delErr != nil {
			a.calendar.logger.WithContext(ctx).WithError(delErr).Warnf("failed to remove calendar event %s without meet link", created.ID)
		}
		return nil, syncerr.NewSyncFailed(string(models.ProviderGoogleMeet), "create", errMissingField("hangoutLink", nil))
	}
	return created, nil
}

func (a *GoogleMeetAdapter) UpdateEvent(ctx context.Context, accessToken, externalID string, spec models.EventSpec) error {
	return a.calendar.UpdateEvent(ctx, accessToken, externalID, spec)
}

func (a *GoogleMeetAdapter) DeleteEvent(ctx context.Context, accessToken, externalID string) error {
	return a.calendar.DeleteEvent(ctx, accessToken, externalID)
}

func (a *GoogleMeetAdapter) ListEvents(ctx context.Context, accessToken string, window models.TimeWindow) ([]models.ExternalEvent, error) {
	return nil, syncerr.ErrUnsupported
}

var _ Adapter = (*GoogleMeetAdapter)(nil)
