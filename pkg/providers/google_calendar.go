package providers

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/syncerr"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	googlePrimaryCalendar = "primary"
	googleListPageSize    = 250
	googleMeetSolution    = "hangoutsMeet"
)

// GoogleCalendarAdapter mirrors appointments onto the user's primary Google calendar.
type GoogleCalendarAdapter struct {
	*oauthFlow
	apiBaseURL string
	logger     ectologger.Logger
}

// NewGoogleCalendarAdapter builds the adapter. apiBaseURL is only set to point the client at a
// stand-in server.
func NewGoogleCalendarAdapter(cfg OAuthConfig, apiBaseURL string, httpClient *http.Client, logger ectologger.Logger) *GoogleCalendarAdapter {
	return &GoogleCalendarAdapter{
		oauthFlow: &oauthFlow{
			provider:   models.ProviderGoogleCalendar,
			config:     cfg.build(google.Endpoint, []string{calendar.CalendarEventsScope}),
			httpClient: httpClient,
			// a refresh token is only issued with offline access and an explicit consent prompt
			authOpts: []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.ApprovalForce},
		},
		apiBaseURL: apiBaseURL,
		logger:     logger,
	}
}

func (a *GoogleCalendarAdapter) Provider() models.Provider { return models.ProviderGoogleCalendar }

func (a *GoogleCalendarAdapter) Capabilities() Capability {
	return CapabilityAuth | CapabilityCalendar
}

func (a *GoogleCalendarAdapter) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	opts := []option.ClientOption{option.WithHTTPClient(bearerClient(a.httpClient, accessToken))}
	if a.apiBaseURL != "" {
		opts = append(opts, option.WithEndpoint(a.apiBaseURL))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create calendar service")
	}
	return svc, nil
}

func (a *GoogleCalendarAdapter) observe(op string, start time.Time, err error) {
	status := http.StatusOK
	if err != nil {
		status = 0
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			status = apiErr.Code
		}
	}
	metrics.RecordProviderRequest(string(a.provider), op, status, time.Since(start))
}

func toGoogleEvent(spec models.EventSpec) *calendar.Event {
	ev := &calendar.Event{
		Summary:     spec.Title,
		Description: spec.Description,
		Location:    spec.Location,
		Start:       &calendar.EventDateTime{DateTime: spec.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		End:         &calendar.EventDateTime{DateTime: spec.End.UTC().Format(time.RFC3339), TimeZone: "UTC"},
	}
	if spec.AttendeeEmail != "" {
		ev.Attendees = []*calendar.EventAttendee{{Email: spec.AttendeeEmail}}
	}
	if spec.Conference {
		ev.ConferenceData = &calendar.ConferenceData{
			CreateRequest: &calendar.CreateConferenceRequest{
				RequestId:             uuid.NewString(),
				ConferenceSolutionKey: &calendar.ConferenceSolutionKey{Type: googleMeetSolution},
			},
		}
	}
	return ev
}

// meetJoinURL prefers hangoutLink and falls back to the video entry point.
func meetJoinURL(ev *calendar.Event) string {
	if ev.HangoutLink != "" {
		return ev.HangoutLink
	}
	if ev.ConferenceData == nil {
		return ""
	}
	for _, entry := range ev.ConferenceData.EntryPoints {
		if entry.EntryPointType == "video" && entry.Uri != "" {
			return entry.Uri
		}
	}
	return ""
}

func (a *GoogleCalendarAdapter) CreateEvent(ctx context.Context, accessToken string, spec models.EventSpec) (*models.RemoteEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "GoogleCalendarAdapter.CreateEvent")
	defer span.End()

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, syncerr.NewSyncFailed(string(a.provider), "create", err)
	}

	call := svc.Events.Insert(googlePrimaryCalendar, toGoogleEvent(spec)).Context(ctx)
	if spec.Conference {
		call = call.ConferenceDataVersion(1)
	}

	start := time.Now()
	created, err := call.Do()
	a.observe("create_event", start, err)
	if err != nil {
		a.logger.WithContext(ctx).WithError(err).Warn("google calendar insert failed")
		return nil, syncerr.NewSyncFailed(string(a.provider), "create", err)
	}
	if created.Id == "" {
		return nil, syncerr.NewSyncFailed(string(a.provider), "create", errMissingField("id", nil))
	}

	return &models.RemoteEvent{ID: created.Id, JoinURL: meetJoinURL(created)}, nil
}

func (a *GoogleCalendarAdapter) UpdateEvent(ctx context.Context, accessToken, externalID string, spec models.EventSpec) error {
	ctx, span := tracing.StartSpan(ctx, "GoogleCalendarAdapter.UpdateEvent")
	defer span.End()

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return syncerr.NewSyncFailed(string(a.provider), "update", err)
	}

	// patching never re-requests a conference; the existing one stays attached
	spec.Conference = false

	start := time.Now()
	_, err = svc.Events.Patch(googlePrimaryCalendar, externalID, toGoogleEvent(spec)).Context(ctx).Do()
	a.observe("update_event", start, err)
	if err != nil {
		return syncerr.NewSyncFailed(string(a.provider), "update", err)
	}
	return nil
}

func (a *GoogleCalendarAdapter) DeleteEvent(ctx context.Context, accessToken, externalID string) error {
	ctx, span := tracing.StartSpan(ctx, "GoogleCalendarAdapter.DeleteEvent")
	defer span.End()

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return syncerr.NewSyncFailed(string(a.provider), "delete", err)
	}

	start := time.Now()
	err = svc.Events.Delete(googlePrimaryCalendar, externalID).Context(ctx).Do()
	a.observe("delete_event", start, err)
	if err != nil && !isGoogleGone(err) {
		return syncerr.NewSyncFailed(string(a.provider), "delete", err)
	}
	return nil
}

func isGoogleGone(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
}

// ListEvents expands recurring events into instances and returns them ordered by start.
func (a *GoogleCalendarAdapter) ListEvents(ctx context.Context, accessToken string, window models.TimeWindow) ([]models.ExternalEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "GoogleCalendarAdapter.ListEvents")
	defer span.End()

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, syncerr.NewSyncFailed(string(a.provider), "list", err)
	}

	call := svc.Events.List(googlePrimaryCalendar).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(googleListPageSize).
		TimeMin(window.Start.UTC().Format(time.RFC3339)).
		TimeMax(window.End.UTC().Format(time.RFC3339))

	var events []models.ExternalEvent
	start := time.Now()
	err = call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			events = append(events, fromGoogleEvent(item))
		}
		return nil
	})
	a.observe("list_events", start, err)
	if err != nil {
		return nil, syncerr.NewSyncFailed(string(a.provider), "list", err)
	}

	return events, nil
}

func fromGoogleEvent(item *calendar.Event) models.ExternalEvent {
	ev := models.ExternalEvent{
		ID:          item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
	}
	if isAllDay(item.Start) || isAllDay(item.End) {
		ev.AllDay = true
		return ev
	}
	ev.Start = parseGoogleTime(item.Start)
	ev.End = parseGoogleTime(item.End)
	return ev
}

func isAllDay(value *calendar.EventDateTime) bool {
	return value != nil && value.DateTime == "" && value.Date != ""
}

func parseGoogleTime(value *calendar.EventDateTime) time.Time {
	if value == nil || value.DateTime == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value.DateTime)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

var _ Adapter = (*GoogleCalendarAdapter)(nil)
