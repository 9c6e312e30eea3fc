package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/goccy/go-json"
	"golang.org/x/oauth2/microsoft"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/syncerr"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	graphBaseURL    = "https://graph.microsoft.com/v1.0"
	graphTimeFormat = "2006-01-02T15:04:05"
	graphPreferUTC  = `outlook.timezone="UTC"`
	graphPageSize   = 100
)

var microsoftScopes = []string{"offline_access", "Calendars.ReadWrite", "User.Read"}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphEmailAddress struct {
	Address string `json:"address"`
}

type graphAttendee struct {
	Type         string            `json:"type"`
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphEvent struct {
	ID        string          `json:"id,omitempty"`
	Subject   string          `json:"subject"`
	Body      *graphBody      `json:"body,omitempty"`
	Start     *graphDateTime  `json:"start,omitempty"`
	End       *graphDateTime  `json:"end,omitempty"`
	Location  *graphLocation  `json:"location,omitempty"`
	Attendees []graphAttendee `json:"attendees,omitempty"`
	IsAllDay  bool            `json:"isAllDay,omitempty"`
}

type graphEventPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

// MicrosoftCalendarAdapter mirrors appointments onto the user's default Outlook calendar through
// Microsoft Graph.
type MicrosoftCalendarAdapter struct {
	*oauthFlow
	rest *restClient
}

// NewMicrosoftCalendarAdapter builds the adapter for tenant ("common" when empty).
func NewMicrosoftCalendarAdapter(cfg OAuthConfig, tenant, apiBaseURL string, httpClient *http.Client, logger ectologger.Logger) *MicrosoftCalendarAdapter {
	if tenant == "" {
		tenant = "common"
	}
	if apiBaseURL == "" {
		apiBaseURL = graphBaseURL
	}

	return &MicrosoftCalendarAdapter{
		oauthFlow: &oauthFlow{
			provider:   models.ProviderMicrosoftCalendar,
			config:     cfg.build(microsoft.AzureADEndpoint(tenant), microsoftScopes),
			httpClient: httpClient,
		},
		rest: &restClient{
			provider: models.ProviderMicrosoftCalendar,
			baseURL:  apiBaseURL,
			http:     httpClient,
			logger:   logger,
		},
	}
}

func (a *MicrosoftCalendarAdapter) Provider() models.Provider { return models.ProviderMicrosoftCalendar }

func (a *MicrosoftCalendarAdapter) Capabilities() Capability {
	return CapabilityAuth | CapabilityCalendar
}

func toGraphEvent(spec models.EventSpec) graphEvent {
	ev := graphEvent{
		Subject: spec.Title,
		Body:    &graphBody{ContentType: "text", Content: spec.Description},
		Start:   &graphDateTime{DateTime: spec.Start.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
		End:     &graphDateTime{DateTime: spec.End.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
	}
	if spec.Location != "" {
		ev.Location = &graphLocation{DisplayName: spec.Location}
	}
	if spec.AttendeeEmail != "" {
		ev.Attendees = []graphAttendee{{Type: "required", EmailAddress: graphEmailAddress{Address: spec.AttendeeEmail}}}
	}
	return ev
}

func (a *MicrosoftCalendarAdapter) CreateEvent(ctx context.Context, accessToken string, spec models.EventSpec) (*models.RemoteEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "MicrosoftCalendarAdapter.CreateEvent")
	defer span.End()

	raw, _, err := a.rest.do(ctx, accessToken, restRequest{
		op:     "create_event",
		method: http.MethodPost,
		path:   "/me/calendar/events",
		body:   toGraphEvent(spec),
		expect: []int{http.StatusCreated},
	})
	if err != nil {
		return nil, syncerr.NewSyncFailed(string(models.ProviderMicrosoftCalendar), "create", err)
	}

	id, err := extractString(raw, "id")
	if err != nil || id == "" {
		return nil, syncerr.NewSyncFailed(string(models.ProviderMicrosoftCalendar), "create", errMissingField("id", err))
	}
	joinURL, _ := extractString(raw, "onlineMeeting.joinUrl")

	return &models.RemoteEvent{ID: id, JoinURL: joinURL}, nil
}

func (a *MicrosoftCalendarAdapter) UpdateEvent(ctx context.Context, accessToken, externalID string, spec models.EventSpec) error {
	ctx, span := tracing.StartSpan(ctx, "MicrosoftCalendarAdapter.UpdateEvent")
	defer span.End()

	_, _, err := a.rest.do(ctx, accessToken, restRequest{
		op:     "update_event",
		method: http.MethodPatch,
		path:   "/me/events/" + url.PathEscape(externalID),
		body:   toGraphEvent(spec),
		expect: []int{http.StatusOK},
	})
	if err != nil {
		return syncerr.NewSyncFailed(string(models.ProviderMicrosoftCalendar), "update", err)
	}
	return nil
}

func (a *MicrosoftCalendarAdapter) DeleteEvent(ctx context.Context, accessToken, externalID string) error {
	ctx, span := tracing.StartSpan(ctx, "MicrosoftCalendarAdapter.DeleteEvent")
	defer span.End()

	_, _, err := a.rest.do(ctx, accessToken, restRequest{
		op:     "delete_event",
		method: http.MethodDelete,
		path:   "/me/events/" + url.PathEscape(externalID),
		expect: []int{http.StatusNoContent, http.StatusNotFound},
	})
	if err != nil {
		return syncerr.NewSyncFailed(string(models.ProviderMicrosoftCalendar), "delete", err)
	}
	return nil
}

// ListEvents returns the events overlapping window, following @odata.nextLink across pages. The
// calendar view expands recurring series into their individual occurrences.
func (a *MicrosoftCalendarAdapter) ListEvents(ctx context.Context, accessToken string, window models.TimeWindow) ([]models.ExternalEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "MicrosoftCalendarAdapter.ListEvents")
	defer span.End()

	params := url.Values{}
	params.Set("startDateTime", window.Start.UTC().Format(time.RFC3339))
	params.Set("endDateTime", window.End.UTC().Format(time.RFC3339))
	params.Set("$orderby", "start/dateTime")
	params.Set("$top", fmt.Sprint(graphPageSize))

	next := "/me/calendar/calendarView?" + params.Encode()
	var events []models.ExternalEvent
	for next != "" {
		if err := ctx.Err(); err != nil {
			return nil, syncerr.NewSyncFailed(string(models.ProviderMicrosoftCalendar), "list", err)
		}

		raw, _, err := a.rest.do(ctx, accessToken, restRequest{
			op:      "list_events",
			method:  http.MethodGet,
			path:    next,
			headers: map[string]string{"Prefer": graphPreferUTC},
			expect:  []int{http.StatusOK},
		})
		if err != nil {
			return nil, syncerr.NewSyncFailed(string(models.ProviderMicrosoftCalendar), "list", err)
		}

		var page graphEventPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, syncerr.NewSyncFailed(string(models.ProviderMicrosoftCalendar), "list", err)
		}
		for _, ev := range page.Value {
			events = append(events, fromGraphEvent(ev))
		}
		next = page.NextLink
	}

	return events, nil
}

func fromGraphEvent(ev graphEvent) models.ExternalEvent {
	out := models.ExternalEvent{
		ID:     ev.ID,
		Title:  ev.Subject,
		AllDay: ev.IsAllDay,
	}
	if ev.Body != nil {
		out.Description = ev.Body.Content
	}
	if ev.Location != nil {
		out.Location = ev.Location.DisplayName
	}
	out.Start = parseGraphTime(ev.Start)
	out.End = parseGraphTime(ev.End)
	return out
}

// parseGraphTime reads a dateTime that Graph already rendered in UTC. Unparseable values come back
// as the zero time.
func parseGraphTime(value *graphDateTime) time.Time {
	if value == nil || value.DateTime == "" {
		return time.Time{}
	}
	t, err := time.Parse(graphTimeFormat, value.DateTime)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

var _ Adapter = (*MicrosoftCalendarAdapter)(nil)
