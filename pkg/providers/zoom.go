package providers

import (
	"context"
	"net/http"
	"net/url"

	"github.com/Gobusters/ectologger"
	"golang.org/x/oauth2"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/syncerr"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	zoomAPIBaseURL   = "https://api.zoom.us/v2"
	zoomAuthURL      = "https://zoom.us/oauth/authorize"
	zoomTokenURL     = "https://zoom.us/oauth/token"
	zoomTimeFormat   = "2006-01-02T15:04:05Z"
	zoomScheduled    = 2
	zoomMeetingScope = "meeting:write"
)

type zoomSettings struct {
	HostVideo        bool   `json:"host_video"`
	ParticipantVideo bool   `json:"participant_video"`
	WaitingRoom      bool   `json:"waiting_room"`
	AutoRecording    string `json:"auto_recording"`
}

type zoomMeeting struct {
	Topic     string        `json:"topic"`
	Type      int           `json:"type,omitempty"`
	StartTime string        `json:"start_time"`
	Duration  int           `json:"duration"`
	Timezone  string        `json:"timezone"`
	Agenda    string        `json:"agenda,omitempty"`
	Settings  *zoomSettings `json:"settings,omitempty"`
}

// ZoomAdapter schedules Zoom meetings for appointments. Zoom has no calendar to pull from.
type ZoomAdapter struct {
	*oauthFlow
	rest *restClient
}

func NewZoomAdapter(cfg OAuthConfig, apiBaseURL string, httpClient *http.Client, logger ectologger.Logger) *ZoomAdapter {
	if apiBaseURL == "" {
		apiBaseURL = zoomAPIBaseURL
	}
	oauthCfg := cfg.build(oauth2.Endpoint{
		AuthURL:   zoomAuthURL,
		TokenURL:  zoomTokenURL,
		AuthStyle: oauth2.AuthStyleInHeader,
	}, []string{zoomMeetingScope})

	return &ZoomAdapter{
		oauthFlow: &oauthFlow{
			provider:   models.ProviderZoom,
			config:     oauthCfg,
			httpClient: httpClient,
		},
		rest: &restClient{
			provider: models.ProviderZoom,
			baseURL:  apiBaseURL,
			http:     httpClient,
			logger:   logger,
		},
	}
}

func (a *ZoomAdapter) Provider() models.Provider { return models.ProviderZoom }

func (a *ZoomAdapter) Capabilities() Capability {
	return CapabilityAuth | CapabilityConference
}

func toZoomMeeting(spec models.EventSpec, withDefaults bool) zoomMeeting {
	meeting := zoomMeeting{
		Topic:     spec.Title,
		StartTime: spec.Start.UTC().Format(zoomTimeFormat),
		Duration:  spec.DurationMinutes(),
		Timezone:  "UTC",
		Agenda:    spec.Description,
	}
	if withDefaults {
		meeting.Type = zoomScheduled
		meeting.Settings = &zoomSettings{
			HostVideo:        true,
			ParticipantVideo: true,
			WaitingRoom:      true,
			AutoRecording:    "none",
		}
	}
	return meeting
}

func (a *ZoomAdapter) CreateEvent(ctx context.Context, accessToken string, spec models.EventSpec) (*models.RemoteEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "ZoomAdapter.CreateEvent")
	defer span.End()

	raw, _, err := a.rest.do(ctx, accessToken, restRequest{
		op:     "create_meeting",
		method: http.MethodPost,
		path:   "/users/me/meetings",
		body:   toZoomMeeting(spec, true),
		expect: []int{http.StatusCreated, http.StatusOK},
	})
	if err != nil {
		return nil, syncerr.NewSyncFailed(string(models.ProviderZoom), "create", err)
	}

	id, err := extractString(raw, "id")
	if err != nil || id == "" {
		return nil, syncerr.NewSyncFailed(string(models.ProviderZoom), "create", errMissingField("id", err))
	}
	joinURL, err := extractString(raw, "join_url")
	if err != nil {
		return nil, syncerr.NewSyncFailed(string(models.ProviderZoom), "create", err)
	}

	return &models.RemoteEvent{ID: id, JoinURL: joinURL}, nil
}

func (a *ZoomAdapter) UpdateEvent(ctx context.Context, accessToken, externalID string, spec models.EventSpec) error {
	ctx, span := tracing.StartSpan(ctx, "ZoomAdapter.UpdateEvent")
	defer span.End()

	_, _, err := a.rest.do(ctx, accessToken, restRequest{
		op:     "update_meeting",
		method: http.MethodPatch,
		path:   "/meetings/" + url.PathEscape(externalID),
		body:   toZoomMeeting(spec, false),
		expect: []int{http.StatusNoContent, http.StatusOK},
	})
	if err != nil {
		return syncerr.NewSyncFailed(string(models.ProviderZoom), "update", err)
	}
	return nil
}

func (a *ZoomAdapter) DeleteEvent(ctx context.Context, accessToken, externalID string) error {
	ctx, span := tracing.StartSpan(ctx, "ZoomAdapter.DeleteEvent")
	defer span.End()

	_, _, err := a.rest.do(ctx, accessToken, restRequest{
		op:     "delete_meeting",
		method: http.MethodDelete,
		path:   "/meetings/" + url.PathEscape(externalID),
		expect: []int{http.StatusNoContent, http.StatusOK, http.StatusNotFound},
	})
	if err != nil {
		return syncerr.NewSyncFailed(string(models.ProviderZoom), "delete", err)
	}
	return nil
}

func (a *ZoomAdapter) ListEvents(ctx context.Context, accessToken string, window models.TimeWindow) ([]models.ExternalEvent, error) {
	return nil, syncerr.ErrUnsupported
}

var _ Adapter = (*ZoomAdapter)(nil)

