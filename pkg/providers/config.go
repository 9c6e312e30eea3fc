package providers

import (
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Config carries the OAuth registrations and API endpoints of every provider. A provider without a
// client id is left out of the registry.
type Config struct {
	HTTPTimeout time.Duration

	Google           OAuthConfig
	GoogleAPIBaseURL string

	Microsoft           OAuthConfig
	MicrosoftTenant     string
	MicrosoftAPIBaseURL string

	Zoom           OAuthConfig
	ZoomAPIBaseURL string

	// Throttle, when set, honors provider 429 back-offs across replicas.
	Throttle Throttle
}

// NewRegistryFromConfig builds the adapters that have credentials configured. Google Meet is
// registered whenever Google Calendar is, since it runs on the same grant.
func NewRegistryFromConfig(cfg Config, logger ectologger.Logger) *Registry {
	return newRegistry(cfg, NewHTTPClient(cfg.HTTPTimeout), logger)
}

func newRegistry(cfg Config, httpClient *http.Client, logger ectologger.Logger) *Registry {
	registry := NewRegistry()

	clientFor := func(provider models.Provider) *http.Client {
		return withThrottle(httpClient, provider, cfg.Throttle, logger)
	}

	if cfg.Google.ClientID != "" {
		gcal := NewGoogleCalendarAdapter(cfg.Google, cfg.GoogleAPIBaseURL, clientFor(models.ProviderGoogleCalendar), logger)
		registry.Register(gcal)
		registry.Register(NewGoogleMeetAdapter(gcal))
	}
	if cfg.Microsoft.ClientID != "" {
		registry.Register(NewMicrosoftCalendarAdapter(cfg.Microsoft, cfg.MicrosoftTenant, cfg.MicrosoftAPIBaseURL, clientFor(models.ProviderMicrosoftCalendar), logger))
	}
	if cfg.Zoom.ClientID != "" {
		registry.Register(NewZoomAdapter(cfg.Zoom, cfg.ZoomAPIBaseURL, clientFor(models.ProviderZoom), logger))
	}

	logger.Infof("provider registry configured with %v", registry.Providers())
	return registry
}
