package models

import (
	"fmt"
	"strings"
)

type Provider string

const (
	ProviderGoogleCalendar    Provider = "google_calendar"
	ProviderMicrosoftCalendar Provider = "microsoft_calendar"
	ProviderZoom              Provider = "zoom"
	ProviderGoogleMeet        Provider = "google_meet"
)

var AllProviders = []Provider{
	ProviderGoogleCalendar,
	ProviderMicrosoftCalendar,
	ProviderZoom,
	ProviderGoogleMeet,
}

func ParseProvider(value string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range AllProviders {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", value)
}

func (p Provider) String() string {
	return string(p)
}

// CredentialProvider is the provider whose integration row holds the OAuth credentials. Google Meet
// runs on the user's Google Calendar grant.
func (p Provider) CredentialProvider() Provider {
	if p == ProviderGoogleMeet {
		return ProviderGoogleCalendar
	}
	return p
}

func (p Provider) IsCalendar() bool {
	return p == ProviderGoogleCalendar || p == ProviderMicrosoftCalendar
}

func (p Provider) IsConference() bool {
	return p == ProviderZoom || p == ProviderGoogleMeet
}

// VideoPlatform is the value stored on an appointment provisioned through p.
func (p Provider) VideoPlatform() string {
	switch p {
	case ProviderZoom:
		return "zoom"
	case ProviderGoogleMeet:
		return "google_meet"
	default:
		return ""
	}
}
