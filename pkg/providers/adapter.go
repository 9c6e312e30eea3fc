// Package providers talks to the external calendar and conferencing services. Each Adapter covers
// one provider's OAuth flow and its event API; the Registry picks one by provider enum.
package providers

import (
	"context"
	"fmt"
	"sort"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/syncerr"
)

type Capability uint8

const (
	CapabilityAuth Capability = 1 << iota
	CapabilityCalendar
	CapabilityConference
)

func (c Capability) Has(other Capability) bool {
	return c&other == other
}

// Adapter is one provider. Every remote call takes the access token explicitly; adapters hold no
// per-user state.
type Adapter interface {
	Provider() models.Provider
	Capabilities() Capability

	AuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*models.TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (*models.TokenSet, error)

	CreateEvent(ctx context.Context, accessToken string, spec models.EventSpec) (*models.RemoteEvent, error)
	UpdateEvent(ctx context.Context, accessToken, externalID string, spec models.EventSpec) error
	// DeleteEvent treats an event that is already gone as deleted.
	DeleteEvent(ctx context.Context, accessToken, externalID string) error
	ListEvents(ctx context.Context, accessToken string, window models.TimeWindow) ([]models.ExternalEvent, error)
}

type Registry struct {
	adapters map[models.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Provider()] = a
}

// Get returns the adapter for provider, or ErrUnsupported when none is configured.
func (r *Registry) Get(provider models.Provider) (Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not configured", syncerr.ErrUnsupported, provider)
	}
	return a, nil
}

// Require is Get plus a capability check.
func (r *Registry) Require(provider models.Provider, capability Capability) (Adapter, error) {
	a, err := r.Get(provider)
	if err != nil {
		return nil, err
	}
	if !a.Capabilities().Has(capability) {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrUnsupported, provider)
	}
	return a, nil
}

func (r *Registry) Providers() []models.Provider {
	out := make([]models.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
