package providers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/syncerr"
)

const (
	// DefaultRetryAfter applies when a 429 carries no usable Retry-After.
	DefaultRetryAfter = 30 * time.Second
	MaxRetryAfter     = 10 * time.Minute
)

// Throttle keeps back-off windows opened by provider 429 responses. Implemented by redis.Throttle.
type Throttle interface {
	BlockFor(ctx context.Context, key string, d time.Duration) error
	Blocked(ctx context.Context, key string) (time.Duration, error)
}

// throttledTransport refuses requests while the caller's window for a provider is open and opens
// one when the provider answers 429.
type throttledTransport struct {
	provider models.Provider
	throttle Throttle
	base     http.RoundTripper
	logger   ectologger.Logger
	now      func() time.Time
}

// withThrottle returns a copy of client whose requests go through throttle. A nil throttle
// returns client unchanged.
func withThrottle(client *http.Client, provider models.Provider, throttle Throttle, logger ectologger.Logger) *http.Client {
	if throttle == nil {
		return client
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	throttled := *client
	throttled.Transport = &throttledTransport{
		provider: provider,
		throttle: throttle,
		base:     base,
		logger:   logger,
		now:      time.Now,
	}
	return &throttled
}

// throttleKey scopes the window to the user when one is on ctx, since most provider quotas are
// per user.
func throttleKey(ctx context.Context, provider models.Provider) string {
	if userID := appctx.GetUserID(ctx); userID != "" {
		return provider.String() + ":" + userID
	}
	return provider.String()
}

func (t *throttledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := throttleKey(ctx, t.provider)

	wait, err := t.throttle.Blocked(ctx, key)
	if err != nil {
		t.logger.WithContext(ctx).WithError(err).Warn("failed to read provider back-off, sending anyway")
	}
	if wait > 0 {
		metrics.RecordProviderRequest(t.provider.String(), "throttled", http.StatusTooManyRequests, 0)
		return nil, &syncerr.RateLimitedError{Provider: t.provider.String(), RetryAfter: wait}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		backoff := parseRetryAfter(resp.Header.Get("Retry-After"), t.now())
		t.logger.WithContext(ctx).WithField("provider", t.provider).Warnf("provider rate limited the caller, backing off for %s", backoff)
		if err := t.throttle.BlockFor(ctx, key, backoff); err != nil {
			t.logger.WithContext(ctx).WithError(err).Warn("failed to store provider back-off")
		}
	}
	return resp, nil
}

// parseRetryAfter reads a Retry-After value in seconds or as an HTTP date, bounded to
// [1s, MaxRetryAfter].
func parseRetryAfter(value string, now time.Time) time.Duration {
	d := DefaultRetryAfter
	if value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			d = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(value); err == nil {
			d = at.Sub(now)
		}
	}
	return min(max(d, time.Second), MaxRetryAfter)
}
