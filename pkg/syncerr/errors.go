// Package syncerr holds the error kinds returned by the credential store, the provider adapters
// and the reconciliation engine.
package syncerr

import (
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/pkg/errors"
)

var (
	ErrNotConnected       = errors.New("no active integration for provider")
	ErrAuthExchangeFailed = errors.New("authorization code exchange failed")
	ErrRefreshFailed      = errors.New("token refresh failed")
	ErrNotFound           = errors.New("not found")
	ErrAlreadySynced      = errors.New("appointment is already synced to provider")
	ErrUnsupported        = errors.New("operation not supported by provider")
	ErrSyncFailed         = errors.New("provider sync failed")
	ErrRateLimited        = errors.New("provider rate limit exceeded")
)

// SyncFailedError is a failed remote call. The local state it was guarding is left unchanged.
type SyncFailedError struct {
	Provider string
	Op       string
	Cause    error
}

func NewSyncFailed(provider, op string, cause error) *SyncFailedError {
	return &SyncFailedError{Provider: provider, Op: op, Cause: cause}
}

func (e *SyncFailedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s %s failed", e.Provider, e.Op)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Cause)
}

func (e *SyncFailedError) Unwrap() error { return e.Cause }

func (e *SyncFailedError) Is(target error) bool { return target == ErrSyncFailed }

// RefreshError is a failed token refresh. Permanent means the grant itself is no longer valid and
// the integration has to be reconnected.
type RefreshError struct {
	Provider  string
	Permanent bool
	Cause     error
}

func (e *RefreshError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s token refresh failed (%s): %v", e.Provider, kind, e.Cause)
}

func (e *RefreshError) Unwrap() error { return e.Cause }

func (e *RefreshError) Is(target error) bool { return target == ErrRefreshFailed }

func IsPermanentRefresh(err error) bool {
	var refreshErr *RefreshError
	return errors.As(err, &refreshErr) && refreshErr.Permanent
}

// RateLimitedError is returned instead of calling a provider that asked us to back off.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded, retry in %s", e.Provider, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// ImportSkipped records a remote event that a pull did not import.
type ImportSkipped struct {
	ExternalEventID string `json:"external_event_id"`
	Reason          string `json:"reason"`
}

// ToHTTPError converts err into an httperror carrying the matching status. Errors that are already
// httperrors pass through; unknown errors become a 500.
func ToHTTPError(err error) error {
	if err == nil {
		return nil
	}
	if httperror.IsHTTPError(err) {
		return err
	}

	var (
		syncErr    *SyncFailedError
		limitedErr *RateLimitedError
	)
	switch {
	case errors.Is(err, ErrNotConnected):
		return httperror.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrAuthExchangeFailed):
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRefreshFailed):
		return httperror.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrNotFound):
		return httperror.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadySynced):
		return httperror.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnsupported):
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &limitedErr):
		return httperror.NewHTTPErrorf(http.StatusTooManyRequests, "%s rate limit exceeded, retry in %s",
			limitedErr.Provider, limitedErr.RetryAfter.Round(time.Second))
	case errors.As(err, &syncErr):
		return httperror.NewHTTPErrorf(http.StatusBadGateway, "%s %s failed", syncErr.Provider, syncErr.Op)
	default:
		return httperror.NewHTTPError(http.StatusInternalServerError, "Internal Server Error")
	}
}
