package syncerr

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestSyncFailedError_Matching(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("push: %w", NewSyncFailed("zoom", "create", cause))

	assert.True(t, errors.Is(err, ErrSyncFailed))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrRefreshFailed))
	assert.Contains(t, err.Error(), "zoom create failed")
}

func TestRefreshError_Permanent(t *testing.T) {
	transient := &RefreshError{Provider: "google_calendar", Cause: errors.New("timeout")}
	permanent := &RefreshError{Provider: "google_calendar", Permanent: true, Cause: errors.New("invalid_grant")}

	assert.True(t, errors.Is(transient, ErrRefreshFailed))
	assert.False(t, IsPermanentRefresh(transient))
	assert.True(t, IsPermanentRefresh(fmt.Errorf("wrapped: %w", permanent)))
}

func TestRateLimitedError_Matching(t *testing.T) {
	err := fmt.Errorf("list: %w", NewSyncFailed("google_calendar", "list",
		&RateLimitedError{Provider: "google_calendar", RetryAfter: 1500 * time.Millisecond}))

	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.True(t, errors.Is(err, ErrSyncFailed))
	assert.Contains(t, err.Error(), "retry in 2s")
}

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrNotConnected, http.StatusConflict},
		{ErrAuthExchangeFailed, http.StatusBadRequest},
		{&RefreshError{Provider: "zoom", Cause: errors.New("x")}, http.StatusUnauthorized},
		{ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("upsert: %w", ErrAlreadySynced), http.StatusConflict},
		{ErrUnsupported, http.StatusBadRequest},
		{NewSyncFailed("microsoft_calendar", "list", errors.New("503")), http.StatusBadGateway},
		{NewSyncFailed("zoom", "create", &RateLimitedError{Provider: "zoom", RetryAfter: time.Minute}), http.StatusTooManyRequests},
		{errors.New("unexpected"), http.StatusInternalServerError},
		{httperror.NewHTTPError(http.StatusTeapot, "teapot"), http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			httpErr := ToHTTPError(tt.err)
			assert.True(t, httperror.IsHTTPError(httpErr))
			assert.Equal(t, tt.code, httperror.GetStatusCode(httpErr))
		})
	}

	assert.Nil(t, ToHTTPError(nil))
}
