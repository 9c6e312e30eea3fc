// Package reconcile keeps local appointments and provider events in step. Push mirrors an
// appointment onto a provider, Pull imports provider events that are not mirrored yet, DeleteSync
// removes a mirror and Provision attaches a conference link. The sync ledger is the only record of
// which remote event belongs to which appointment.
package reconcile

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/syncerr"
)

// Publisher receives a SyncEvent after every completed operation.
type Publisher interface {
	PublishSyncEvent(ctx context.Context, event models.SyncEvent) error
}

// Transactor runs fn in one database transaction carried on ctx.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Credentials is the part of the credential store the engine uses.
type Credentials interface {
	Resolve(ctx context.Context, userID string, provider models.Provider) (*credentials.Credential, error)
}

type Deps struct {
	Appointments repositories.AppointmentRepo
	Ledger       repositories.LedgerRepo
	Integrations repositories.IntegrationRepo
	Credentials  Credentials
	Registry     *providers.Registry
	Locker       lock.Locker
	Transactor   Transactor
	// Publisher is optional.
	Publisher Publisher
}

type Config struct {
	PullWindow time.Duration
	LockTTL    time.Duration
	LockWait   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PullWindow <= 0 {
		c.PullWindow = 30 * 24 * time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Minute
	}
	if c.LockWait <= 0 {
		c.LockWait = 15 * time.Second
	}
	return c
}

type Engine struct {
	Deps
	cfg    Config
	logger ectologger.Logger
	now    func() time.Time
}

func NewEngine(deps Deps, cfg Config, logger ectologger.Logger) *Engine {
	return &Engine{
		Deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

type PushAction string

const (
	PushCreated PushAction = "created"
	PushUpdated PushAction = "updated"
)

type PushResult struct {
	AppointmentID   uuid.UUID       `json:"appointment_id"`
	Provider        models.Provider `json:"provider"`
	ExternalEventID string          `json:"external_event_id"`
	Action          PushAction      `json:"action"`
}

type PullResult struct {
	Provider models.Provider `json:"provider"`
	// NotConnected and InProgress mark a pull that did nothing.
	NotConnected    bool                    `json:"not_connected,omitempty"`
	InProgress      bool                    `json:"in_progress,omitempty"`
	Listed          int                     `json:"listed"`
	Imported        []uuid.UUID             `json:"imported"`
	AlreadyMirrored int                     `json:"already_mirrored"`
	Skipped         []syncerr.ImportSkipped `json:"skipped,omitempty"`
	Failed          int                     `json:"failed"`
	// Partial is set when some events were neither imported nor skipped.
	Partial bool `json:"partial"`
}

type DeleteResult struct {
	AppointmentID   uuid.UUID       `json:"appointment_id"`
	Provider        models.Provider `json:"provider"`
	Found           bool            `json:"found"`
	ExternalEventID string          `json:"external_event_id,omitempty"`
	RemoteDeleted   bool            `json:"remote_deleted"`
	RemoteError     string          `json:"remote_error,omitempty"`
}

type ConferenceResult struct {
	AppointmentID   uuid.UUID       `json:"appointment_id"`
	Provider        models.Provider `json:"provider"`
	ExternalEventID string          `json:"external_event_id"`
	JoinURL         string          `json:"join_url"`
	Platform        string          `json:"platform"`
	// Reused is set when the appointment already had a link from this provider.
	Reused bool `json:"reused"`
}

// acquire takes key, waiting up to wait when wait is positive. Contention is reported as
// ErrAlreadySynced.
func (e *Engine) acquire(ctx context.Context, key string, wait time.Duration) (lock.Lock, error) {
	var (
		held lock.Lock
		err  error
	)
	if wait > 0 {
		held, err = e.Locker.TryAcquire(ctx, key, e.cfg.LockTTL, wait)
	} else {
		held, err = e.Locker.Acquire(ctx, key, e.cfg.LockTTL)
	}
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, syncerr.ErrAlreadySynced
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to acquire lock %s", key)
	}
	return held, nil
}

func (e *Engine) release(ctx context.Context, held lock.Lock, key string) {
	if err := held.Release(context.WithoutCancel(ctx)); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("lock", key).Warn("failed to release lock")
	}
}

// asSyncFailed keeps typed provider errors and wraps anything else.
func asSyncFailed(provider models.Provider, op string, err error) error {
	if errors.Is(err, syncerr.ErrSyncFailed) || errors.Is(err, syncerr.ErrUnsupported) {
		return err
	}
	return syncerr.NewSyncFailed(string(provider), op, err)
}

func (e *Engine) publish(ctx context.Context, event models.SyncEvent) {
	if e.Publisher == nil {
		return
	}
	if err := e.Publisher.PublishSyncEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("event_type", event.Type).Warn("failed to publish sync event")
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, syncerr.ErrAlreadySynced):
		return "already_synced"
	case errors.Is(err, syncerr.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, syncerr.ErrNotFound):
		return "not_found"
	case errors.Is(err, syncerr.ErrSyncFailed):
		return "sync_failed"
	default:
		return "error"
	}
}

func (e *Engine) observe(op string, provider models.Provider, start time.Time, err error) {
	metrics.RecordSyncOperation(op, string(provider), outcome(err), time.Since(start))
}
