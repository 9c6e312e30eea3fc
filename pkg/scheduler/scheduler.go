// Package scheduler enqueues periodic calendar pulls. Each poll lists the calendar integrations whose
// last pull is older than PullInterval and publishes a calendar_pull job for each of them.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/queue"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var ErrSchedulerAlreadyRunning = errors.New("scheduler already running")

const (
	DefaultPollInterval = time.Minute
	DefaultPullInterval = 15 * time.Minute
	DefaultBatchSize    = 100

	LockKeyPrefix = "scheduler:pull:"
)

// IntegrationLister returns the integrations due for a pull. Implemented by the integration repository.
type IntegrationLister interface {
	ListDueForPull(ctx context.Context, providers []models.Provider, syncedBefore time.Time, limit int) ([]models.Integration, error)
}

type Config struct {
	// PollInterval is how often to look for due integrations
	PollInterval time.Duration

	// PullInterval is the minimum time between two pulls of the same integration
	PullInterval time.Duration

	BatchSize int

	// Providers limits scheduling to these calendar providers
	Providers []models.Provider

	// JobQueue is the Redis stream the jobs are published to
	JobQueue string
}

func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		PullInterval: DefaultPullInterval,
		BatchSize:    DefaultBatchSize,
		Providers:    []models.Provider{models.ProviderGoogleCalendar, models.ProviderMicrosoftCalendar},
		JobQueue:     queue.DefaultStream,
	}
}

type Scheduler struct {
	repo      IntegrationLister
	publisher queue.Publisher
	locker    lock.Locker
	config    Config
	logger    ectologger.Logger
	now       func() time.Time

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

func NewScheduler(repo IntegrationLister, publisher queue.Publisher, locker lock.Locker, config Config, logger ectologger.Logger) *Scheduler {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.PullInterval <= 0 {
		config.PullInterval = defaults.PullInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if len(config.Providers) == 0 {
		config.Providers = defaults.Providers
	}
	if config.JobQueue == "" {
		config.JobQueue = defaults.JobQueue
	}

	return &Scheduler{
		repo:      repo,
		publisher: publisher,
		locker:    locker,
		config:    config,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		stoppedC:  make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithContext(ctx).Infof("Starting scheduler: poll_interval=%s pull_interval=%s providers=%v",
		s.config.PollInterval, s.config.PullInterval, s.config.Providers)

	go s.pollLoop(ctx)
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.WithContext(ctx).Info("Stopping scheduler...")
	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.runSchedulingCycle(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runSchedulingCycle(ctx)
		}
	}
}

// runSchedulingCycle publishes one pull job per due integration and returns how many it published.
func (s *Scheduler) runSchedulingCycle(ctx context.Context) int {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.runSchedulingCycle")
	defer span.End()

	start := s.now()
	due, err := s.repo.ListDueForPull(ctx, s.config.Providers, start.Add(-s.config.PullInterval), s.config.BatchSize)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list integrations due for pull")
		return 0
	}
	if len(due) == 0 {
		s.logger.WithContext(ctx).Debug("No integrations due for pull")
		return 0
	}

	scheduled, skipped := 0, 0
	for _, integration := range due {
		if err := s.schedulePull(ctx, integration); err != nil {
			if errors.Is(err, lock.ErrNotAcquired) {
				skipped++
				continue
			}
			s.logger.WithContext(ctx).WithError(err).Warnf("Failed to schedule pull for integration %s", integration.ID)
			continue
		}
		scheduled++
	}

	s.logger.WithContext(ctx).Infof("Scheduling cycle completed: scheduled=%d skipped=%d duration=%s",
		scheduled, skipped, time.Since(start))
	return scheduled
}

// schedulePull publishes the job under a lock that lives for one PullInterval. The lock is left
// to expire so an integration whose job is still queued is not published again.
func (s *Scheduler) schedulePull(ctx context.Context, integration models.Integration) error {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.schedulePull")
	defer span.End()

	ctx = appctx.SetUserID(ctx, integration.UserID)

	l, err := s.locker.Acquire(ctx, lockKey(integration.ID), s.config.PullInterval)
	if err != nil {
		return err
	}

	messageID, err := queue.PublishCalendarPull(ctx, s.publisher, s.config.JobQueue, queue.CalendarPullJob{
		UserID:        integration.UserID,
		Provider:      integration.Provider,
		IntegrationID: integration.ID,
	})
	if err != nil {
		if relErr := l.Release(ctx); relErr != nil {
			s.logger.WithContext(ctx).WithError(relErr).Warn("Failed to release scheduler lock")
		}
		return err
	}

	metrics.RecordScheduledPull(integration.Provider.String())
	s.logger.WithContext(ctx).Debugf("Scheduled %s pull for integration %s (message_id=%s)",
		integration.Provider, integration.ID, messageID)
	return nil
}

func lockKey(integrationID uuid.UUID) string {
	return LockKeyPrefix + integrationID.String()
}
