package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/reconcile"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/syncerr"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var (
	// ErrInvalidJobMessage is returned for jobs that can never succeed. They are acked and dropped.
	ErrInvalidJobMessage = errors.New("invalid job message")
)

const (
	DefaultBatchSize     = 10
	DefaultBlockTimeout  = 5 * time.Second
	DefaultMaxRetries    = 3
	DefaultClaimInterval = 30 * time.Second
	DefaultClaimMinIdle  = 60 * time.Second

	JobTypeCalendarPull = "calendar_pull"

	DefaultStream        = "clover:jobs"
	DefaultConsumerGroup = "clover-workers"
)

// Stream is the subset of redis.Streams the processor consumes from.
type Stream interface {
	CreateConsumerGroup(ctx context.Context, stream, group string) error
	Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.StreamMessage, error)
	ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]redis.StreamMessage, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

// Publisher enqueues jobs. Implemented by redis.Streams.
type Publisher interface {
	Publish(ctx context.Context, stream string, job *redis.JobMessage) (string, error)
}

type Puller interface {
	Pull(ctx context.Context, userID string, provider models.Provider) (*reconcile.PullResult, error)
}

// ProcessorConfig holds configuration for the job processor
type ProcessorConfig struct {
	Stream        string
	ConsumerGroup string

	// ConsumerName must be unique per instance
	ConsumerName string

	BatchSize    int64
	BlockTimeout time.Duration

	// MaxRetries is the number of deliveries a job gets before it is dropped
	MaxRetries int

	ClaimInterval time.Duration
	ClaimMinIdle  time.Duration

	WorkerCount int
}

func DefaultProcessorConfig() ProcessorConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.New().String()[:8]
	}

	return ProcessorConfig{
		Stream:        DefaultStream,
		ConsumerGroup: DefaultConsumerGroup,
		ConsumerName:  hostname,
		BatchSize:     DefaultBatchSize,
		BlockTimeout:  DefaultBlockTimeout,
		MaxRetries:    DefaultMaxRetries,
		ClaimInterval: DefaultClaimInterval,
		ClaimMinIdle:  DefaultClaimMinIdle,
		WorkerCount:   2,
	}
}

// CalendarPullJob asks a worker to pull one user's calendar.
type CalendarPullJob struct {
	UserID        string
	Provider      models.Provider
	IntegrationID uuid.UUID
}

// PublishCalendarPull enqueues a pull job on stream.
func PublishCalendarPull(ctx context.Context, publisher Publisher, stream string, job CalendarPullJob) (string, error) {
	msg := &redis.JobMessage{
		ID:        uuid.New().String(),
		Type:      JobTypeCalendarPull,
		UserID:    job.UserID,
		CreatedAt: time.Now().UTC(),
		Payload: map[string]string{
			"provider":       job.Provider.String(),
			"integration_id": job.IntegrationID.String(),
		},
	}
	return publisher.Publish(ctx, stream, msg)
}

// Processor runs queued jobs from a Redis stream consumer group. Failed jobs stay pending and are
// reclaimed after ClaimMinIdle, until they exceed MaxRetries deliveries.
type Processor struct {
	streams Stream
	puller  Puller
	config  ProcessorConfig
	logger  ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	jobsCh   chan redis.StreamMessage

	running bool
	mu      sync.RWMutex
}

func NewProcessor(streams Stream, puller Puller, config ProcessorConfig, logger ectologger.Logger) *Processor {
	defaults := DefaultProcessorConfig()
	if config.Stream == "" {
		config.Stream = defaults.Stream
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = defaults.ConsumerGroup
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = DefaultClaimInterval
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = DefaultClaimMinIdle
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}

	return &Processor{
		streams:  streams,
		puller:   puller,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
		jobsCh:   make(chan redis.StreamMessage, config.BatchSize*2),
	}
}

func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	p.mu.Unlock()

	p.logger.WithContext(ctx).Infof("Starting job processor: stream=%s group=%s consumer=%s workers=%d",
		p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.WorkerCount)

	if err := p.streams.CreateConsumerGroup(ctx, p.config.Stream, p.config.ConsumerGroup); err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		p.logger.WithContext(ctx).WithError(err).Error("Failed to create consumer group")
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	// loops exit on stopCh; the blocking Consume call is bounded by BlockTimeout
	var producers sync.WaitGroup
	producers.Add(2)
	go p.consumeLoop(ctx, &producers)
	go p.claimLoop(ctx, &producers)

	var workers sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		workers.Add(1)
		go p.worker(ctx, &workers, i)
	}

	go func() {
		<-p.stopCh
		producers.Wait()
		close(p.jobsCh)
		workers.Wait()
		close(p.stoppedC)
	}()

	return nil
}

// Stop signals the loops and waits for in-flight jobs, or for ctx to expire.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.WithContext(ctx).Info("Stopping job processor...")
	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Info("Job processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Job processor shutdown timed out")
		return ctx.Err()
	}
	return nil
}

func (p *Processor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Processor) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		messages, err := p.streams.Consume(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName,
			p.config.BatchSize, p.config.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WithContext(ctx).WithError(err).Warn("Failed to consume messages")
			select {
			case <-time.After(time.Second):
			case <-p.stopCh:
				return
			}
			continue
		}

		if !p.dispatch(messages) {
			return
		}
	}
}

func (p *Processor) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if !p.dispatch(p.claimStale(ctx)) {
				return
			}
		}
	}
}

// claimStale takes over jobs left pending by a crashed or failing consumer. Jobs over the retry
// limit are acked and dropped.
func (p *Processor) claimStale(ctx context.Context) []redis.StreamMessage {
	ctx, span := tracing.StartSpan(ctx, "Processor.claimStale")
	defer span.End()

	claimed, err := p.streams.ClaimStale(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName,
		p.config.ClaimMinIdle, p.config.BatchSize)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to claim pending messages")
		return nil
	}

	retry := make([]redis.StreamMessage, 0, len(claimed))
	for _, msg := range claimed {
		if msg.Deliveries > int64(p.config.MaxRetries) {
			p.logger.WithContext(ctx).Warnf("Job %s (%s) exceeded max retries (%d), dropping", msg.Job.ID, msg.Job.Type, msg.Deliveries-1)
			metrics.RecordQueueJob(msg.Job.Type, "dropped")
			p.ack(ctx, msg)
			continue
		}
		retry = append(retry, msg)
	}

	if len(retry) > 0 {
		p.logger.WithContext(ctx).Infof("Claimed %d stale pending messages", len(retry))
	}
	return retry
}

// dispatch hands messages to the workers. Returns false once the processor is stopping.
func (p *Processor) dispatch(messages []redis.StreamMessage) bool {
	for _, msg := range messages {
		select {
		case p.jobsCh <- msg:
		case <-p.stopCh:
			return false
		}
	}
	return true
}

func (p *Processor) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	p.logger.WithContext(ctx).Debugf("Worker %d started", id)
	for msg := range p.jobsCh {
		p.handle(ctx, msg)
	}
	p.logger.WithContext(ctx).Debugf("Worker %d stopped", id)
}

// handle runs one job and acks it unless it failed with a retryable error.
func (p *Processor) handle(ctx context.Context, msg redis.StreamMessage) {
	metrics.QueueJobsInFlight.Inc()
	defer metrics.QueueJobsInFlight.Dec()

	ctx = appctx.SetJobID(ctx, msg.Job.ID)
	ctx = appctx.SetUserID(ctx, msg.Job.UserID)
	ctx, span := tracing.StartSpan(ctx, "Processor.handle")
	defer span.End()

	start := time.Now()
	err := p.processJob(ctx, msg.Job)
	duration := time.Since(start)

	switch {
	case err == nil:
		metrics.RecordQueueJob(msg.Job.Type, "success")
		p.logger.WithContext(ctx).Infof("Job %s completed in %s", msg.Job.ID, duration)
		p.ack(ctx, msg)
	case !retryable(err):
		metrics.RecordQueueJob(msg.Job.Type, "rejected")
		p.logger.WithContext(ctx).WithError(err).Warnf("Job %s cannot succeed, dropping", msg.Job.ID)
		p.ack(ctx, msg)
	default:
		metrics.RecordQueueJob(msg.Job.Type, "failed")
		p.logger.WithContext(ctx).WithError(err).Warnf("Job %s failed after %s, will be retried", msg.Job.ID, duration)
	}
}

func (p *Processor) processJob(ctx context.Context, job redis.JobMessage) error {
	switch job.Type {
	case JobTypeCalendarPull:
		return p.processCalendarPull(ctx, job)
	default:
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidJobMessage, job.Type)
	}
}

func (p *Processor) processCalendarPull(ctx context.Context, job redis.JobMessage) error {
	if job.UserID == "" {
		return fmt.Errorf("%w: missing user_id", ErrInvalidJobMessage)
	}
	provider, err := models.ParseProvider(job.Payload["provider"])
	if err != nil || !provider.IsCalendar() {
		return fmt.Errorf("%w: provider %q cannot be pulled", ErrInvalidJobMessage, job.Payload["provider"])
	}

	result, err := p.puller.Pull(ctx, job.UserID, provider)
	if err != nil {
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"provider":         provider,
		"listed":           result.Listed,
		"imported":         len(result.Imported),
		"already_mirrored": result.AlreadyMirrored,
		"partial":          result.Partial,
	}).Debug("Scheduled pull finished")
	return nil
}

func (p *Processor) ack(ctx context.Context, msg redis.StreamMessage) {
	if err := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, msg.ID); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to ack message %s", msg.ID)
	}
}

// retryable reports whether a failed job is worth another delivery. Disconnected integrations,
// revoked grants and malformed jobs fail the same way every time.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidJobMessage),
		errors.Is(err, syncerr.ErrUnsupported),
		errors.Is(err, syncerr.ErrNotConnected),
		syncerr.IsPermanentRefresh(err):
		return false
	}
	return true
}
