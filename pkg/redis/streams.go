package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JobMessage is a unit of background work carried on a stream.
type JobMessage struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	UserID    string            `json:"user_id"`
	Payload   map[string]string `json:"payload"`
	CreatedAt time.Time         `json:"created_at"`
}

// StreamMessage is a decoded stream entry. Deliveries counts how often the group handed it out.
type StreamMessage struct {
	ID         string
	Stream     string
	Job        JobMessage
	Deliveries int64
}

type Streams struct {
	client *Client
}

func NewStreams(client *Client) *Streams {
	return &Streams{client: client}
}

func (s *Streams) Publish(ctx context.Context, stream string, job *JobMessage) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	id, err := s.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"data": string(payload)},
	}).Result()
	if err != nil {
		s.client.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to stream %s", stream)
		return "", err
	}

	s.client.logger.WithContext(ctx).Debugf("Published job %s (%s) to stream %s as %s", job.ID, job.Type, stream, id)
	return id, nil
}

func (s *Streams) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := s.client.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Consume reads new messages for consumer. Entries that cannot be decoded are acked and dropped.
func (s *Streams) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	results, err := s.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, result := range results {
		messages = append(messages, s.decode(ctx, result.Stream, group, result.Messages, 1)...)
	}
	return messages, nil
}

// ClaimStale takes over messages that another consumer left pending longer than minIdle.
func (s *Streams) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]StreamMessage, error) {
	pending, err := s.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil, err
	}

	ids := make([]string, 0, len(pending))
	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.RetryCount
	}

	claimed, err := s.client.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}

	messages := s.decode(ctx, stream, group, claimed, 0)
	for i := range messages {
		messages[i].Deliveries = deliveries[messages[i].ID] + 1
	}
	return messages, nil
}

func (s *Streams) decode(ctx context.Context, stream, group string, raw []redis.XMessage, deliveries int64) []StreamMessage {
	messages := make([]StreamMessage, 0, len(raw))
	for _, msg := range raw {
		data, ok := msg.Values["data"].(string)
		var job JobMessage
		if ok {
			err := json.Unmarshal([]byte(data), &job)
			ok = err == nil
		}
		if !ok {
			s.client.logger.WithContext(ctx).Warnf("Dropping undecodable message %s on stream %s", msg.ID, stream)
			_ = s.Ack(ctx, stream, group, msg.ID)
			continue
		}
		messages = append(messages, StreamMessage{ID: msg.ID, Stream: stream, Job: job, Deliveries: deliveries})
	}
	return messages
}

func (s *Streams) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return s.client.rdb.XAck(ctx, stream, group, ids...).Err()
}

func (s *Streams) Len(ctx context.Context, stream string) (int64, error) {
	return s.client.rdb.XLen(ctx, stream).Result()
}

// Trim keeps roughly the newest maxLen entries.
func (s *Streams) Trim(ctx context.Context, stream string, maxLen int64) error {
	return s.client.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err()
}
