package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type Config struct {
	Brokers []string
	Topic   string
}

// ParseConfig splits a comma-separated broker list.
func ParseConfig(brokers, topic string) Config {
	var list []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			list = append(list, b)
		}
	}
	return Config{Brokers: list, Topic: topic}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes sync events. Messages are keyed by user so one user's events stay ordered.
type Producer struct {
	writer  messageWriter
	logger  ectologger.Logger
	topic   string
	brokers []string
}

func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &Producer{writer: writer, logger: logger, topic: cfg.Topic, brokers: cfg.Brokers}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Ping succeeds once any configured broker accepts a connection.
func (p *Producer) Ping(ctx context.Context) error {
	lastErr := errors.New("no kafka brokers configured")
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn.Close()
		}
		lastErr = err
	}
	return lastErr
}

func (p *Producer) PublishSyncEvent(ctx context.Context, evt models.SyncEvent) error {
	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishSyncEvent")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("event.type", string(evt.Type)),
		attribute.String("provider", string(evt.Provider)),
	)

	data, err := json.Marshal(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal sync event: %w", err)
	}

	headers := []kafka.Header{
		{Key: "type", Value: []byte(evt.Type)},
		{Key: "user_id", Value: []byte(evt.UserID)},
		{Key: "provider", Value: []byte(evt.Provider)},
	}
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}
	if tracestate := tracing.GetTraceState(ctx); tracestate != "" {
		headers = append(headers, kafka.Header{Key: "tracestate", Value: []byte(tracestate)})
	}

	start := time.Now()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(evt.UserID),
		Value:   data,
		Headers: headers,
	})
	if err != nil {
		metrics.RecordKafkaPublish(p.topic, "error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish %s to Kafka topic %s", evt.Type, p.topic)
		return err
	}

	metrics.RecordKafkaPublish(p.topic, "success", time.Since(start))
	span.SetStatus(codes.Ok, "message published")
	p.logger.WithContext(ctx).Debugf("Published %s event %s for user %s", evt.Type, evt.ID, evt.UserID)
	return nil
}
