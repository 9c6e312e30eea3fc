// Package metrics provides Prometheus metrics for the clover service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clover"

var (
	HTTPServerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http_server",
			Name:      "requests_total",
			Help:      "Total number of API requests by route and status",
		},
		[]string{"method", "route", "status_code"},
	)

	HTTPServerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http_server",
			Name:      "request_duration_seconds",
			Help:      "Duration of API requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// ProviderRequestsTotal counts outbound calls to provider APIs.
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Total number of provider API requests by operation and status",
		},
		[]string{"provider", "operation", "status_code"},
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Duration of provider API requests in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"provider", "operation"},
	)

	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credentials",
			Name:      "refreshes_total",
			Help:      "Total number of token refreshes by outcome",
		},
		[]string{"provider", "outcome"},
	)

	SyncOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "operations_total",
			Help:      "Total number of reconciliation operations by outcome",
		},
		[]string{"operation", "provider", "outcome"},
	)

	SyncOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "operation_duration_seconds",
			Help:      "Duration of reconciliation operations in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation", "provider"},
	)

	// PullEventsTotal counts remote events seen by pulls. result is imported, existing, skipped or failed.
	PullEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pull_events_total",
			Help:      "Total number of remote events handled by pulls",
		},
		[]string{"provider", "result"},
	)

	QueueJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed from the queue",
		},
		[]string{"type", "status"},
	)

	QueueJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently being processed",
		},
	)

	SchedulerPullsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pulls_enqueued_total",
			Help:      "Total number of pull jobs enqueued by the scheduler",
		},
		[]string{"provider"},
	)

	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of Kafka messages published",
		},
		[]string{"topic", "status"},
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)
)

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	HTTPServerRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPServerRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordProviderRequest records an outbound provider call. status is 0 when no response arrived.
func RecordProviderRequest(provider, operation string, status int, duration time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	ProviderRequestsTotal.WithLabelValues(provider, operation, code).Inc()
	ProviderRequestDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

func RecordTokenRefresh(provider, outcome string) {
	TokenRefreshesTotal.WithLabelValues(provider, outcome).Inc()
}

func RecordSyncOperation(operation, provider, outcome string, duration time.Duration) {
	SyncOperationsTotal.WithLabelValues(operation, provider, outcome).Inc()
	SyncOperationDuration.WithLabelValues(operation, provider).Observe(duration.Seconds())
}

func RecordPullEvents(provider, result string, count int) {
	if count <= 0 {
		return
	}
	PullEventsTotal.WithLabelValues(provider, result).Add(float64(count))
}

func RecordQueueJob(jobType, status string) {
	QueueJobsProcessed.WithLabelValues(jobType, status).Inc()
}

func RecordScheduledPull(provider string) {
	SchedulerPullsEnqueued.WithLabelValues(provider).Inc()
}

func RecordKafkaPublish(topic, status string, duration time.Duration) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(duration.Seconds())
}
