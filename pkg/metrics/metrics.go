// Package metrics provides Prometheus metrics for the Clover service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IdentifyRequestsTotal tracks identify resolutions by outcome
	IdentifyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "identify",
			Name:      "requests_total",
			Help:      "Total number of identify resolutions by outcome",
		},
		[]string{"outcome"},
	)

	// IdentifyDuration tracks end-to-end identify resolution duration
	IdentifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "identify",
			Name:      "duration_seconds",
			Help:      "Duration of identify resolutions in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// IdentifyClusterSize tracks the size of the resolved contact cluster
	IdentifyClusterSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "identify",
			Name:      "cluster_size",
			Help:      "Number of contacts in the resolved cluster",
			Buckets:   []float64{1, 2, 3, 5, 10, 25, 50, 100},
		},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)

	// DeadLetterEventsTotal tracks events routed to the dead letter stream
	DeadLetterEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "dlq",
			Name:      "events_total",
			Help:      "Total number of events routed to the dead letter stream",
		},
		[]string{"reason"},
	)

	// DatabaseQueryDuration tracks database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// RecordIdentify records an identify resolution metric
func RecordIdentify(outcome string, duration time.Duration, clusterSize int) {
	IdentifyRequestsTotal.WithLabelValues(outcome).Inc()
	IdentifyDuration.Observe(duration.Seconds())
	IdentifyClusterSize.Observe(float64(clusterSize))
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic string, err error, count int, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	KafkaMessagesPublished.WithLabelValues(topic, status).Add(float64(count))
	KafkaPublishDuration.Observe(duration.Seconds())
}

// RecordDeadLetter records an event routed to the dead letter stream
func RecordDeadLetter(reason string) {
	DeadLetterEventsTotal.WithLabelValues(reason).Inc()
}

// ObserveQueryDuration records a database query duration
func ObserveQueryDuration(operation string, duration time.Duration) {
	DatabaseQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
