package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Producer handles Kafka event emission
type Producer struct {
	writer  *kafka.Writer
	logger  ectologger.Logger
	topic   string
	brokers []string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	requiredAcks := kafka.RequiredAcks(cfg.RequiredAcks)

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           requiredAcks,
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer:  writer,
		logger:  logger,
		topic:   cfg.Topic,
		brokers: cfg.Brokers,
	}
}

// Ping verifies a broker is reachable. The writer itself connects lazily, so
// startup uses this to fail fast when Kafka is down.
func (p *Producer) Ping(ctx context.Context) error {
	if len(p.brokers) == 0 {
		return nil
	}
	conn, err := kafka.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Topic returns the topic this producer writes to.
func (p *Producer) Topic() string {
	return p.topic
}

// ContactEvent is the wire envelope for contact lifecycle events. Messages
// are keyed by the cluster's primary contact id so all events for one
// identity land on the same partition in order.
type ContactEvent struct {
	EventType        string    `json:"event_type"` // contact.created, contact.linked, clusters.merged
	EventID          string    `json:"event_id"`
	SchemaVersion    string    `json:"schema_version"`
	CorrelationID    string    `json:"correlation_id,omitempty"`
	PrimaryContactID int64     `json:"primary_contact_id"`
	ContactID        *int64    `json:"contact_id,omitempty"`
	Email            *string   `json:"email,omitempty"`
	PhoneNumber      *string   `json:"phone_number,omitempty"`
	AbsorbedIDs      []int64   `json:"absorbed_primary_ids,omitempty"`
	ClusterSize      int       `json:"cluster_size,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// PublishContactEvent publishes a single contact event
func (p *Producer) PublishContactEvent(ctx context.Context, event *ContactEvent) error {
	return p.PublishContactEvents(ctx, []*ContactEvent{event})
}

// PublishContactEvents publishes contact events in one batch write
func (p *Producer) PublishContactEvents(ctx context.Context, events []*ContactEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishContactEvents")
	defer span.End()

	if len(events) == 0 {
		return nil
	}

	messages := make([]kafka.Message, len(events))
	for i, event := range events {
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}

		data, err := json.Marshal(event)
		if err != nil {
			return err
		}

		messages[i] = kafka.Message{
			Topic: p.topic,
			Key:   []byte(strconv.FormatInt(event.PrimaryContactID, 10)),
			Value: data,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(event.EventType)},
				{Key: "event_id", Value: []byte(event.EventID)},
				{Key: "schema_version", Value: []byte(event.SchemaVersion)},
			},
		}
	}

	start := time.Now()
	err := p.writer.WriteMessages(ctx, messages...)
	metrics.RecordKafkaPublish(p.topic, err, len(messages), time.Since(start))
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_size": len(events),
		}).Error("Failed to publish contact events")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_size": len(events),
	}).Debug("Published contact events")

	return nil
}
