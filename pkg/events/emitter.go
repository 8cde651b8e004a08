// Package events publishes contact lifecycle events after a resolution
// commits. Publishing is best effort: a failure is logged and dead lettered,
// never surfaced to the request that produced the events.
package events

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	clovercontext "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/identify"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

type EventType string

const (
	EventTypeContactCreated EventType = "contact.created"
	EventTypeContactLinked  EventType = "contact.linked"
	EventTypeClustersMerged EventType = "clusters.merged"
)

// EventPublisher writes contact events to the event stream.
type EventPublisher interface {
	PublishContactEvents(ctx context.Context, events []*kafka.ContactEvent) error
}

// DeadLetterSink captures events that could not be published.
type DeadLetterSink interface {
	Add(ctx context.Context, entry *redis.DLQEntry) (string, error)
}

// Emitter turns resolution results into contact events. A nil publisher
// disables emission; a nil sink drops failed events after logging them.
type Emitter struct {
	publisher EventPublisher
	dlq       DeadLetterSink
	logger    ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(publisher EventPublisher, dlq DeadLetterSink, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		dlq:       dlq,
		logger:    logger,
	}
}

// EmitResolution publishes the events implied by a committed resolution:
// clusters.merged when primaries were absorbed, contact.created for a new
// row, and contact.linked when that row joined an existing cluster. A noop
// resolution emits nothing.
func (e *Emitter) EmitResolution(ctx context.Context, result *identify.Result) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitResolution")
	defer span.End()

	events := e.buildEvents(ctx, result)
	if len(events) == 0 {
		return
	}

	if e.publisher == nil {
		e.logger.WithContext(ctx).WithFields(map[string]any{"event_count": len(events)}).Debug("Event publishing disabled, dropping events")
		return
	}

	if err := e.publisher.PublishContactEvents(ctx, events); err != nil {
		e.deadLetter(ctx, events, err)
	}
}

func (e *Emitter) buildEvents(ctx context.Context, result *identify.Result) []*kafka.ContactEvent {
	correlationID := clovercontext.GetRequestID(ctx)
	primaryID := result.Contact.PrimaryContactID

	var events []*kafka.ContactEvent

	if len(result.DemotedPrimaryIDs) > 0 {
		events = append(events, &kafka.ContactEvent{
			EventType:        string(EventTypeClustersMerged),
			EventID:          uuid.New().String(),
			SchemaVersion:    SchemaVersion,
			CorrelationID:    correlationID,
			PrimaryContactID: primaryID,
			AbsorbedIDs:      result.DemotedPrimaryIDs,
			ClusterSize:      result.ClusterSize,
		})
	}

	if result.NewContact != nil {
		events = append(events, &kafka.ContactEvent{
			EventType:        string(EventTypeContactCreated),
			EventID:          uuid.New().String(),
			SchemaVersion:    SchemaVersion,
			CorrelationID:    correlationID,
			PrimaryContactID: primaryID,
			ContactID:        &result.NewContact.ID,
			Email:            result.NewContact.Email,
			PhoneNumber:      result.NewContact.PhoneNumber,
		})

		if !result.NewContact.IsPrimary() {
			events = append(events, &kafka.ContactEvent{
				EventType:        string(EventTypeContactLinked),
				EventID:          uuid.New().String(),
				SchemaVersion:    SchemaVersion,
				CorrelationID:    correlationID,
				PrimaryContactID: primaryID,
				ContactID:        &result.NewContact.ID,
			})
		}
	}

	return events
}

func (e *Emitter) deadLetter(ctx context.Context, events []*kafka.ContactEvent, cause error) {
	for _, event := range events {
		metrics.RecordDeadLetter(redis.ReasonPublishFailed)

		if e.dlq == nil {
			e.logger.WithContext(ctx).WithError(cause).WithFields(map[string]any{
				"event_type": event.EventType,
				"event_id":   event.EventID,
			}).Error("Failed to publish contact event and no dead letter sink is configured")
			continue
		}

		if _, err := e.dlq.Add(ctx, &redis.DLQEntry{
			Event:        event,
			Reason:       redis.ReasonPublishFailed,
			ErrorMessage: cause.Error(),
		}); err != nil {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"event_type": event.EventType,
				"event_id":   event.EventID,
			}).Error("Failed to dead letter contact event")
		}
	}
}
