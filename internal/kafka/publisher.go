package kafka

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/stockflow/internal/orders"
)

// Publisher is the outbound event port used by the services.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, ev orders.Envelope)
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, []byte, orders.Envelope) {}

// NewEnvelope wraps payload in a version-1 envelope.
func NewEnvelope(producer, eventType, correlationID string, payload any) orders.Envelope {
	return orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       MustMarshal(payload),
	}
}
