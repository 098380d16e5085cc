package payments

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/stockflow/internal/kafka"
	"github.com/ariefcatur/stockflow/internal/logx"
	"github.com/ariefcatur/stockflow/internal/orders"
)

// HandleMessage feeds a payment.events record into Ingest. A nil return
// commits the offset, so only a failure to store the raw event is returned;
// the consumer retries that record before its partition moves on.
func (p *Processor) HandleMessage(ctx context.Context, m kafka.Message) error {
	log := logx.From(ctx).With().Str("topic", m.Topic).Int64("offset", m.Offset).Logger()

	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// poison message, skip
		log.Error().Err(err).Msg("undecodable payment envelope")
		return nil
	}
	if env.EventType != orders.EventPaymentNotification {
		log.Debug().Str("event_type", env.EventType).Msg("skip non-payment event")
		return nil
	}
	pl, err := kafkax.UnwrapPayload[orders.PaymentNotificationPayload](env.Payload)
	if err != nil {
		log.Error().Err(err).Str("envelope_id", env.EventID).Msg("bad payment notification")
		return nil
	}
	if pl.ExternalEventID == "" {
		log.Error().Str("envelope_id", env.EventID).Msg("payment notification without event id")
		return nil
	}

	ack, err := p.Ingest(log.WithContext(ctx), pl.ExternalEventID, pl.EventType, pl.Data)
	if err != nil {
		return err
	}
	log.Debug().Str("event_id", pl.ExternalEventID).Bool("duplicate", ack.Duplicate).Msg("payment notification ingested")
	return nil
}
