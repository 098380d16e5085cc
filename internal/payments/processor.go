package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ariefcatur/stockflow/internal/checkout"
	"github.com/ariefcatur/stockflow/internal/logx"
	"github.com/ariefcatur/stockflow/internal/metrics"
	"github.com/ariefcatur/stockflow/internal/orders"
	"github.com/ariefcatur/stockflow/internal/store"
	"github.com/ariefcatur/stockflow/internal/tracing"
)

const DefaultGrace = 5 * time.Minute

// Dedup is a best-effort "seen before" hint in front of the database.
type Dedup interface {
	MarkSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Ack is what the sender gets back. Accepted is false only when the raw
// event could not be stored.
type Ack struct {
	Accepted  bool `json:"accepted"`
	Duplicate bool `json:"duplicate,omitempty"`
}

type Processor struct {
	Store    store.Store
	Checkout *checkout.Service
	Dedup    Dedup
	Retry    store.RetryPolicy
	Grace    time.Duration
	Now      func() time.Time
}

func NewProcessor(st store.Store, co *checkout.Service, dedup Dedup, retry store.RetryPolicy, grace time.Duration) *Processor {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Processor{
		Store:    st,
		Checkout: co,
		Dedup:    dedup,
		Retry:    retry,
		Grace:    grace,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ingest records a delivery and, the first time it is seen, applies it.
// Only a failure to record the raw event is returned as an error; anything
// that goes wrong afterwards stays on the row for Reprocess.
func (p *Processor) Ingest(ctx context.Context, externalEventID, eventType string, payload []byte) (ack Ack, err error) {
	ctx, span := tracing.Start(ctx, "payments.Ingest",
		attribute.String("event_id", externalEventID), attribute.String("event_type", eventType))
	defer func() { tracing.End(span, err) }()

	if externalEventID == "" {
		return Ack{}, ErrMissingEventID
	}
	log := logx.From(ctx).With().Str("event_id", externalEventID).Str("event_type", eventType).Logger()

	hinted := false
	if p.Dedup != nil {
		seen, err := p.Dedup.MarkSeen(ctx, externalEventID)
		if err != nil {
			log.Warn().Err(err).Msg("dedup hint unavailable")
		}
		hinted = seen
	}

	ev := orders.WebhookEvent{
		ID:              uuid.NewString(),
		ExternalEventID: externalEventID,
		EventType:       eventType,
		Payload:         payload,
		CreatedAt:       p.Now(),
	}
	var inserted bool
	err = store.RunTx(ctx, p.Store, p.Retry, func(tx store.Tx) error {
		var err error
		inserted, err = tx.InsertWebhook(ctx, ev)
		return err
	})
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("persist_failed").Inc()
		if p.Dedup != nil {
			if ferr := p.Dedup.Forget(ctx, externalEventID); ferr != nil {
				log.Warn().Err(ferr).Msg("dedup hint not cleared")
			}
		}
		log.Error().Err(err).Msg("webhook not persisted")
		return Ack{}, fmt.Errorf("persist webhook %s: %w", externalEventID, err)
	}
	if !inserted {
		metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
		log.Debug().Bool("hinted", hinted).Msg("duplicate delivery")
		return Ack{Accepted: true, Duplicate: true}, nil
	}
	if hinted {
		log.Debug().Msg("stale dedup hint, event was new")
	}

	if err := p.dispatch(ctx, externalEventID); err != nil {
		log.Warn().Err(err).Msg("webhook left for reprocessing")
	}
	return Ack{Accepted: true}, nil
}

// dispatch applies one stored event. It returns nil when the row ends up
// processed, otherwise the reason it was left pending.
func (p *Processor) dispatch(ctx context.Context, externalEventID string) error {
	var (
		out    checkout.Outcome
		result string
	)
	err := store.RunTx(ctx, p.Store, p.Retry, func(tx store.Tx) error {
		out, result = checkout.Outcome{}, ""
		w, err := tx.LockWebhook(ctx, externalEventID)
		if err != nil {
			return err
		}
		if w.Processed {
			result = "already_processed"
			return nil
		}

		ev, err := Parse(w.EventType, w.Payload)
		switch {
		case errors.Is(err, ErrUnknownEventType):
			result = "ignored"
			if err := p.Checkout.RecordAnomaly(ctx, tx, orders.AnomalyUnknownEventType, w.ExternalEventID, err.Error()); err != nil {
				return err
			}
			return tx.MarkWebhookProcessed(ctx, w.ID, p.Now())
		case errors.Is(err, ErrInvalidPayload):
			result = "invalid"
			if err := p.Checkout.RecordAnomaly(ctx, tx, orders.AnomalyInvalidPayload, w.ExternalEventID, err.Error()); err != nil {
				return err
			}
			return tx.MarkWebhookProcessed(ctx, w.ID, p.Now())
		case err != nil:
			return err
		}

		switch e := ev.(type) {
		case PaymentSucceeded:
			out, err = p.Checkout.HandlePaymentSucceeded(ctx, tx, e.IntentID, e.Capture())
		case PaymentFailed:
			out, err = p.Checkout.HandlePaymentFailed(ctx, tx, e.IntentID)
		}
		if err != nil {
			return err
		}
		switch {
		case out.Anomaly != "":
			result = "anomaly"
		case out.Applied:
			result = "applied"
		default:
			result = "noop"
		}
		return tx.MarkWebhookProcessed(ctx, w.ID, p.Now())
	})
	if err != nil {
		p.fail(ctx, externalEventID, err)
		return err
	}

	metrics.WebhookEvents.WithLabelValues(result).Inc()
	if out.Change != nil {
		p.Checkout.Announce(ctx, *out.Change)
	}
	return nil
}

// fail records why dispatch did not go through. An unknown intent is also
// an anomaly, recorded once per distinct message.
func (p *Processor) fail(ctx context.Context, externalEventID string, cause error) {
	unmatched := errors.Is(cause, orders.ErrPaymentNotFound)
	result := "failed"
	if unmatched {
		result = "unmatched"
	}
	metrics.WebhookEvents.WithLabelValues(result).Inc()

	msg := cause.Error()
	err := store.RunTx(ctx, p.Store, p.Retry, func(tx store.Tx) error {
		w, err := tx.LockWebhook(ctx, externalEventID)
		if err != nil {
			return err
		}
		if unmatched && w.ErrorMessage != msg {
			if err := p.Checkout.RecordAnomaly(ctx, tx, orders.AnomalyUnmatchedIntent, w.ExternalEventID, msg); err != nil {
				return err
			}
		}
		return tx.MarkWebhookFailed(ctx, w.ID, msg)
	})
	if err != nil {
		logx.From(ctx).Error().Err(err).Str("event_id", externalEventID).
			AnErr("cause", cause).Msg("could not record webhook failure")
	}
}

type ReprocessResult struct {
	Scanned   int `json:"scanned"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Reprocess retries events that are still unprocessed after the grace
// period, oldest first.
func (p *Processor) Reprocess(ctx context.Context, limit int) (ReprocessResult, error) {
	pending, err := p.stale(ctx, limit)
	if err != nil {
		return ReprocessResult{}, err
	}
	res := ReprocessResult{Scanned: len(pending)}
	for _, w := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := p.dispatch(ctx, w.ExternalEventID); err != nil {
			res.Failed++
			continue
		}
		res.Processed++
	}
	if res.Scanned > 0 {
		logx.From(ctx).Info().Int("processed", res.Processed).Int("failed", res.Failed).Msg("webhook reprocess done")
	}
	return res, nil
}

// Pending lists unprocessed events past the grace period for operators.
func (p *Processor) Pending(ctx context.Context, limit int) ([]orders.WebhookEvent, error) {
	out, err := p.stale(ctx, limit)
	if out == nil && err == nil {
		out = []orders.WebhookEvent{}
	}
	return out, err
}

func (p *Processor) stale(ctx context.Context, limit int) ([]orders.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []orders.WebhookEvent
	err := p.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListUnprocessedWebhooks(ctx, p.Now().Add(-p.Grace), limit)
		return err
	})
	return out, err
}

// RunReprocess calls Reprocess every interval until ctx is done.
func (p *Processor) RunReprocess(ctx context.Context, interval time.Duration, limit int) error {
	if interval <= 0 {
		interval = p.Grace
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := p.Reprocess(ctx, limit); err != nil && ctx.Err() == nil {
				logx.From(ctx).Error().Err(err).Msg("webhook reprocess failed")
			}
		}
	}
}
