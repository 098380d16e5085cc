// Package payments turns gateway notifications into order state machine
// triggers. Every delivery is persisted before it is acted on, and the
// external event id makes repeated deliveries harmless.
package payments

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/stockflow/internal/checkout"
)

const (
	TypeIntentSucceeded = "payment_intent.succeeded"
	TypeIntentFailed    = "payment_intent.payment_failed"
	TypeIntentCanceled  = "payment_intent.canceled"
)

var (
	ErrUnknownEventType = errors.New("unknown payment event type")
	ErrInvalidPayload   = errors.New("invalid payment event payload")
	ErrMissingEventID   = errors.New("payment event has no id")
)

// Event is one of PaymentSucceeded or PaymentFailed.
type Event interface {
	Intent() string
	isEvent()
}

type PaymentSucceeded struct {
	IntentID string
	Amount   int64 // minor units as sent by the gateway
	Currency string
}

type PaymentFailed struct {
	IntentID string
	Reason   string
}

// Capture converts the gateway's minor units into the order's currency
// amount. Two-decimal currencies only.
func (e PaymentSucceeded) Capture() checkout.Capture {
	return checkout.Capture{Amount: decimal.New(e.Amount, -2), Currency: e.Currency}
}

func (e PaymentSucceeded) Intent() string { return e.IntentID }
func (e PaymentFailed) Intent() string    { return e.IntentID }

func (PaymentSucceeded) isEvent() {}
func (PaymentFailed) isEvent()    {}

// gateway event body: {"id": "...", "type": "...", "data": {"object": {...}}}
type rawEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID               string `json:"id"`
			Amount           int64  `json:"amount"`
			Currency         string `json:"currency"`
			LastPaymentError *struct {
				Message string `json:"message"`
			} `json:"last_payment_error"`
			CancellationReason string `json:"cancellation_reason"`
		} `json:"object"`
	} `json:"data"`
}

// ReadHeader pulls the event id and type out of a raw gateway body.
func ReadHeader(body []byte) (id, eventType string, err error) {
	var ev rawEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if ev.ID == "" {
		return "", ev.Type, ErrMissingEventID
	}
	return ev.ID, ev.Type, nil
}

// Parse decodes payload according to eventType. Unknown types are reported
// before the payload is looked at.
func Parse(eventType string, payload []byte) (Event, error) {
	switch eventType {
	case TypeIntentSucceeded, TypeIntentFailed, TypeIntentCanceled:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	var ev rawEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	obj := ev.Data.Object
	if obj.ID == "" {
		return nil, fmt.Errorf("%w: data.object.id missing", ErrInvalidPayload)
	}

	switch eventType {
	case TypeIntentSucceeded:
		return PaymentSucceeded{IntentID: obj.ID, Amount: obj.Amount, Currency: obj.Currency}, nil
	case TypeIntentCanceled:
		reason := "canceled"
		if obj.CancellationReason != "" {
			reason += ": " + obj.CancellationReason
		}
		return PaymentFailed{IntentID: obj.ID, Reason: reason}, nil
	default:
		reason := ""
		if obj.LastPaymentError != nil {
			reason = obj.LastPaymentError.Message
		}
		return PaymentFailed{IntentID: obj.ID, Reason: reason}, nil
	}
}
