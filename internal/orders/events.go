package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated        = "OrderCreated"
	EventOrderStatusChanged  = "OrderStatusChanged"
	EventReservationExpired  = "ReservationExpired"
	EventLowStock            = "LowStock"
	EventPaymentNotification = "PaymentNotification"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "stockflow-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id atau product_id
	Payload       json.RawMessage `json:"payload"`
}

// ---- Payload tipe per event ----

type ItemPrice struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
	Price     string `json:"price"`
}

type OrderCreatedPayload struct {
	OrderID string      `json:"order_id"`
	UserID  string      `json:"user_id"`
	CartID  string      `json:"cart_id"`
	Items   []ItemPrice `json:"items"`
	Total   string      `json:"total"`
}

type OrderStatusChangedPayload struct {
	OrderID string  `json:"order_id"`
	From    Status  `json:"from"`
	To      Status  `json:"to"`
	Trigger Trigger `json:"trigger"`
}

type ReservationExpiredPayload struct {
	ReservationID string `json:"reservation_id"`
	ProductID     string `json:"product_id"`
	HolderID      string `json:"holder_id"`
	Qty           int    `json:"qty"`
}

type LowStockPayload struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
	Threshold int    `json:"threshold"`
}

// PaymentNotificationPayload is what the gateway client publishes on
// TopicPaymentEvents once it has verified a webhook signature.
type PaymentNotificationPayload struct {
	ExternalEventID string          `json:"external_event_id"`
	EventType       string          `json:"event_type"`
	Data            json.RawMessage `json:"data"`
}
