package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Price             decimal.Decimal `json:"price"`
	Stock             int             `json:"stock"`
	LowStockThreshold int             `json:"low_stock_threshold"`
	TrackInventory    bool            `json:"track_inventory"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type HolderType string

const (
	HolderCart  HolderType = "cart"
	HolderOrder HolderType = "order"
)

// Holder identifies who owns a reservation (cart id or order id).
type Holder struct {
	ID   string
	Type HolderType
}

func CartHolder(cartID string) Holder   { return Holder{ID: cartID, Type: HolderCart} }
func OrderHolder(orderID string) Holder { return Holder{ID: orderID, Type: HolderOrder} }

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s ReservationStatus) Terminal() bool { return s != ReservationActive }

type Reservation struct {
	ID         string            `json:"id"`
	ProductID  string            `json:"product_id"`
	HolderID   string            `json:"holder_id"`
	HolderType HolderType        `json:"holder_type"`
	Quantity   int               `json:"quantity"`
	Status     ReservationStatus `json:"status"`
	ReservedAt time.Time         `json:"reserved_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

type ChangeType string

const (
	ChangeStockIn    ChangeType = "stock_in"
	ChangeStockOut   ChangeType = "stock_out"
	ChangeReserved   ChangeType = "reserved"
	ChangeUnreserved ChangeType = "unreserved"
	ChangeSold       ChangeType = "sold"
)

// AffectsStock is true for entries that move product.stock itself
// (as opposed to only the available ceiling).
func (c ChangeType) AffectsStock() bool {
	switch c {
	case ChangeStockIn, ChangeStockOut, ChangeSold:
		return true
	}
	return false
}

type InventoryLogEntry struct {
	ID             string     `json:"id"`
	Seq            int64      `json:"seq"`
	ProductID      string     `json:"product_id"`
	ChangeType     ChangeType `json:"change_type"`
	QuantityChange int        `json:"quantity_change"`
	PreviousStock  int        `json:"previous_stock"`
	NewStock       int        `json:"new_stock"`
	ReferenceID    string     `json:"reference_id,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type Order struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Total     decimal.Decimal `json:"total"`
	Status    Status          `json:"status"` // lihat status.go
	PaymentID string          `json:"payment_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type OrderItem struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Subtotal is price * quantity.
func (it OrderItem) Subtotal() decimal.Decimal {
	return it.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentSucceeded  PaymentStatus = "succeeded"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCanceled   PaymentStatus = "canceled"
)

type Payment struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"order_id"`
	ExternalIntentID string          `json:"external_intent_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           PaymentStatus   `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type WebhookEvent struct {
	ID              string     `json:"id"`
	ExternalEventID string     `json:"external_event_id"`
	EventType       string     `json:"event_type"`
	Processed       bool       `json:"processed"`
	Payload         []byte     `json:"payload"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

type AnomalyKind string

const (
	AnomalyPaymentAfterPaid     AnomalyKind = "payment_after_paid"
	AnomalySucceededAfterCancel AnomalyKind = "succeeded_after_cancel"
	AnomalyReservationLapsed    AnomalyKind = "reservation_lapsed"
	AnomalyUnknownEventType     AnomalyKind = "unknown_event_type"
	AnomalyUnmatchedIntent      AnomalyKind = "unmatched_intent"
	AnomalyInvalidPayload       AnomalyKind = "invalid_payload"
	AnomalyAmountMismatch       AnomalyKind = "amount_mismatch"
)

type Anomaly struct {
	ID          string      `json:"id"`
	Kind        AnomalyKind `json:"kind"`
	ReferenceID string      `json:"reference_id"`
	Details     string      `json:"details"`
	CreatedAt   time.Time   `json:"created_at"`
}

type LowStockAlert struct {
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name"`
	CurrentStock   int    `json:"current_stock"`
	AvailableStock int    `json:"available_stock"`
	Threshold      int    `json:"threshold"`
	IsCritical     bool   `json:"is_critical"`
}

type InventoryReport struct {
	TotalProducts      int             `json:"total_products"`
	LowStockProducts   int             `json:"low_stock_products"`
	OutOfStockProducts int             `json:"out_of_stock_products"`
	TotalReserved      int             `json:"total_reserved"`
	TotalAvailable     int             `json:"total_available"`
	Alerts             []LowStockAlert `json:"alerts"`
}
