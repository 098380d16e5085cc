// Package store defines the transactional persistence contract shared by the
// inventory, checkout and payments services. Every mutation in the core runs
// inside exactly one Tx; implementations guarantee all-or-nothing commit.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/stockflow/internal/orders"
)

// ErrConflict reports lock contention, a serialization failure or a deadlock.
// It is safe to retry the whole transaction.
var ErrConflict = errors.New("storage conflict, retry")

// LogQuery selects a window of one product's ledger, ascending by Seq.
type LogQuery struct {
	From     time.Time // inclusive, zero = unbounded
	To       time.Time // exclusive, zero = unbounded
	AfterSeq int64
	Limit    int
}

type Store interface {
	// InTx runs fn in a single transaction. A non-nil error from fn rolls
	// everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of row operations available inside a transaction. Lock*
// methods take a row lock held until the transaction ends; callers lock a
// product before any of its reservations.
type Tx interface {
	LockProduct(ctx context.Context, id string) (orders.Product, error)
	GetProduct(ctx context.Context, id string) (orders.Product, error)
	ListProducts(ctx context.Context) ([]orders.Product, error)
	UpdateProductStock(ctx context.Context, id string, stock int) error
	ActiveReservedQty(ctx context.Context, productID string) (int, error)
	ActiveReservedByProduct(ctx context.Context) (map[string]int, error)

	InsertReservation(ctx context.Context, r orders.Reservation) error
	// GetReservation reads without locking; used to find the product to lock first.
	GetReservation(ctx context.Context, id string) (orders.Reservation, error)
	LockReservation(ctx context.Context, id string) (orders.Reservation, error)
	SetReservationStatus(ctx context.Context, id string, status orders.ReservationStatus, at time.Time) error
	ReparentReservation(ctx context.Context, id string, holder orders.Holder, expiresAt time.Time) error
	ListActiveByHolder(ctx context.Context, holder orders.Holder) ([]orders.Reservation, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]orders.Reservation, error)

	AppendLog(ctx context.Context, e *orders.InventoryLogEntry) error
	ListLogs(ctx context.Context, productID string, q LogQuery) ([]orders.InventoryLogEntry, error)

	InsertOrder(ctx context.Context, o orders.Order) error
	InsertOrderItem(ctx context.Context, it orders.OrderItem) error
	LockOrder(ctx context.Context, id string) (orders.Order, error)
	GetOrder(ctx context.Context, id string) (orders.Order, error)
	ListOrderItems(ctx context.Context, orderID string) ([]orders.OrderItem, error)
	UpdateOrderStatus(ctx context.Context, id string, status orders.Status, at time.Time) error
	SetOrderPayment(ctx context.Context, orderID, paymentID string) error

	InsertPayment(ctx context.Context, p orders.Payment) error
	LockPaymentByIntent(ctx context.Context, intentID string) (orders.Payment, error)
	GetPaymentByOrder(ctx context.Context, orderID string) (orders.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id string, status orders.PaymentStatus, at time.Time) error

	// InsertWebhook returns false when external_event_id was already recorded.
	InsertWebhook(ctx context.Context, e orders.WebhookEvent) (bool, error)
	LockWebhook(ctx context.Context, externalEventID string) (orders.WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id string, at time.Time) error
	MarkWebhookFailed(ctx context.Context, id, message string) error
	ListUnprocessedWebhooks(ctx context.Context, olderThan time.Time, limit int) ([]orders.WebhookEvent, error)

	InsertAnomaly(ctx context.Context, a orders.Anomaly) error
}

// ErrWebhookNotFound is returned by LockWebhook for an unknown event id.
var ErrWebhookNotFound = errors.New("webhook event not found")
