// Package checkout drives orders through their lifecycle. All status changes
// go through orders.Transition; reservation and stock side effects are
// delegated to the inventory service inside the same transaction.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ariefcatur/stockflow/internal/inventory"
	kafkax "github.com/ariefcatur/stockflow/internal/kafka"
	"github.com/ariefcatur/stockflow/internal/logx"
	"github.com/ariefcatur/stockflow/internal/metrics"
	"github.com/ariefcatur/stockflow/internal/orders"
	"github.com/ariefcatur/stockflow/internal/store"
	"github.com/ariefcatur/stockflow/internal/tracing"
)

const DefaultOrderHoldTTL = 30 * time.Minute

// StatusCache is a read-through cache of order status. Nil disables it.
type StatusCache interface {
	SetOrderStatus(ctx context.Context, orderID string, s orders.Status) error
	OrderStatus(ctx context.Context, orderID string) (orders.Status, bool, error)
}

type Service struct {
	Store           store.Store
	Inventory       *inventory.Service
	Events          kafkax.Publisher
	Cache           StatusCache
	Retry           store.RetryPolicy
	OrderHoldTTL    time.Duration
	RestockOnRefund bool
	ServiceName     string
	Now             func() time.Time
}

type Options struct {
	OrderHoldTTL    time.Duration
	RestockOnRefund bool
	Retry           store.RetryPolicy
	ServiceName     string
}

func NewService(st store.Store, inv *inventory.Service, events kafkax.Publisher, cache StatusCache, opt Options) *Service {
	if opt.OrderHoldTTL <= 0 {
		opt.OrderHoldTTL = DefaultOrderHoldTTL
	}
	if events == nil {
		events = kafkax.NopPublisher{}
	}
	return &Service{
		Store:           st,
		Inventory:       inv,
		Events:          events,
		Cache:           cache,
		Retry:           opt.Retry,
		OrderHoldTTL:    opt.OrderHoldTTL,
		RestockOnRefund: opt.RestockOnRefund,
		ServiceName:     opt.ServiceName,
		Now:             func() time.Time { return time.Now().UTC() },
	}
}

type OrderDetail struct {
	orders.Order
	Items []orders.OrderItem `json:"items"`
}

// Change is one applied transition, announced after commit.
type Change struct {
	OrderID string
	From    orders.Status
	To      orders.Status
	Trigger orders.Trigger
}

// Outcome reports what a payment trigger did. Applied is false for
// idempotent no-ops and for events recorded only as anomalies.
type Outcome struct {
	OrderID string
	Applied bool
	Change  *Change
	Anomaly orders.AnomalyKind
}

// CreateOrder converts every active reservation of cartID into an order in
// pending_payment. Prices are snapshotted; reservations are re-parented to
// the order with a fresh hold of OrderHoldTTL.
func (s *Service) CreateOrder(ctx context.Context, userID, cartID string) (d OrderDetail, err error) {
	ctx, span := tracing.Start(ctx, "checkout.CreateOrder", attribute.String("cart_id", cartID))
	defer func() { tracing.End(span, err) }()

	var ch Change
	err = store.RunTx(ctx, s.Store, s.Retry, func(tx store.Tx) error {
		var txErr error
		d, ch, txErr = s.createOrderTx(ctx, tx, userID, cartID)
		return txErr
	})
	if err != nil {
		return OrderDetail{}, err
	}

	items := make([]orders.ItemPrice, 0, len(d.Items))
	for _, it := range d.Items {
		items = append(items, orders.ItemPrice{ProductID: it.ProductID, Qty: it.Quantity, Price: it.Price.StringFixed(2)})
	}
	s.Events.Publish(ctx, orders.TopicOrderCreated, orders.PartitionKey(d.ID),
		kafkax.NewEnvelope(s.ServiceName, orders.EventOrderCreated, d.ID, orders.OrderCreatedPayload{
			OrderID: d.ID, UserID: userID, CartID: cartID, Items: items, Total: d.Total.StringFixed(2),
		}))
	s.Announce(ctx, ch)
	return d, nil
}

func (s *Service) createOrderTx(ctx context.Context, tx store.Tx, userID, cartID string) (OrderDetail, Change, error) {
	rs, err := tx.ListActiveByHolder(ctx, orders.CartHolder(cartID))
	if err != nil {
		return OrderDetail{}, Change{}, err
	}
	if len(rs) == 0 {
		return OrderDetail{}, Change{}, orders.ErrEmptyCart
	}
	next, err := orders.Transition(orders.StatusCart, orders.TriggerCreate)
	if err != nil {
		return OrderDetail{}, Change{}, err
	}

	now := s.Now()
	o := orders.Order{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    next,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// rs sorted by product id: lock each product once, then its reservations
	qty := map[string]int{}
	price := map[string]decimal.Decimal{}
	var order []string
	for _, r := range rs {
		if _, seen := price[r.ProductID]; !seen {
			p, err := tx.LockProduct(ctx, r.ProductID)
			if err != nil {
				return OrderDetail{}, Change{}, err
			}
			reserved, err := tx.ActiveReservedQty(ctx, p.ID)
			if err != nil {
				return OrderDetail{}, Change{}, err
			}
			if p.TrackInventory && p.Stock-reserved < 0 {
				return OrderDetail{}, Change{}, orders.ErrInsufficientStock
			}
			price[p.ID] = p.Price
			order = append(order, p.ID)
		}
		locked, err := tx.LockReservation(ctx, r.ID)
		if err != nil {
			return OrderDetail{}, Change{}, err
		}
		if locked.Status.Terminal() || locked.HolderID != cartID || locked.HolderType != orders.HolderCart {
			return OrderDetail{}, Change{}, fmt.Errorf("%w: reservation %s is %s", orders.ErrPartialCartInvalid, r.ID, locked.Status)
		}
		if !locked.ExpiresAt.After(now) {
			return OrderDetail{}, Change{}, fmt.Errorf("%w: reservation %s: %w", orders.ErrPartialCartInvalid, r.ID, orders.ErrReservationExpired)
		}
		hold := now.Add(s.OrderHoldTTL)
		if locked.ExpiresAt.After(hold) {
			hold = locked.ExpiresAt
		}
		if _, err := s.Inventory.ReparentTx(ctx, tx, locked, orders.OrderHolder(o.ID), hold); err != nil {
			return OrderDetail{}, Change{}, err
		}
		qty[r.ProductID] += locked.Quantity
	}

	d := OrderDetail{Order: o}
	total := decimal.Zero
	for _, pid := range order {
		it := orders.OrderItem{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			ProductID: pid,
			Quantity:  qty[pid],
			Price:     price[pid],
		}
		total = total.Add(it.Subtotal())
		d.Items = append(d.Items, it)
	}
	d.Total = total

	if err := tx.InsertOrder(ctx, d.Order); err != nil {
		return OrderDetail{}, Change{}, err
	}
	for _, it := range d.Items {
		if err := tx.InsertOrderItem(ctx, it); err != nil {
			return OrderDetail{}, Change{}, err
		}
	}
	return d, Change{OrderID: o.ID, From: orders.StatusCart, To: next, Trigger: orders.TriggerCreate}, nil
}

// InitiatePayment moves pending_payment to payment_processing and records a
// pending Payment for intentID. Repeating the call with the same intent
// returns the existing payment.
func (s *Service) InitiatePayment(ctx context.Context, orderID, intentID, currency string) (p orders.Payment, err error) {
	ctx, span := tracing.Start(ctx, "checkout.InitiatePayment", attribute.String("order_id", orderID))
	defer func() { tracing.End(span, err) }()

	requested := intentID
	if intentID == "" {
		intentID = "pi_" + uuid.NewString()
	}
	if currency == "" {
		currency = "usd"
	}

	var ch *Change
	err = store.RunTx(ctx, s.Store, s.Retry, func(tx store.Tx) error {
		ch = nil
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.PaymentID != "" && o.Status == orders.StatusPaymentProcessing {
			existing, err := tx.GetPaymentByOrder(ctx, o.ID)
			if err != nil {
				return err
			}
			if requested != "" && existing.ExternalIntentID != requested {
				return orders.ErrPaymentMismatch
			}
			p = existing
			return nil
		}
		next, err := orders.Transition(o.Status, orders.TriggerInitiatePayment)
		if err != nil {
			return err
		}
		if o.PaymentID != "" {
			// one payment per order
			return fmt.Errorf("%w: order %s already has payment %s", orders.ErrInvalidTransition, o.ID, o.PaymentID)
		}

		now := s.Now()
		p = orders.Payment{
			ID:               uuid.NewString(),
			OrderID:          o.ID,
			ExternalIntentID: intentID,
			Amount:           o.Total,
			Currency:         currency,
			Status:           orders.PaymentPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		if err := tx.SetOrderPayment(ctx, o.ID, p.ID); err != nil {
			return err
		}
		if err := tx.UpdateOrderStatus(ctx, o.ID, next, now); err != nil {
			return err
		}
		ch = &Change{OrderID: o.ID, From: o.Status, To: next, Trigger: orders.TriggerInitiatePayment}
		return nil
	})
	if err != nil {
		return orders.Payment{}, err
	}
	if ch != nil {
		s.Announce(ctx, *ch)
	}
	return p, nil
}

// Capture is what the gateway reports as taken. Zero fields are not checked.
type Capture struct {
	Amount   decimal.Decimal
	Currency string
}

func (c Capture) mismatch(p orders.Payment) string {
	if c.Currency != "" && !strings.EqualFold(c.Currency, p.Currency) {
		return fmt.Sprintf("captured currency %s, expected %s", c.Currency, p.Currency)
	}
	if !c.Amount.IsZero() && !c.Amount.Equal(p.Amount) {
		return fmt.Sprintf("captured %s, expected %s", c.Amount, p.Amount)
	}
	return ""
}

// HandlePaymentSucceeded applies a captured payment inside the caller's tx:
// order to paid, every order-scoped hold committed, payment succeeded. Orders
// already paid or later are left alone. A capture that disagrees with the
// recorded payment is an anomaly and leaves the order where it is.
func (s *Service) HandlePaymentSucceeded(ctx context.Context, tx store.Tx, intentID string, captured Capture) (Outcome, error) {
	p, o, err := s.lockPayment(ctx, tx, intentID)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{OrderID: o.ID}
	now := s.Now()

	switch {
	case o.Status.AtLeastPaid():
		return out, nil
	case o.Status == orders.StatusCancelled:
		if p.Status != orders.PaymentSucceeded {
			if err := tx.UpdatePaymentStatus(ctx, p.ID, orders.PaymentSucceeded, now); err != nil {
				return out, err
			}
		}
		out.Anomaly = orders.AnomalySucceededAfterCancel
		return out, s.RecordAnomaly(ctx, tx, out.Anomaly, o.ID,
			fmt.Sprintf("intent %s captured after order was cancelled", intentID))
	}

	next, err := orders.Transition(o.Status, orders.TriggerPaymentSucceeded)
	if err != nil {
		return out, err
	}
	if reason := captured.mismatch(p); reason != "" {
		out.Anomaly = orders.AnomalyAmountMismatch
		return out, s.RecordAnomaly(ctx, tx, out.Anomaly, o.ID, fmt.Sprintf("intent %s: %s", intentID, reason))
	}

	// every product row is locked up front in id order, so commits and
	// lapsed-hold sales below never take a lower id after a higher one
	items, err := tx.ListOrderItems(ctx, o.ID)
	if err != nil {
		return out, err
	}
	if err := lockProducts(ctx, tx, items); err != nil {
		return out, err
	}

	holds, err := tx.ListActiveByHolder(ctx, orders.OrderHolder(o.ID))
	if err != nil {
		return out, err
	}
	committed := map[string]int{}
	for _, r := range holds {
		if _, err := s.Inventory.CommitTx(ctx, tx, r.ID, o.ID); err != nil {
			return out, err
		}
		committed[r.ProductID] += r.Quantity
	}

	// holds the sweeper reclaimed before the money arrived
	for _, it := range items {
		missing := it.Quantity - committed[it.ProductID]
		if missing <= 0 {
			continue
		}
		err := s.Inventory.SellTx(ctx, tx, it.ProductID, missing, o.ID)
		switch {
		case errors.Is(err, orders.ErrInsufficientStock):
			out.Anomaly = orders.AnomalyReservationLapsed
			if err := s.RecordAnomaly(ctx, tx, out.Anomaly, o.ID,
				fmt.Sprintf("product %s short by %d after hold lapsed", it.ProductID, missing)); err != nil {
				return out, err
			}
		case err != nil:
			return out, err
		}
	}

	if err := tx.UpdatePaymentStatus(ctx, p.ID, orders.PaymentSucceeded, now); err != nil {
		return out, err
	}
	if err := tx.UpdateOrderStatus(ctx, o.ID, next, now); err != nil {
		return out, err
	}
	out.Applied = true
	out.Change = &Change{OrderID: o.ID, From: o.Status, To: next, Trigger: orders.TriggerPaymentSucceeded}
	return out, nil
}

// HandlePaymentFailed cancels an unpaid order and releases its holds. A
// failure for an order that is already paid never regresses it; it is
// recorded as an anomaly instead.
func (s *Service) HandlePaymentFailed(ctx context.Context, tx store.Tx, intentID string) (Outcome, error) {
	p, o, err := s.lockPayment(ctx, tx, intentID)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{OrderID: o.ID}

	switch {
	case o.Status.AtLeastPaid():
		out.Anomaly = orders.AnomalyPaymentAfterPaid
		return out, s.RecordAnomaly(ctx, tx, out.Anomaly, o.ID,
			fmt.Sprintf("failure for intent %s arrived while order is %s", intentID, o.Status))
	case o.Status == orders.StatusCancelled:
		return out, nil
	}

	next, err := orders.Transition(o.Status, orders.TriggerPaymentFailed)
	if err != nil {
		return out, err
	}
	holds, err := tx.ListActiveByHolder(ctx, orders.OrderHolder(o.ID))
	if err != nil {
		return out, err
	}
	for _, r := range holds {
		if _, err := s.Inventory.CancelTx(ctx, tx, r.ID); err != nil {
			return out, err
		}
	}

	now := s.Now()
	if err := tx.UpdatePaymentStatus(ctx, p.ID, orders.PaymentFailed, now); err != nil {
		return out, err
	}
	if err := tx.UpdateOrderStatus(ctx, o.ID, next, now); err != nil {
		return out, err
	}
	out.Applied = true
	out.Change = &Change{OrderID: o.ID, From: o.Status, To: next, Trigger: orders.TriggerPaymentFailed}
	return out, nil
}

func lockProducts(ctx context.Context, tx store.Tx, items []orders.OrderItem) error {
	ids := make([]string, 0, len(items))
	seen := map[string]bool{}
	for _, it := range items {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			ids = append(ids, it.ProductID)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := tx.LockProduct(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) lockPayment(ctx context.Context, tx store.Tx, intentID string) (orders.Payment, orders.Order, error) {
	p, err := tx.LockPaymentByIntent(ctx, intentID)
	if err != nil {
		return p, orders.Order{}, err
	}
	o, err := tx.LockOrder(ctx, p.OrderID)
	if err != nil {
		return p, o, err
	}
	if o.PaymentID != "" && o.PaymentID != p.ID {
		return p, o, orders.ErrPaymentMismatch
	}
	return p, o, nil
}

// RecordAnomaly stores an operator-visible inconsistency inside tx.
func (s *Service) RecordAnomaly(ctx context.Context, tx store.Tx, kind orders.AnomalyKind, ref, details string) error {
	logx.From(ctx).Warn().Str("anomaly", string(kind)).Str("reference_id", ref).Msg(details)
	return tx.InsertAnomaly(ctx, orders.Anomaly{
		ID:          uuid.NewString(),
		Kind:        kind,
		ReferenceID: ref,
		Details:     details,
		CreatedAt:   s.Now(),
	})
}

// AdvanceStatus is the admin path: one forward step from paid onwards.
func (s *Service) AdvanceStatus(ctx context.Context, orderID string, target orders.Status) (o orders.Order, err error) {
	ctx, span := tracing.Start(ctx, "checkout.AdvanceStatus",
		attribute.String("order_id", orderID), attribute.String("target", string(target)))
	defer func() { tracing.End(span, err) }()

	var ch Change
	err = store.RunTx(ctx, s.Store, s.Retry, func(tx store.Tx) error {
		var err error
		o, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := orders.AdvanceTo(o.Status, target); err != nil {
			return err
		}
		now := s.Now()
		if err := tx.UpdateOrderStatus(ctx, o.ID, target, now); err != nil {
			return err
		}
		ch = Change{OrderID: o.ID, From: o.Status, To: target, Trigger: orders.TriggerAdminAdvance}
		o.Status, o.UpdatedAt = target, now
		return nil
	})
	if err != nil {
		return orders.Order{}, err
	}
	s.Announce(ctx, ch)
	return o, nil
}

// Refund moves a paid-or-later order to refunded and cancels its payment.
// With RestockOnRefund every item goes back to stock with a stock_in row.
func (s *Service) Refund(ctx context.Context, orderID string) (o orders.Order, err error) {
	ctx, span := tracing.Start(ctx, "checkout.Refund", attribute.String("order_id", orderID))
	defer func() { tracing.End(span, err) }()

	var ch Change
	err = store.RunTx(ctx, s.Store, s.Retry, func(tx store.Tx) error {
		var err error
		o, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		next, err := orders.Transition(o.Status, orders.TriggerRefund)
		if err != nil {
			return err
		}
		now := s.Now()

		p, err := tx.GetPaymentByOrder(ctx, o.ID)
		switch {
		case err == nil:
			if err := tx.UpdatePaymentStatus(ctx, p.ID, orders.PaymentCanceled, now); err != nil {
				return err
			}
		case !errors.Is(err, orders.ErrPaymentNotFound):
			return err
		}

		if s.RestockOnRefund {
			items, err := tx.ListOrderItems(ctx, o.ID)
			if err != nil {
				return err
			}
			sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
			for _, it := range items {
				if err := s.Inventory.RestockTx(ctx, tx, it.ProductID, it.Quantity, o.ID, "refund restock"); err != nil {
					return err
				}
			}
		}

		if err := tx.UpdateOrderStatus(ctx, o.ID, next, now); err != nil {
			return err
		}
		ch = Change{OrderID: o.ID, From: o.Status, To: next, Trigger: orders.TriggerRefund}
		o.Status, o.UpdatedAt = next, now
		return nil
	})
	if err != nil {
		return orders.Order{}, err
	}
	s.Announce(ctx, ch)
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (OrderDetail, error) {
	var d OrderDetail
	err := s.Store.InTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		items, err := tx.ListOrderItems(ctx, orderID)
		if err != nil {
			return err
		}
		d = OrderDetail{Order: o, Items: items}
		return nil
	})
	if err != nil {
		return OrderDetail{}, err
	}
	if d.Items == nil {
		d.Items = []orders.OrderItem{}
	}
	return d, nil
}

// Status serves the order status from the cache, falling back to storage.
func (s *Service) Status(ctx context.Context, orderID string) (orders.Status, error) {
	if s.Cache != nil {
		st, ok, err := s.Cache.OrderStatus(ctx, orderID)
		if err == nil && ok {
			return st, nil
		}
		if err != nil {
			logx.From(ctx).Warn().Err(err).Msg("status cache read failed")
		}
	}
	var st orders.Status
	err := s.Store.InTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		st = o.Status
		return err
	})
	if err != nil {
		return "", err
	}
	s.cache(ctx, orderID, st)
	return st, nil
}

// Announce publishes a committed transition and refreshes the cache.
func (s *Service) Announce(ctx context.Context, ch Change) {
	if ch.OrderID == "" {
		return
	}
	metrics.OrderTransitions.WithLabelValues(string(ch.From), string(ch.To)).Inc()
	logx.From(ctx).Info().Str("order_id", ch.OrderID).Str("from", string(ch.From)).
		Str("to", string(ch.To)).Str("trigger", string(ch.Trigger)).Msg("order transition")
	s.Events.Publish(ctx, orders.TopicOrderStatusChanged, orders.PartitionKey(ch.OrderID),
		kafkax.NewEnvelope(s.ServiceName, orders.EventOrderStatusChanged, ch.OrderID, orders.OrderStatusChangedPayload{
			OrderID: ch.OrderID, From: ch.From, To: ch.To, Trigger: ch.Trigger,
		}))
	s.cache(ctx, ch.OrderID, ch.To)
}

func (s *Service) cache(ctx context.Context, orderID string, st orders.Status) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.SetOrderStatus(ctx, orderID, st); err != nil {
		logx.From(ctx).Warn().Err(err).Str("order_id", orderID).Msg("status cache write failed")
	}
}
