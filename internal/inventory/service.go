package inventory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	kafkax "github.com/ariefcatur/stockflow/internal/kafka"
	"github.com/ariefcatur/stockflow/internal/logx"
	"github.com/ariefcatur/stockflow/internal/metrics"
	"github.com/ariefcatur/stockflow/internal/orders"
	"github.com/ariefcatur/stockflow/internal/store"
	"github.com/ariefcatur/stockflow/internal/tracing"
)

const DefaultReservationTTL = 30 * time.Minute

// Service owns reservation transitions and their ledger rows. Every method
// runs in one transaction with the product row locked before any of its
// reservations.
type Service struct {
	Store          store.Store
	Ledger         *Ledger
	Events         kafkax.Publisher
	Retry          store.RetryPolicy
	ReservationTTL time.Duration
	ServiceName    string
	Now            func() time.Time
}

type Options struct {
	ReservationTTL time.Duration
	Retry          store.RetryPolicy
	ServiceName    string
}

func NewService(st store.Store, ledger *Ledger, events kafkax.Publisher, opt Options) *Service {
	if opt.ReservationTTL <= 0 {
		opt.ReservationTTL = DefaultReservationTTL
	}
	if events == nil {
		events = kafkax.NopPublisher{}
	}
	return &Service{
		Store:          st,
		Ledger:         ledger,
		Events:         events,
		Retry:          opt.Retry,
		ReservationTTL: opt.ReservationTTL,
		ServiceName:    opt.ServiceName,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// StockLevel is a point-in-time view of one product.
type StockLevel struct {
	ProductID string `json:"product_id"`
	Stock     int    `json:"stock"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
}

func availableOf(p orders.Product, reserved int) int {
	if !p.TrackInventory {
		return p.Stock
	}
	return p.Stock - reserved
}

// crossedLow is true when available drops from at/above the threshold to below it.
func crossedLow(p orders.Product, before, after int) bool {
	return p.TrackInventory && p.LowStockThreshold > 0 && before >= p.LowStockThreshold && after < p.LowStockThreshold
}

func (s *Service) Reserve(ctx context.Context, productID string, holder orders.Holder, qty int) (orders.Reservation, error) {
	return s.ReserveFor(ctx, productID, holder, qty, 0)
}

// ReserveFor is Reserve with a TTL override; ttl <= 0 uses the default.
func (s *Service) ReserveFor(ctx context.Context, productID string, holder orders.Holder, qty int, ttl time.Duration) (r orders.Reservation, err error) {
	ctx, span := tracing.Start(ctx, "inventory.Reserve",
		attribute.String("product_id", productID), attribute.Int("qty", qty))
	defer func() { tracing.End(span, err) }()

	var low *orders.LowStockPayload
	err = store.RunTx(ctx, s.Store, s.Retry, func(tx store.Tx) error {
		var txErr error
		r, low, txErr = s.ReserveTx(ctx, tx, productID, holder, qty, ttl)
		return txErr
	})
	metrics.Reservations.WithLabelValues("reserve", outcome(err)).Inc()
	if err != nil {
		return orders.Reservation{}, err
	}
	logx.From(ctx).Info().Str("reservation_id", r.ID).Str("product_id", productID).
		Str("holder_id", holder.ID).Int("qty", qty).Msg("stock reserved")
	s.publishLow(ctx, low)
	return r, nil
}

// ReserveTx creates an active reservation inside tx. The returned payload is
// non-nil when this reservation pushed the product under its threshold.
func (s *Service) ReserveTx(ctx context.Context, tx store.Tx, productID string, holder orders.Holder, qty int, ttl time.Duration) (orders.Reservation, *orders.LowStockPayload, error) {
	if qty <= 0 {
		return orders.Reservation{}, nil, orders.ErrInvalidQuantity
	}
	if ttl <= 0 {
		ttl = s.ReservationTTL
	}
	p, err := tx.LockProduct(ctx, productID)
	if err != nil {
		return orders.Reservation{}, nil, err
	}
	reserved, err := tx.ActiveReservedQty(ctx, productID)
	if err != nil {
		return orders.Reservation{}, nil, err
	}
	before := availableOf(p, reserved)
	if p.TrackInventory && qty > before {
		return orders.Reservation{}, nil, orders.ErrInsufficientStock
	}

	now := s.Now()
	r := orders.Reservation{
		ID:         uuid.NewString(),
		ProductID:  productID,
		HolderID:   holder.ID,
		HolderType: holder.Type,
		Quantity:   qty,
		Status:     orders.ReservationActive,
		ReservedAt: now,
		ExpiresAt:  now.Add(ttl),
		UpdatedAt:  now,
	}
	if err := tx.InsertReservation(ctx, r); err != nil {
		return orders.Reservation{}, nil, err
	}

	change, notes := -qty, ""
	if !p.TrackInventory {
		change, notes = 0, "untracked product"
	}
	if _, err := s.Ledger.Append(ctx, tx, orders.InventoryLogEntry{
		ProductID:      productID,
		ChangeType:     orders.ChangeReserved,
		QuantityChange: change,
		PreviousStock:  p.Stock,
		NewStock:       p.Stock,
		ReferenceID:    r.ID,
		Notes:          notes,
		CreatedAt:      now,
	}); err != nil {
		return orders.Reservation{}, nil, err
	}

	after := availableOf(p, reserved+qty)
	if crossedLow(p, before, after) {
		return r, &orders.LowStockPayload{ProductID: productID, Available: after, Threshold: p.LowStockThreshold}, nil
	}
	return r, nil, nil
}

func (s *Service) Cancel(ctx context.Context, reservationID string) (err error) {
	ctx, span := tracing.Start(ctx, "inventory.Cancel", attribute.String("reservation_id", reservationID))
	defer func() { tracing.End(span, err) }()

	err = store.RunTx(ctx, s.Store, s.Retry, func(tx store.Tx) error {
		_, txErr := s.CancelTx(ctx, tx, reservationID)
		return txErr
	})
	metrics.Reservations.WithLabelValues("cancel", outcome(err)).Inc()
	if err == nil {
		logx.From(ctx).Info().Str("reservation_id", reservationID).Msg("reservation released")
	}
	return err
}

// CancelTx marks an active reservation released and logs "unreserved".
func (s *Service) CancelTx(ctx context.Context, tx store.Tx, reservationID string) (orders.Reservation, error) {
	return s.release(ctx, tx, reservationID, orders.ReservationReleased, "", time.Time{})
}

// Expire is the sweeper path. It only acts on reservations whose expires_at
// is strictly before now.
func (s *Service) Expire(ctx context.Context, reservationID string, now time.Time) (err error) {
	ctx, span := tracing.Start(ctx, "inventory.Expire", attribute.String("reservation_id", reservationID))
	defer func() { tracing.End(span, err) }()

	var r orders.Reservation
	err = store.RunTx(ctx, s.Store, s.Retry, func(tx store.Tx) error {
		var txErr error
		r, txErr = s.release(ctx, tx, reservationID, orders.ReservationExpired, "expired", now)
		return txErr
	})
	metrics.Reservations.WithLabelValues("expire", outcome(err)).Inc()
	if err != nil {
		return err
	}
	s.Events.Publish(ctx, orders.TopicReservationExpired, orders.PartitionKey(r.ProductID),
		kafkax.NewEnvelope(s.ServiceName, orders.EventReservationExpired, r.ProductID, orders.ReservationExpiredPayload{
			ReservationID: r.ID, ProductID: r.ProductID, HolderID: r.HolderID, Qty: r.Quantity,
		}))
	return nil
}

// release moves an active reservation to a terminal non-sold state. A
// non-zero expiredBefore additionally requires expires_at < expiredBefore.
func (s *Service) release(ctx context.Context, tx store.Tx, id string, to orders.ReservationStatus, notes string, expiredBefore time.Time) (orders.Reservation, error) {
	r, p, err := s.lockReservation(ctx, tx, id)
	if err != nil {
		return r, err
	}
	if r.Status.Terminal() {
		return r, orders.ErrAlreadyTerminal
	}
	if !expiredBefore.IsZero() && !r.ExpiresAt.Before(expiredBefore) {
		return r, orders.ErrNotExpired
	}

	now := s.Now()
	if err := tx.SetReservationStatus(ctx, r.ID, to, now); err != nil {
		return r, err
	}
	r.Status, r.UpdatedAt = to, now

	change := r.Quantity
	if !p.TrackInventory {
		change, notes = 0, joinNotes(notes, "untracked product")
	}
	_, err = s.Ledger.Append(ctx, tx, orders.InventoryLogEntry{
		ProductID:      r.ProductID,
		ChangeType:     orders.ChangeUnreserved,
		QuantityChange: change,
		PreviousStock:  p.Stock,
		NewStock:       p.Stock,
		ReferenceID:    r.ID,
		Notes:          notes,
		CreatedAt:      now,
	})
	return r, err
}

func (s *Service) Commit(ctx context.Context, reservationID string) (err error) {
	ctx, span := tracing.Start(ctx, "inventory.Commit", attribute.String("reservation_id", reservationID))
	defer func() { tracing.End(span, err) }()

	err = store.RunTx(ctx, s.Store, s.Retry, func(tx store.Tx) error {
		_, txErr := s.CommitTx(ctx, tx, reservationID, "")
		return txErr
	})
	metrics.Reservations.WithLabelValues("commit", outcome(err)).Inc()
	if err == nil {
		logx.From(ctx).Info().Str("reservation_id", reservationID).Msg("reservation committed")
	}
	return err
}

// CommitTx turns the hold into a stock deduction and logs "sold". ref, when
// set, becomes the ledger reference (the order id on the payment path).
func (s *Service) CommitTx(ctx context.Context, tx store.Tx, reservationID, ref string) (orders.Reservation, error) {
	r, p, err := s.lockReservation(ctx, tx, reservationID)
	if err != nil {
		return r, err
	}
	if r.Status.Terminal() {
		return r, orders.ErrAlreadyTerminal
	}

	now := s.Now()
	newStock, change, notes := p.Stock-r.Quantity, -r.Quantity, ""
	if !p.TrackInventory {
		newStock, change, notes = p.Stock, 0, "untracked product"
	}
	if newStock < 0 {
		return r, orders.ErrInsufficientStock
	}
	if newStock != p.Stock {
		if err := tx.UpdateProductStock(ctx, p.ID, newStock); err != nil {
			return r, err
		}
	}
	if err := tx.SetReservationStatus(ctx, r.ID, orders.ReservationCommitted, now); err != nil {
		return r, err
	}
	r.Status, r.UpdatedAt = orders.ReservationCommitted, now

	if ref == "" {
		ref = r.ID
	}
	_, err = s.Ledger.Append(ctx, tx, orders.InventoryLogEntry{
		ProductID:      p.ID,
		ChangeType:     orders.ChangeSold,
		QuantityChange: change,
		PreviousStock:  p.Stock,
		NewStock:       newStock,
		ReferenceID:    ref,
		Notes:          notes,
		CreatedAt:      now,
	})
	return r, err
}

// ReparentTx hands an active reservation to a new holder with a new expiry.
func (s *Service) ReparentTx(ctx context.Context, tx store.Tx, r orders.Reservation, holder orders.Holder, expiresAt time.Time) (orders.Reservation, error) {
	if r.Status.Terminal() {
		return r, orders.ErrAlreadyTerminal
	}
	if err := tx.ReparentReservation(ctx, r.ID, holder, expiresAt); err != nil {
		return r, err
	}
	r.HolderID, r.HolderType, r.ExpiresAt = holder.ID, holder.Type, expiresAt
	return r, nil
}

// SellTx deducts qty straight from stock without a hold. The payment path
// uses it when an order's hold lapsed before the money arrived.
func (s *Service) SellTx(ctx context.Context, tx store.Tx, productID string, qty int, ref string) error {
	if qty <= 0 {
		return orders.ErrInvalidQuantity
	}
	p, err := tx.LockProduct(ctx, productID)
	if err != nil {
		return err
	}
	if !p.TrackInventory {
		_, err = s.Ledger.Append(ctx, tx, orders.InventoryLogEntry{
			ProductID: p.ID, ChangeType: orders.ChangeSold, PreviousStock: p.Stock, NewStock: p.Stock,
			ReferenceID: ref, Notes: "untracked product",
		})
		return err
	}
	reserved, err := tx.ActiveReservedQty(ctx, productID)
	if err != nil {
		return err
	}
	if availableOf(p, reserved) < qty {
		return orders.ErrInsufficientStock
	}
	if err := tx.UpdateProductStock(ctx, p.ID, p.Stock-qty); err != nil {
		return err
	}
	_, err = s.Ledger.Append(ctx, tx, orders.InventoryLogEntry{
		ProductID:      p.ID,
		ChangeType:     orders.ChangeSold,
		QuantityChange: -qty,
		PreviousStock:  p.Stock,
		NewStock:       p.Stock - qty,
		ReferenceID:    ref,
		Notes:          "hold lapsed before payment",
	})
	return err
}

// RestockTx puts qty back on the shelf and logs stock_in. Untracked products
// never lost stock on sale, so they get a zero-quantity row only.
func (s *Service) RestockTx(ctx context.Context, tx store.Tx, productID string, qty int, ref, notes string) error {
	if qty <= 0 {
		return orders.ErrInvalidQuantity
	}
	p, err := tx.LockProduct(ctx, productID)
	if err != nil {
		return err
	}
	if !p.TrackInventory {
		_, err = s.Ledger.Append(ctx, tx, orders.InventoryLogEntry{
			ProductID: p.ID, ChangeType: orders.ChangeStockIn, PreviousStock: p.Stock, NewStock: p.Stock,
			ReferenceID: ref, Notes: "untracked product",
		})
		return err
	}
	if err := tx.UpdateProductStock(ctx, p.ID, p.Stock+qty); err != nil {
		return err
	}
	_, err = s.Ledger.Append(ctx, tx, orders.InventoryLogEntry{
		ProductID:      p.ID,
		ChangeType:     orders.ChangeStockIn,
		QuantityChange: qty,
		PreviousStock:  p.Stock,
		NewStock:       p.Stock + qty,
		ReferenceID:    ref,
		Notes:          notes,
	})
	return err
}

// lockReservation locks product then reservation, in that order.
func (s *Service) lockReservation(ctx context.Context, tx store.Tx, id string) (orders.Reservation, orders.Product, error) {
	peek, err := tx.GetReservation(ctx, id)
	if err != nil {
		return orders.Reservation{}, orders.Product{}, err
	}
	p, err := tx.LockProduct(ctx, peek.ProductID)
	if err != nil {
		return orders.Reservation{}, orders.Product{}, err
	}
	r, err := tx.LockReservation(ctx, id)
	return r, p, err
}

func (s *Service) Available(ctx context.Context, productID string) (int, error) {
	lvl, err := s.StockLevel(ctx, productID)
	return lvl.Available, err
}

func (s *Service) StockLevel(ctx context.Context, productID string) (StockLevel, error) {
	var lvl StockLevel
	err := s.Store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		reserved, err := tx.ActiveReservedQty(ctx, productID)
		if err != nil {
			return err
		}
		lvl = StockLevel{ProductID: p.ID, Stock: p.Stock, Reserved: reserved, Available: availableOf(p, reserved)}
		return nil
	})
	return lvl, err
}

// AdjustStock sets on-hand stock to an absolute value and logs the delta as
// stock_in or stock_out. It refuses to go below what is already reserved.
func (s *Service) AdjustStock(ctx context.Context, productID string, newStock int, notes string) (lvl StockLevel, err error) {
	ctx, span := tracing.Start(ctx, "inventory.AdjustStock",
		attribute.String("product_id", productID), attribute.Int("new_stock", newStock))
	defer func() { tracing.End(span, err) }()

	if newStock < 0 {
		return StockLevel{}, orders.ErrInvalidQuantity
	}
	var low *orders.LowStockPayload
	err = store.RunTx(ctx, s.Store, s.Retry, func(tx store.Tx) error {
		low = nil
		p, err := tx.LockProduct(ctx, productID)
		if err != nil {
			return err
		}
		reserved, err := tx.ActiveReservedQty(ctx, productID)
		if err != nil {
			return err
		}
		if p.TrackInventory && newStock < reserved {
			return orders.ErrInsufficientStock
		}
		lvl = StockLevel{ProductID: p.ID, Stock: newStock, Reserved: reserved}
		lvl.Available = availableOf(orders.Product{Stock: newStock, TrackInventory: p.TrackInventory}, reserved)
		if newStock == p.Stock {
			return nil
		}
		if err := tx.UpdateProductStock(ctx, productID, newStock); err != nil {
			return err
		}
		ct := orders.ChangeStockIn
		if newStock < p.Stock {
			ct = orders.ChangeStockOut
		}
		if _, err := s.Ledger.Append(ctx, tx, orders.InventoryLogEntry{
			ProductID:      productID,
			ChangeType:     ct,
			QuantityChange: newStock - p.Stock,
			PreviousStock:  p.Stock,
			NewStock:       newStock,
			Notes:          notes,
		}); err != nil {
			return err
		}
		if crossedLow(p, availableOf(p, reserved), lvl.Available) {
			low = &orders.LowStockPayload{ProductID: productID, Available: lvl.Available, Threshold: p.LowStockThreshold}
		}
		return nil
	})
	if err != nil {
		return StockLevel{}, err
	}
	logx.From(ctx).Info().Str("product_id", productID).Int("stock", newStock).Msg("stock adjusted")
	s.publishLow(ctx, low)
	return lvl, nil
}

// LowStockAlerts lists tracked products whose available stock is under
// their threshold, most urgent first.
func (s *Service) LowStockAlerts(ctx context.Context) ([]orders.LowStockAlert, error) {
	var alerts []orders.LowStockAlert
	err := s.Store.InTx(ctx, func(tx store.Tx) error {
		ps, reserved, err := snapshot(ctx, tx)
		if err != nil {
			return err
		}
		alerts = lowStock(ps, reserved)
		return nil
	})
	return alerts, err
}

func (s *Service) Report(ctx context.Context) (orders.InventoryReport, error) {
	var rep orders.InventoryReport
	err := s.Store.InTx(ctx, func(tx store.Tx) error {
		ps, reserved, err := snapshot(ctx, tx)
		if err != nil {
			return err
		}
		rep.TotalProducts = len(ps)
		for _, p := range ps {
			rep.TotalReserved += reserved[p.ID]
			if !p.TrackInventory {
				continue
			}
			avail := availableOf(p, reserved[p.ID])
			rep.TotalAvailable += avail
			if avail <= 0 {
				rep.OutOfStockProducts++
			}
		}
		rep.Alerts = lowStock(ps, reserved)
		rep.LowStockProducts = len(rep.Alerts)
		return nil
	})
	return rep, err
}

func snapshot(ctx context.Context, tx store.Tx) ([]orders.Product, map[string]int, error) {
	ps, err := tx.ListProducts(ctx)
	if err != nil {
		return nil, nil, err
	}
	reserved, err := tx.ActiveReservedByProduct(ctx)
	return ps, reserved, err
}

func lowStock(ps []orders.Product, reserved map[string]int) []orders.LowStockAlert {
	alerts := []orders.LowStockAlert{}
	for _, p := range ps {
		if !p.TrackInventory {
			continue
		}
		avail := availableOf(p, reserved[p.ID])
		if avail >= p.LowStockThreshold {
			continue
		}
		alerts = append(alerts, orders.LowStockAlert{
			ProductID:      p.ID,
			ProductName:    p.Name,
			CurrentStock:   p.Stock,
			AvailableStock: avail,
			Threshold:      p.LowStockThreshold,
			IsCritical:     avail <= 0,
		})
	}
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].AvailableStock < alerts[j].AvailableStock })
	return alerts
}

func (s *Service) publishLow(ctx context.Context, low *orders.LowStockPayload) {
	if low == nil {
		return
	}
	logx.From(ctx).Warn().Str("product_id", low.ProductID).Int("available", low.Available).
		Int("threshold", low.Threshold).Msg("stock below threshold")
	s.Events.Publish(ctx, orders.TopicLowStock, orders.PartitionKey(low.ProductID),
		kafkax.NewEnvelope(s.ServiceName, orders.EventLowStock, low.ProductID, *low))
}

func joinNotes(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, orders.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, orders.ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, orders.ErrNotExpired):
		return "not_expired"
	case errors.Is(err, orders.ErrReservationNotFound), errors.Is(err, orders.ErrProductNotFound):
		return "not_found"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	}
	return metrics.Outcome(err)
}
