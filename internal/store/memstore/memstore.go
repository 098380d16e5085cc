// Package memstore is an in-memory store.Store used by service and handler
// tests. A single mutex serializes transactions; a failed transaction
// restores the snapshot taken when it began.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/stockflow/internal/orders"
	"github.com/ariefcatur/stockflow/internal/store"
)

type state struct {
	products     map[string]orders.Product
	reservations map[string]orders.Reservation
	logs         []orders.InventoryLogEntry
	orders       map[string]orders.Order
	items        []orders.OrderItem
	payments     map[string]orders.Payment
	webhooks     map[string]orders.WebhookEvent // by external_event_id
	anomalies    []orders.Anomaly
	seq          int64
}

func (s *state) clone() *state {
	c := &state{
		products:     make(map[string]orders.Product, len(s.products)),
		reservations: make(map[string]orders.Reservation, len(s.reservations)),
		logs:         append([]orders.InventoryLogEntry(nil), s.logs...),
		orders:       make(map[string]orders.Order, len(s.orders)),
		items:        append([]orders.OrderItem(nil), s.items...),
		payments:     make(map[string]orders.Payment, len(s.payments)),
		webhooks:     make(map[string]orders.WebhookEvent, len(s.webhooks)),
		anomalies:    append([]orders.Anomaly(nil), s.anomalies...),
		seq:          s.seq,
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.webhooks {
		c.webhooks[k] = v
	}
	return c
}

type Store struct {
	mu sync.Mutex
	st *state

	// Hook, when set, runs before every Tx method with the method name.
	// Returning an error fails that call; tests use it to inject conflicts
	// and storage failures.
	Hook func(op string) error
}

func New() *Store {
	return &Store{st: (&state{}).clone()}
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.st.clone()
	if err := fn(&tx{s: s}); err != nil {
		s.st = snap
		return err
	}
	return nil
}

// ---- helpers for tests & seeding (outside any tx) ----

func (s *Store) PutProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[p.ID] = p
}

func (s *Store) Product(id string) (orders.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.products[id]
	return p, ok
}

func (s *Store) Reservation(id string) (orders.Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.st.reservations[id]
	return r, ok
}

// PutReservation overwrites a reservation row as-is (e.g. to backdate expires_at).
func (s *Store) PutReservation(r orders.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.reservations[r.ID] = r
}

func (s *Store) Logs(productID string) []orders.InventoryLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.InventoryLogEntry
	for _, e := range s.st.logs {
		if e.ProductID == productID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) Anomalies() []orders.Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orders.Anomaly(nil), s.st.anomalies...)
}

func (s *Store) Webhook(externalEventID string) (orders.WebhookEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.webhooks[externalEventID]
	return e, ok
}

// PutWebhook overwrites a webhook row as-is (e.g. to backdate created_at).
func (s *Store) PutWebhook(e orders.WebhookEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.webhooks[e.ExternalEventID] = e
}

func (s *Store) PaymentByIntent(intentID string) (orders.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.st.payments {
		if p.ExternalIntentID == intentID {
			return p, true
		}
	}
	return orders.Payment{}, false
}

// ---- tx ----

type tx struct{ s *Store }

func (t *tx) hook(op string) error {
	if t.s.Hook == nil {
		return nil
	}
	return t.s.Hook(op)
}

func (t *tx) st() *state { return t.s.st }

func (t *tx) LockProduct(ctx context.Context, id string) (orders.Product, error) {
	if err := t.hook("LockProduct"); err != nil {
		return orders.Product{}, err
	}
	return t.getProduct(id)
}

func (t *tx) GetProduct(ctx context.Context, id string) (orders.Product, error) {
	if err := t.hook("GetProduct"); err != nil {
		return orders.Product{}, err
	}
	return t.getProduct(id)
}

func (t *tx) getProduct(id string) (orders.Product, error) {
	p, ok := t.st().products[id]
	if !ok {
		return orders.Product{}, orders.ErrProductNotFound
	}
	return p, nil
}

func (t *tx) ListProducts(ctx context.Context) ([]orders.Product, error) {
	if err := t.hook("ListProducts"); err != nil {
		return nil, err
	}
	out := make([]orders.Product, 0, len(t.st().products))
	for _, p := range t.st().products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) UpdateProductStock(ctx context.Context, id string, stock int) error {
	if err := t.hook("UpdateProductStock"); err != nil {
		return err
	}
	p, ok := t.st().products[id]
	if !ok {
		return orders.ErrProductNotFound
	}
	p.Stock = stock
	p.UpdatedAt = time.Now().UTC()
	t.st().products[id] = p
	return nil
}

func (t *tx) ActiveReservedQty(ctx context.Context, productID string) (int, error) {
	if err := t.hook("ActiveReservedQty"); err != nil {
		return 0, err
	}
	n := 0
	for _, r := range t.st().reservations {
		if r.ProductID == productID && r.Status == orders.ReservationActive {
			n += r.Quantity
		}
	}
	return n, nil
}

func (t *tx) ActiveReservedByProduct(ctx context.Context) (map[string]int, error) {
	if err := t.hook("ActiveReservedByProduct"); err != nil {
		return nil, err
	}
	out := map[string]int{}
	for _, r := range t.st().reservations {
		if r.Status == orders.ReservationActive {
			out[r.ProductID] += r.Quantity
		}
	}
	return out, nil
}

func (t *tx) InsertReservation(ctx context.Context, r orders.Reservation) error {
	if err := t.hook("InsertReservation"); err != nil {
		return err
	}
	t.st().reservations[r.ID] = r
	return nil
}

func (t *tx) GetReservation(ctx context.Context, id string) (orders.Reservation, error) {
	if err := t.hook("GetReservation"); err != nil {
		return orders.Reservation{}, err
	}
	return t.getReservation(id)
}

func (t *tx) LockReservation(ctx context.Context, id string) (orders.Reservation, error) {
	if err := t.hook("LockReservation"); err != nil {
		return orders.Reservation{}, err
	}
	return t.getReservation(id)
}

func (t *tx) getReservation(id string) (orders.Reservation, error) {
	r, ok := t.st().reservations[id]
	if !ok {
		return orders.Reservation{}, orders.ErrReservationNotFound
	}
	return r, nil
}

func (t *tx) SetReservationStatus(ctx context.Context, id string, status orders.ReservationStatus, at time.Time) error {
	if err := t.hook("SetReservationStatus"); err != nil {
		return err
	}
	r, ok := t.st().reservations[id]
	if !ok {
		return orders.ErrReservationNotFound
	}
	r.Status = status
	r.UpdatedAt = at
	t.st().reservations[id] = r
	return nil
}

func (t *tx) ReparentReservation(ctx context.Context, id string, holder orders.Holder, expiresAt time.Time) error {
	if err := t.hook("ReparentReservation"); err != nil {
		return err
	}
	r, ok := t.st().reservations[id]
	if !ok {
		return orders.ErrReservationNotFound
	}
	r.HolderID, r.HolderType = holder.ID, holder.Type
	r.ExpiresAt = expiresAt
	t.st().reservations[id] = r
	return nil
}

func (t *tx) ListActiveByHolder(ctx context.Context, holder orders.Holder) ([]orders.Reservation, error) {
	if err := t.hook("ListActiveByHolder"); err != nil {
		return nil, err
	}
	var out []orders.Reservation
	for _, r := range t.st().reservations {
		if r.HolderID == holder.ID && r.HolderType == holder.Type && r.Status == orders.ReservationActive {
			out = append(out, r)
		}
	}
	sortReservations(out)
	return out, nil
}

func (t *tx) ListExpired(ctx context.Context, now time.Time, limit int) ([]orders.Reservation, error) {
	if err := t.hook("ListExpired"); err != nil {
		return nil, err
	}
	var out []orders.Reservation
	for _, r := range t.st().reservations {
		if r.Status == orders.ReservationActive && r.ExpiresAt.Before(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// product id first so callers lock products in a stable order.
func sortReservations(rs []orders.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].ProductID != rs[j].ProductID {
			return rs[i].ProductID < rs[j].ProductID
		}
		return rs[i].ID < rs[j].ID
	})
}

func (t *tx) AppendLog(ctx context.Context, e *orders.InventoryLogEntry) error {
	if err := t.hook("AppendLog"); err != nil {
		return err
	}
	t.st().seq++
	e.Seq = t.st().seq
	t.st().logs = append(t.st().logs, *e)
	return nil
}

func (t *tx) ListLogs(ctx context.Context, productID string, q store.LogQuery) ([]orders.InventoryLogEntry, error) {
	if err := t.hook("ListLogs"); err != nil {
		return nil, err
	}
	var out []orders.InventoryLogEntry
	for _, e := range t.st().logs {
		if e.ProductID != productID || e.Seq <= q.AfterSeq {
			continue
		}
		if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !e.CreatedAt.Before(q.To) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (t *tx) InsertOrder(ctx context.Context, o orders.Order) error {
	if err := t.hook("InsertOrder"); err != nil {
		return err
	}
	t.st().orders[o.ID] = o
	return nil
}

func (t *tx) InsertOrderItem(ctx context.Context, it orders.OrderItem) error {
	if err := t.hook("InsertOrderItem"); err != nil {
		return err
	}
	t.st().items = append(t.st().items, it)
	return nil
}

func (t *tx) LockOrder(ctx context.Context, id string) (orders.Order, error) {
	if err := t.hook("LockOrder"); err != nil {
		return orders.Order{}, err
	}
	return t.getOrder(id)
}

func (t *tx) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	if err := t.hook("GetOrder"); err != nil {
		return orders.Order{}, err
	}
	return t.getOrder(id)
}

func (t *tx) getOrder(id string) (orders.Order, error) {
	o, ok := t.st().orders[id]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return o, nil
}

func (t *tx) ListOrderItems(ctx context.Context, orderID string) ([]orders.OrderItem, error) {
	if err := t.hook("ListOrderItems"); err != nil {
		return nil, err
	}
	var out []orders.OrderItem
	for _, it := range t.st().items {
		if it.OrderID == orderID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (t *tx) UpdateOrderStatus(ctx context.Context, id string, status orders.Status, at time.Time) error {
	if err := t.hook("UpdateOrderStatus"); err != nil {
		return err
	}
	o, ok := t.st().orders[id]
	if !ok {
		return orders.ErrOrderNotFound
	}
	o.Status = status
	o.UpdatedAt = at
	t.st().orders[id] = o
	return nil
}

func (t *tx) SetOrderPayment(ctx context.Context, orderID, paymentID string) error {
	if err := t.hook("SetOrderPayment"); err != nil {
		return err
	}
	o, ok := t.st().orders[orderID]
	if !ok {
		return orders.ErrOrderNotFound
	}
	o.PaymentID = paymentID
	t.st().orders[orderID] = o
	return nil
}

func (t *tx) InsertPayment(ctx context.Context, p orders.Payment) error {
	if err := t.hook("InsertPayment"); err != nil {
		return err
	}
	for _, x := range t.st().payments {
		if x.ExternalIntentID == p.ExternalIntentID {
			return orders.ErrPaymentMismatch
		}
	}
	t.st().payments[p.ID] = p
	return nil
}

func (t *tx) LockPaymentByIntent(ctx context.Context, intentID string) (orders.Payment, error) {
	if err := t.hook("LockPaymentByIntent"); err != nil {
		return orders.Payment{}, err
	}
	for _, p := range t.st().payments {
		if p.ExternalIntentID == intentID {
			return p, nil
		}
	}
	return orders.Payment{}, orders.ErrPaymentNotFound
}

func (t *tx) GetPaymentByOrder(ctx context.Context, orderID string) (orders.Payment, error) {
	if err := t.hook("GetPaymentByOrder"); err != nil {
		return orders.Payment{}, err
	}
	var (
		best  orders.Payment
		found bool
	)
	for _, p := range t.st().payments {
		if p.OrderID == orderID && (!found || p.CreatedAt.After(best.CreatedAt)) {
			best, found = p, true
		}
	}
	if !found {
		return orders.Payment{}, orders.ErrPaymentNotFound
	}
	return best, nil
}

func (t *tx) UpdatePaymentStatus(ctx context.Context, id string, status orders.PaymentStatus, at time.Time) error {
	if err := t.hook("UpdatePaymentStatus"); err != nil {
		return err
	}
	p, ok := t.st().payments[id]
	if !ok {
		return orders.ErrPaymentNotFound
	}
	p.Status = status
	p.UpdatedAt = at
	t.st().payments[id] = p
	return nil
}

func (t *tx) InsertWebhook(ctx context.Context, e orders.WebhookEvent) (bool, error) {
	if err := t.hook("InsertWebhook"); err != nil {
		return false, err
	}
	if _, dup := t.st().webhooks[e.ExternalEventID]; dup {
		return false, nil
	}
	t.st().webhooks[e.ExternalEventID] = e
	return true, nil
}

func (t *tx) LockWebhook(ctx context.Context, externalEventID string) (orders.WebhookEvent, error) {
	if err := t.hook("LockWebhook"); err != nil {
		return orders.WebhookEvent{}, err
	}
	e, ok := t.st().webhooks[externalEventID]
	if !ok {
		return orders.WebhookEvent{}, store.ErrWebhookNotFound
	}
	return e, nil
}

func (t *tx) findWebhook(id string) (orders.WebhookEvent, bool) {
	for _, e := range t.st().webhooks {
		if e.ID == id {
			return e, true
		}
	}
	return orders.WebhookEvent{}, false
}

func (t *tx) MarkWebhookProcessed(ctx context.Context, id string, at time.Time) error {
	if err := t.hook("MarkWebhookProcessed"); err != nil {
		return err
	}
	e, ok := t.findWebhook(id)
	if !ok {
		return store.ErrWebhookNotFound
	}
	e.Processed = true
	e.ProcessedAt = &at
	e.ErrorMessage = ""
	t.st().webhooks[e.ExternalEventID] = e
	return nil
}

func (t *tx) MarkWebhookFailed(ctx context.Context, id, message string) error {
	if err := t.hook("MarkWebhookFailed"); err != nil {
		return err
	}
	e, ok := t.findWebhook(id)
	if !ok {
		return store.ErrWebhookNotFound
	}
	e.Processed = false
	e.ErrorMessage = message
	t.st().webhooks[e.ExternalEventID] = e
	return nil
}

func (t *tx) ListUnprocessedWebhooks(ctx context.Context, olderThan time.Time, limit int) ([]orders.WebhookEvent, error) {
	if err := t.hook("ListUnprocessedWebhooks"); err != nil {
		return nil, err
	}
	var out []orders.WebhookEvent
	for _, e := range t.st().webhooks {
		if !e.Processed && e.CreatedAt.Before(olderThan) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) InsertAnomaly(ctx context.Context, a orders.Anomaly) error {
	if err := t.hook("InsertAnomaly"); err != nil {
		return err
	}
	t.st().anomalies = append(t.st().anomalies, a)
	return nil
}

var _ store.Store = (*Store)(nil)
var _ store.Tx = (*tx)(nil)
