package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/stockflow/internal/inventory"
	"github.com/ariefcatur/stockflow/internal/orders"
	"github.com/ariefcatur/stockflow/internal/store"
	"github.com/ariefcatur/stockflow/internal/store/memstore"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	topics []string
	envs   []orders.Envelope
}

func (r *recorder) Publish(_ context.Context, topic string, _ []byte, ev orders.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.envs = append(r.envs, ev)
}

func (r *recorder) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type memCache struct {
	mu sync.Mutex
	m  map[string]orders.Status
}

func (c *memCache) SetOrderStatus(_ context.Context, id string, s orders.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = map[string]orders.Status{}
	}
	c.m[id] = s
	return nil
}

func (c *memCache) OrderStatus(_ context.Context, id string) (orders.Status, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.m[id]
	return s, ok, nil
}

type fixture struct {
	svc   *Service
	inv   *inventory.Service
	st    *memstore.Store
	rec   *recorder
	cache *memCache
}

func product(id, price string, stock int) orders.Product {
	return orders.Product{
		ID:             id,
		Name:           "Product " + id,
		Price:          decimal.RequireFromString(price),
		Stock:          stock,
		TrackInventory: true,
	}
}

func newFixture(t *testing.T, products ...orders.Product) *fixture {
	t.Helper()
	st := memstore.New()
	for _, p := range products {
		st.PutProduct(p)
	}
	rec := &recorder{}
	retry := store.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}

	ledger := inventory.NewLedger(st)
	ledger.Now = func() time.Time { return t0 }
	inv := inventory.NewService(st, ledger, rec, inventory.Options{Retry: retry, ServiceName: "test"})
	inv.Now = func() time.Time { return t0 }

	cache := &memCache{}
	svc := NewService(st, inv, rec, cache, Options{Retry: retry, ServiceName: "test"})
	svc.Now = func() time.Time { return t0 }
	return &fixture{svc: svc, inv: inv, st: st, rec: rec, cache: cache}
}

func (f *fixture) reserve(t *testing.T, cart, productID string, qty int) orders.Reservation {
	t.Helper()
	r, err := f.inv.Reserve(context.Background(), productID, orders.CartHolder(cart), qty)
	require.NoError(t, err)
	return r
}

// pendingPayment runs cart -> order -> payment_processing for one product.
func (f *fixture) pendingPayment(t *testing.T, productID string, qty int, intent string) OrderDetail {
	t.Helper()
	ctx := context.Background()
	f.reserve(t, "cart-1", productID, qty)
	d, err := f.svc.CreateOrder(ctx, "u1", "cart-1")
	require.NoError(t, err)
	_, err = f.svc.InitiatePayment(ctx, d.ID, intent, "usd")
	require.NoError(t, err)
	return d
}

func (f *fixture) succeed(t *testing.T, intent string) Outcome {
	t.Helper()
	ctx := context.Background()
	var out Outcome
	require.NoError(t, f.st.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = f.svc.HandlePaymentSucceeded(ctx, tx, intent, Capture{})
		return err
	}))
	if out.Change != nil {
		f.svc.Announce(ctx, *out.Change)
	}
	return out
}

func (f *fixture) fail(t *testing.T, intent string) Outcome {
	t.Helper()
	ctx := context.Background()
	var out Outcome
	require.NoError(t, f.st.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = f.svc.HandlePaymentFailed(ctx, tx, intent)
		return err
	}))
	if out.Change != nil {
		f.svc.Announce(ctx, *out.Change)
	}
	return out
}

func (f *fixture) status(t *testing.T, orderID string) orders.Status {
	t.Helper()
	d, err := f.svc.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	return d.Status
}

func TestCreateOrder_SnapshotsPricesAndTotal(t *testing.T) {
	f := newFixture(t, product("A", "10.00", 10), product("B", "5.00", 10))
	ctx := context.Background()
	rA := f.reserve(t, "cart-1", "A", 2)
	rB := f.reserve(t, "cart-1", "B", 1)

	d, err := f.svc.CreateOrder(ctx, "u1", "cart-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPendingPayment, d.Status)
	assert.True(t, d.Total.Equal(decimal.RequireFromString("25.00")), "total %s", d.Total)
	require.Len(t, d.Items, 2)

	for _, id := range []string{rA.ID, rB.ID} {
		r, ok := f.st.Reservation(id)
		require.True(t, ok)
		assert.Equal(t, orders.HolderOrder, r.HolderType)
		assert.Equal(t, d.ID, r.HolderID)
		assert.Equal(t, orders.ReservationActive, r.Status)
		assert.Equal(t, t0.Add(DefaultOrderHoldTTL), r.ExpiresAt)
	}

	// later price change must not leak into the order
	p, _ := f.st.Product("A")
	p.Price = decimal.RequireFromString("99.99")
	f.st.PutProduct(p)

	got, err := f.svc.GetOrder(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, got.Total.Equal(decimal.RequireFromString("25.00")))
	for _, it := range got.Items {
		if it.ProductID == "A" {
			assert.True(t, it.Price.Equal(decimal.RequireFromString("10.00")))
			assert.Equal(t, 2, it.Quantity)
		}
	}

	assert.Equal(t, 1, f.rec.count(orders.TopicOrderCreated))
	assert.Equal(t, 1, f.rec.count(orders.TopicOrderStatusChanged))
	st, err := f.svc.Status(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPendingPayment, st)
}

func TestCreateOrder_MergesSameProduct(t *testing.T) {
	f := newFixture(t, product("A", "10.00", 10))
	f.reserve(t, "cart-1", "A", 2)
	f.reserve(t, "cart-1", "A", 3)

	d, err := f.svc.CreateOrder(context.Background(), "u1", "cart-1")
	require.NoError(t, err)
	require.Len(t, d.Items, 1)
	assert.Equal(t, 5, d.Items[0].Quantity)
	assert.True(t, d.Total.Equal(decimal.RequireFromString("50.00")))
}

func TestCreateOrder_EmptyCart(t *testing.T) {
	f := newFixture(t, product("A", "10.00", 10))
	_, err := f.svc.CreateOrder(context.Background(), "u1", "nobody")
	assert.ErrorIs(t, err, orders.ErrEmptyCart)
}

func TestCreateOrder_ExpiredReservationRejectsCart(t *testing.T) {
	f := newFixture(t, product("A", "10.00", 10), product("B", "5.00", 10))
	f.reserve(t, "cart-1", "A", 1)
	stale := f.reserve(t, "cart-1", "B", 1)
	stale.ExpiresAt = t0.Add(-time.Minute)
	f.st.PutReservation(stale)

	_, err := f.svc.CreateOrder(context.Background(), "u1", "cart-1")
	require.ErrorIs(t, err, orders.ErrPartialCartInvalid)

	// nothing moved to an order
	r, _ := f.st.Reservation(stale.ID)
	assert.Equal(t, orders.HolderCart, r.HolderType)
	assert.Equal(t, 0, f.rec.count(orders.TopicOrderCreated))
}

func TestInitiatePayment_Idempotent(t *testing.T) {
	f := newFixture(t, product("A", "10.00", 10))
	ctx := context.Background()
	f.reserve(t, "cart-1", "A", 2)
	d, err := f.svc.CreateOrder(ctx, "u1", "cart-1")
	require.NoError(t, err)

	p1, err := f.svc.InitiatePayment(ctx, d.ID, "pi_1", "")
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentPending, p1.Status)
	assert.Equal(t, "usd", p1.Currency)
	assert.True(t, p1.Amount.Equal(d.Total))
	assert.Equal(t, orders.StatusPaymentProcessing, f.status(t, d.ID))

	p2, err := f.svc.InitiatePayment(ctx, d.ID, "pi_1", "usd")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)

	p3, err := f.svc.InitiatePayment(ctx, d.ID, "", "usd")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p3.ID)

	_, err = f.svc.InitiatePayment(ctx, d.ID, "pi_other", "usd")
	assert.ErrorIs(t, err, orders.ErrPaymentMismatch)
}

func TestInitiatePayment_RejectedOnceSettled(t *testing.T) {
	cases := []struct {
		name   string
		settle func(f *fixture, t *testing.T)
		want   orders.Status
	}{
		{"after failure", func(f *fixture, t *testing.T) { f.fail(t, "pi_1") }, orders.StatusCancelled},
		{"after success", func(f *fixture, t *testing.T) { f.succeed(t, "pi_1") }, orders.StatusPaid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, product("A", "10.00", 10))
			ctx := context.Background()
			d := f.pendingPayment(t, "A", 2, "pi_1")
			tc.settle(f, t)

			for _, intent := range []string{"", "pi_1", "pi_2"} {
				_, err := f.svc.InitiatePayment(ctx, d.ID, intent, "usd")
				assert.ErrorIs(t, err, orders.ErrInvalidTransition, "intent %q", intent)
			}
			assert.Equal(t, tc.want, f.status(t, d.ID))
			_, ok := f.st.PaymentByIntent("pi_2")
			assert.False(t, ok)
		})
	}
}

func TestInitiatePayment_UnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.InitiatePayment(context.Background(), "missing", "pi_1", "usd")
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
}

func TestPaymentSucceeded_CommitsHolds(t *testing.T) {
	f := newFixture(t, product("A", "10.00", 10))
	d := f.pendingPayment(t, "A", 3, "pi_1")

	out := f.succeed(t, "pi_1")
	assert.True(t, out.Applied)
	assert.Empty(t, out.Anomaly)
	require.NotNil(t, out.Change)
	assert.Equal(t, orders.StatusPaid, out.Change.To)

	assert.Equal(t, orders.StatusPaid, f.status(t, d.ID))
	p, _ := f.st.Product("A")
	assert.Equal(t, 7, p.Stock)
	pay, _ := f.st.PaymentByIntent("pi_1")
	assert.Equal(t, orders.PaymentSucceeded, pay.Status)

	logs := f.st.Logs("A")
	last := logs[len(logs)-1]
	assert.Equal(t, orders.ChangeSold, last.ChangeType)
	assert.Equal(t, -3, last.QuantityChange)
	assert.Equal(t, d.ID, last.ReferenceID)

	// second delivery of the same fact is a no-op
	again := f.succeed(t, "pi_1")
	assert.False(t, again.Applied)
	assert.Len(t, f.st.Logs("A"), len(logs))

	st, err := f.svc.Status(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, st)
}

func TestPaymentFailed_ReleasesHolds(t *testing.T) {
	f := newFixture(t, product("A", "10.00", 10))
	d := f.pendingPayment(t, "A", 4, "pi_1")

	out := f.fail(t, "pi_1")
	assert.True(t, out.Applied)
	assert.Equal(t, orders.StatusCancelled, f.status(t, d.ID))

	avail, err := f.inv.Available(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, 10, avail)
	pay, _ := f.st.PaymentByIntent("pi_1")
	assert.Equal(t, orders.PaymentFailed, pay.Status)

	// repeated failure on a cancelled order does nothing
	again := f.fail(t, "pi_1")
	assert.False(t, again.Applied)
	assert.Empty(t, f.st.Anomalies())
}

func TestPaymentFailedAfterPaid_RecordsAnomaly(t *testing.T) {
	f := newFixture(t, product("A", "10.00", 10))
	d := f.pendingPayment(t, "A", 2, "pi_1")
	f.succeed(t, "pi_1")
	before := len(f.st.Logs("A"))

	out := f.fail(t, "pi_1")
	assert.False(t, out.Applied)
	assert.Nil(t, out.Change)
	assert.Equal(t, orders.AnomalyPaymentAfterPaid, out.Anomaly)

	assert.Equal(t, orders.StatusPaid, f.status(t, d.ID))
	assert.Len(t, f.st.Logs("A"), before)
	an := f.st.Anomalies()
	require.Len(t, an, 1)
	assert.Equal(t, d.ID, an[0].ReferenceID)
}

func TestPaymentSucceededAfterCancel_RecordsAnomaly(t *testing.T) {
	f := newFixture(t, product("A", "10.00", 10))
	d := f.pendingPayment(t, "A", 2, "pi_1")
	f.fail(t, "pi_1")

	out := f.succeed(t, "pi_1")
	assert.False(t, out.Applied)
	assert.Equal(t, orders.AnomalySucceededAfterCancel, out.Anomaly)
	assert.Equal(t, orders.StatusCancelled, f.status(t, d.ID))

	pay, _ := f.st.PaymentByIntent("pi_1")
	assert.Equal(t, orders.PaymentSucceeded, pay.Status)
	p, _ := f.st.Product("A")
	assert.Equal(t, 10, p.Stock)
}

func TestPaymentSucceeded_LapsedHoldSellsFromStock(t *testing.T) {
	f := newFixture(t, product("A", "10.00", 5))
	ctx := context.Background()
	d := f.pendingPayment(t, "A", 2, "pi_1")

	require.Len(t, f.orderHolds(t, d.ID), 1)
	for _, r := range f.orderHolds(t, d.ID) {
		require.NoError(t, f.inv.Expire(ctx, r.ID, t0.Add(time.Hour)))
	}

	out := f.succeed(t, "pi_1")
	assert.True(t, out.Applied)
	assert.Empty(t, out.Anomaly)
	p, _ := f.st.Product("A")
	assert.Equal(t, 3, p.Stock)
	assert.Equal(t, orders.StatusPaid, f.status(t, d.ID))
}

// lockTracer records every product row lock taken through it.
type lockTracer struct {
	store.Tx
	locked *[]string
}

func (l lockTracer) LockProduct(ctx context.Context, id string) (orders.Product, error) {
	*l.locked = append(*l.locked, id)
	return l.Tx.LockProduct(ctx, id)
}

func TestPaymentSucceeded_LocksProductsInIDOrder(t *testing.T) {
	f := newFixture(t, product("A", "10.00", 5), product("B", "3.00", 5))
	ctx := context.Background()
	f.reserve(t, "cart-1", "A", 1)
	f.reserve(t, "cart-1", "B", 1)
	d, err := f.svc.CreateOrder(ctx, "u1", "cart-1")
	require.NoError(t, err)
	_, err = f.svc.InitiatePayment(ctx, d.ID, "pi_1", "usd")
	require.NoError(t, err)

	// A's hold lapses, so A is sold after B's hold is committed
	for _, r := range f.orderHolds(t, d.ID) {
		if r.ProductID == "A" {
			require.NoError(t, f.inv.Expire(ctx, r.ID, t0.Add(time.Hour)))
		}
	}

	var out Outcome
	var locked []string
	require.NoError(t, f.st.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = f.svc.HandlePaymentSucceeded(ctx, lockTracer{Tx: tx, locked: &locked}, "pi_1", Capture{})
		return err
	}))

	assert.True(t, out.Applied)
	require.GreaterOrEqual(t, len(locked), 2)
	assert.Equal(t, []string{"A", "B"}, locked[:2])
	for i := 2; i < len(locked); i++ {
		assert.Contains(t, locked[:2], locked[i])
	}
	a, _ := f.st.Product("A")
	b, _ := f.st.Product("B")
	assert.Equal(t, 4, a.Stock)
	assert.Equal(t, 4, b.Stock)
}

func TestPaymentSucceeded_CaptureMismatch(t *testing.T) {
	f := newFixture(t, product("A", "10.00", 10))
	d := f.pendingPayment(t, "A", 2, "pi_1")
	ctx := context.Background()

	var out Outcome
	require.NoError(t, f.st.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = f.svc.HandlePaymentSucceeded(ctx, tx, "pi_1", Capture{Amount: decimal.RequireFromString("19.99"), Currency: "USD"})
		return err
	}))
	assert.False(t, out.Applied)
	assert.Equal(t, orders.AnomalyAmountMismatch, out.Anomaly)
	assert.Equal(t, orders.StatusPaymentProcessing, f.status(t, d.ID))
	assert.Len(t, f.orderHolds(t, d.ID), 1)

	require.NoError(t, f.st.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = f.svc.HandlePaymentSucceeded(ctx, tx, "pi_1", Capture{Amount: decimal.RequireFromString("20"), Currency: "USD"})
		return err
	}))
	assert.True(t, out.Applied)
}

func TestPaymentSucceeded_LapsedHoldWithoutStock(t *testing.T) {
	f := newFixture(t, product("A", "10.00", 2))
	ctx := context.Background()
	d := f.pendingPayment(t, "A", 2, "pi_1")
	for _, r := range f.orderHolds(t, d.ID) {
		require.NoError(t, f.inv.Expire(ctx, r.ID, t0.Add(time.Hour)))
	}
	f.reserve(t, "cart-2", "A", 2)

	out := f.succeed(t, "pi_1")
	assert.True(t, out.Applied)
	assert.Equal(t, orders.AnomalyReservationLapsed, out.Anomaly)
	assert.Equal(t, orders.StatusPaid, f.status(t, d.ID))
	p, _ := f.st.Product("A")
	assert.Equal(t, 2, p.Stock)
}

func (f *fixture) orderHolds(t *testing.T, orderID string) []orders.Reservation {
	t.Helper()
	var rs []orders.Reservation
	require.NoError(t, f.st.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		rs, err = tx.ListActiveByHolder(context.Background(), orders.OrderHolder(orderID))
		return err
	}))
	return rs
}

func TestAdvanceStatus(t *testing.T) {
	f := newFixture(t, product("A", "10.00", 10))
	ctx := context.Background()
	d := f.pendingPayment(t, "A", 1, "pi_1")

	_, err := f.svc.AdvanceStatus(ctx, d.ID, orders.StatusProcessing)
	assert.ErrorIs(t, err, orders.ErrInvalidTransition, "not paid yet")

	f.succeed(t, "pi_1")
	_, err = f.svc.AdvanceStatus(ctx, d.ID, orders.StatusShipped)
	assert.ErrorIs(t, err, orders.ErrInvalidTransition, "skipping processing")

	for _, target := range []orders.Status{orders.StatusProcessing, orders.StatusShipped, orders.StatusDelivered} {
		o, err := f.svc.AdvanceStatus(ctx, d.ID, target)
		require.NoError(t, err)
		assert.Equal(t, target, o.Status)
	}
	_, err = f.svc.AdvanceStatus(ctx, d.ID, orders.StatusPaid)
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
}

func TestRefund(t *testing.T) {
	cases := []struct {
		name      string
		restock   bool
		wantStock int
	}{
		{"without restock", false, 7},
		{"with restock", true, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, product("A", "10.00", 10))
			f.svc.RestockOnRefund = tc.restock
			ctx := context.Background()
			d := f.pendingPayment(t, "A", 3, "pi_1")
			f.succeed(t, "pi_1")

			o, err := f.svc.Refund(ctx, d.ID)
			require.NoError(t, err)
			assert.Equal(t, orders.StatusRefunded, o.Status)

			p, _ := f.st.Product("A")
			assert.Equal(t, tc.wantStock, p.Stock)
			pay, _ := f.st.PaymentByIntent("pi_1")
			assert.Equal(t, orders.PaymentCanceled, pay.Status)

			logs := f.st.Logs("A")
			last := logs[len(logs)-1]
			if tc.restock {
				assert.Equal(t, orders.ChangeStockIn, last.ChangeType)
				assert.Equal(t, 3, last.QuantityChange)
			} else {
				assert.Equal(t, orders.ChangeSold, last.ChangeType)
			}

			_, err = f.svc.Refund(ctx, d.ID)
			assert.ErrorIs(t, err, orders.ErrInvalidTransition)
		})
	}
}

func TestRefund_RestockSkipsUntrackedProduct(t *testing.T) {
	u := product("U", "4.00", 3)
	u.TrackInventory = false
	f := newFixture(t, u)
	f.svc.RestockOnRefund = true
	ctx := context.Background()

	d := f.pendingPayment(t, "U", 10, "pi_1")
	f.succeed(t, "pi_1")
	_, err := f.svc.Refund(ctx, d.ID)
	require.NoError(t, err)

	p, _ := f.st.Product("U")
	assert.Equal(t, 3, p.Stock)
	logs := f.st.Logs("U")
	last := logs[len(logs)-1]
	assert.Equal(t, orders.ChangeStockIn, last.ChangeType)
	assert.Zero(t, last.QuantityChange)
	assert.Equal(t, "untracked product", last.Notes)
}

func TestRefund_UnpaidOrderRejected(t *testing.T) {
	f := newFixture(t, product("A", "10.00", 10))
	d := f.pendingPayment(t, "A", 1, "pi_1")
	_, err := f.svc.Refund(context.Background(), d.ID)
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
}
