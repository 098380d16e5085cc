package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/ariefcatur/stockflow/internal/orders"
	"github.com/ariefcatur/stockflow/internal/store"
)

// Store implements store.Store on a pgx pool. Row locks are taken with
// SELECT ... FOR UPDATE and bounded by LockTimeout.
type Store struct {
	DB          *pgxpool.Pool
	LockTimeout time.Duration
}

func NewStore(db *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{DB: db, LockTimeout: lockTimeout}
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(classify(err), "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if s.LockTimeout > 0 {
		// SET LOCAL tidak menerima parameter bind
		q := fmt.Sprintf("SET LOCAL lock_timeout = %d", s.LockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, q); err != nil {
			return errors.Wrap(classify(err), "set lock_timeout")
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(classify(err), "commit")
	}
	return nil
}

// Conflict-class SQLSTATEs: lock_not_available, serialization_failure,
// deadlock_detected.
var conflictCodes = map[string]bool{
	"55P03": true,
	"40001": true,
	"40P01": true,
}

const uniqueViolation = "23505"

func classify(err error) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && conflictCodes[pgErr.Code] {
		return errors.Wrapf(store.ErrConflict, "%s (%s)", pgErr.Message, pgErr.Code)
	}
	return err
}

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type pgTx struct{ tx pgx.Tx }

func notFound(err, domain error) error {
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain
	}
	return err
}

func mustAffect(ct pgconn.CommandTag, domain error) error {
	if ct.RowsAffected() == 0 {
		return domain
	}
	return nil
}

// ---- products ----

const productCols = `id, name, price, stock, low_stock_threshold, track_inventory, updated_at`

func scanProduct(row pgx.Row) (orders.Product, error) {
	var p orders.Product
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.LowStockThreshold, &p.TrackInventory, &p.UpdatedAt)
	return p, err
}

func (t *pgTx) LockProduct(ctx context.Context, id string) (orders.Product, error) {
	p, err := scanProduct(t.tx.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return p, errors.WithMessage(notFound(err, orders.ErrProductNotFound), "lock product")
	}
	return p, nil
}

func (t *pgTx) GetProduct(ctx context.Context, id string) (orders.Product, error) {
	p, err := scanProduct(t.tx.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1`, id))
	if err != nil {
		return p, errors.WithMessage(notFound(err, orders.ErrProductNotFound), "get product")
	}
	return p, nil
}

func (t *pgTx) ListProducts(ctx context.Context) ([]orders.Product, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+productCols+` FROM products ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	defer rows.Close()

	var out []orders.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateProductStock(ctx context.Context, id string, stock int) error {
	ct, err := t.tx.Exec(ctx, `UPDATE products SET stock=$2, updated_at=NOW() WHERE id=$1`, id, stock)
	if err != nil {
		return errors.Wrap(err, "update stock")
	}
	return mustAffect(ct, orders.ErrProductNotFound)
}

func (t *pgTx) ActiveReservedQty(ctx context.Context, productID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM stock_reservations
		WHERE product_id=$1 AND status='active'`, productID).Scan(&n)
	return n, errors.Wrap(err, "sum reserved")
}

func (t *pgTx) ActiveReservedByProduct(ctx context.Context) (map[string]int, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT product_id, SUM(quantity) FROM stock_reservations
		WHERE status='active' GROUP BY product_id`)
	if err != nil {
		return nil, errors.Wrap(err, "reserved by product")
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// ---- reservations ----

const reservationCols = `id, product_id, holder_id, holder_type, quantity, status, reserved_at, expires_at, updated_at`

func scanReservation(row pgx.Row) (orders.Reservation, error) {
	var r orders.Reservation
	err := row.Scan(&r.ID, &r.ProductID, &r.HolderID, &r.HolderType, &r.Quantity, &r.Status, &r.ReservedAt, &r.ExpiresAt, &r.UpdatedAt)
	return r, err
}

func collectReservations(rows pgx.Rows) ([]orders.Reservation, error) {
	defer rows.Close()
	var out []orders.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertReservation(ctx context.Context, r orders.Reservation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_reservations(`+reservationCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.ProductID, r.HolderID, r.HolderType, r.Quantity, r.Status, r.ReservedAt, r.ExpiresAt, r.UpdatedAt)
	return errors.Wrap(err, "insert reservation")
}

func (t *pgTx) GetReservation(ctx context.Context, id string) (orders.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRow(ctx, `SELECT `+reservationCols+` FROM stock_reservations WHERE id=$1`, id))
	if err != nil {
		return r, errors.WithMessage(notFound(err, orders.ErrReservationNotFound), "get reservation")
	}
	return r, nil
}

func (t *pgTx) LockReservation(ctx context.Context, id string) (orders.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRow(ctx, `SELECT `+reservationCols+` FROM stock_reservations WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return r, errors.WithMessage(notFound(err, orders.ErrReservationNotFound), "lock reservation")
	}
	return r, nil
}

func (t *pgTx) SetReservationStatus(ctx context.Context, id string, status orders.ReservationStatus, at time.Time) error {
	ct, err := t.tx.Exec(ctx, `UPDATE stock_reservations SET status=$2, updated_at=$3 WHERE id=$1`, id, status, at)
	if err != nil {
		return errors.Wrap(err, "set reservation status")
	}
	return mustAffect(ct, orders.ErrReservationNotFound)
}

func (t *pgTx) ReparentReservation(ctx context.Context, id string, holder orders.Holder, expiresAt time.Time) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE stock_reservations SET holder_id=$2, holder_type=$3, expires_at=$4, updated_at=NOW()
		WHERE id=$1`, id, holder.ID, holder.Type, expiresAt)
	if err != nil {
		return errors.Wrap(err, "reparent reservation")
	}
	return mustAffect(ct, orders.ErrReservationNotFound)
}

func (t *pgTx) ListActiveByHolder(ctx context.Context, holder orders.Holder) ([]orders.Reservation, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+reservationCols+` FROM stock_reservations
		WHERE holder_type=$1 AND holder_id=$2 AND status='active'
		ORDER BY product_id, id`, holder.Type, holder.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list holder reservations")
	}
	return collectReservations(rows)
}

func (t *pgTx) ListExpired(ctx context.Context, now time.Time, limit int) ([]orders.Reservation, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+reservationCols+` FROM stock_reservations
		WHERE status='active' AND expires_at < $1
		ORDER BY expires_at
		LIMIT NULLIF($2::int, 0)`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list expired")
	}
	return collectReservations(rows)
}

// ---- ledger ----

func (t *pgTx) AppendLog(ctx context.Context, e *orders.InventoryLogEntry) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO inventory_logs(id, product_id, change_type, quantity_change, previous_stock, new_stock, reference_id, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),NULLIF($8,''),$9)
		RETURNING seq`,
		e.ID, e.ProductID, e.ChangeType, e.QuantityChange, e.PreviousStock, e.NewStock, e.ReferenceID, e.Notes, e.CreatedAt,
	).Scan(&e.Seq)
	return errors.Wrap(err, "append inventory log")
}

func (t *pgTx) ListLogs(ctx context.Context, productID string, q store.LogQuery) ([]orders.InventoryLogEntry, error) {
	var from, to *time.Time
	if !q.From.IsZero() {
		from = &q.From
	}
	if !q.To.IsZero() {
		to = &q.To
	}
	rows, err := t.tx.Query(ctx, `
		SELECT id, seq, product_id, change_type, quantity_change, previous_stock, new_stock,
		       COALESCE(reference_id,''), COALESCE(notes,''), created_at
		FROM inventory_logs
		WHERE product_id=$1 AND seq > $2
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		  AND ($4::timestamptz IS NULL OR created_at < $4)
		ORDER BY seq
		LIMIT NULLIF($5::int, 0)`, productID, q.AfterSeq, from, to, q.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "list inventory logs")
	}
	defer rows.Close()

	var out []orders.InventoryLogEntry
	for rows.Next() {
		var e orders.InventoryLogEntry
		if err := rows.Scan(&e.ID, &e.Seq, &e.ProductID, &e.ChangeType, &e.QuantityChange, &e.PreviousStock,
			&e.NewStock, &e.ReferenceID, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- orders ----

const orderCols = `id, user_id, total, status, COALESCE(payment_id,''), created_at, updated_at`

func scanOrder(row pgx.Row) (orders.Order, error) {
	var o orders.Order
	err := row.Scan(&o.ID, &o.UserID, &o.Total, &o.Status, &o.PaymentID, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (t *pgTx) InsertOrder(ctx context.Context, o orders.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, total, status, payment_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7)`,
		o.ID, o.UserID, o.Total, o.Status, o.PaymentID, o.CreatedAt, o.UpdatedAt)
	return errors.Wrap(err, "insert order")
}

func (t *pgTx) InsertOrderItem(ctx context.Context, it orders.OrderItem) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO order_items(id, order_id, product_id, quantity, price)
		VALUES ($1,$2,$3,$4,$5)`, it.ID, it.OrderID, it.ProductID, it.Quantity, it.Price)
	return errors.Wrap(err, "insert order item")
}

func (t *pgTx) LockOrder(ctx context.Context, id string) (orders.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return o, errors.WithMessage(notFound(err, orders.ErrOrderNotFound), "lock order")
	}
	return o, nil
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id))
	if err != nil {
		return o, errors.WithMessage(notFound(err, orders.ErrOrderNotFound), "get order")
	}
	return o, nil
}

func (t *pgTx) ListOrderItems(ctx context.Context, orderID string) ([]orders.OrderItem, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, product_id, quantity, price FROM order_items
		WHERE order_id=$1 ORDER BY product_id, id`, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "list order items")
	}
	defer rows.Close()

	var out []orders.OrderItem
	for rows.Next() {
		var it orders.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.Price); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, id string, status orders.Status, at time.Time) error {
	ct, err := t.tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=$3 WHERE id=$1`, id, status, at)
	if err != nil {
		return errors.Wrap(err, "update order status")
	}
	return mustAffect(ct, orders.ErrOrderNotFound)
}

func (t *pgTx) SetOrderPayment(ctx context.Context, orderID, paymentID string) error {
	ct, err := t.tx.Exec(ctx, `UPDATE orders SET payment_id=$2 WHERE id=$1`, orderID, paymentID)
	if err != nil {
		return errors.Wrap(err, "set order payment")
	}
	return mustAffect(ct, orders.ErrOrderNotFound)
}

// ---- payments ----

const paymentCols = `id, order_id, external_intent_id, amount, currency, status, created_at, updated_at`

func scanPayment(row pgx.Row) (orders.Payment, error) {
	var p orders.Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.ExternalIntentID, &p.Amount, &p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (t *pgTx) InsertPayment(ctx context.Context, p orders.Payment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payments(`+paymentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.ID, p.OrderID, p.ExternalIntentID, p.Amount, p.Currency, p.Status, p.CreatedAt, p.UpdatedAt)
	if isUnique(err) {
		return orders.ErrPaymentMismatch
	}
	return errors.Wrap(err, "insert payment")
}

func (t *pgTx) LockPaymentByIntent(ctx context.Context, intentID string) (orders.Payment, error) {
	p, err := scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE external_intent_id=$1 FOR UPDATE`, intentID))
	if err != nil {
		return p, errors.WithMessage(notFound(err, orders.ErrPaymentNotFound), "lock payment")
	}
	return p, nil
}

func (t *pgTx) GetPaymentByOrder(ctx context.Context, orderID string) (orders.Payment, error) {
	p, err := scanPayment(t.tx.QueryRow(ctx, `
		SELECT `+paymentCols+` FROM payments WHERE order_id=$1
		ORDER BY created_at DESC LIMIT 1`, orderID))
	if err != nil {
		return p, errors.WithMessage(notFound(err, orders.ErrPaymentNotFound), "get payment")
	}
	return p, nil
}

func (t *pgTx) UpdatePaymentStatus(ctx context.Context, id string, status orders.PaymentStatus, at time.Time) error {
	ct, err := t.tx.Exec(ctx, `UPDATE payments SET status=$2, updated_at=$3 WHERE id=$1`, id, status, at)
	if err != nil {
		return errors.Wrap(err, "update payment status")
	}
	return mustAffect(ct, orders.ErrPaymentNotFound)
}

// ---- webhooks & anomalies ----

const webhookCols = `id, external_event_id, event_type, processed, payload, COALESCE(error_message,''), created_at, processed_at`

func scanWebhook(row pgx.Row) (orders.WebhookEvent, error) {
	var e orders.WebhookEvent
	err := row.Scan(&e.ID, &e.ExternalEventID, &e.EventType, &e.Processed, &e.Payload, &e.ErrorMessage, &e.CreatedAt, &e.ProcessedAt)
	return e, err
}

func (t *pgTx) InsertWebhook(ctx context.Context, e orders.WebhookEvent) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		INSERT INTO payment_webhooks(id, external_event_id, event_type, processed, payload, created_at)
		VALUES ($1,$2,$3,false,$4,$5)
		ON CONFLICT (external_event_id) DO NOTHING`,
		e.ID, e.ExternalEventID, e.EventType, e.Payload, e.CreatedAt)
	if err != nil {
		return false, errors.Wrap(err, "insert webhook")
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) LockWebhook(ctx context.Context, externalEventID string) (orders.WebhookEvent, error) {
	e, err := scanWebhook(t.tx.QueryRow(ctx, `SELECT `+webhookCols+` FROM payment_webhooks WHERE external_event_id=$1 FOR UPDATE`, externalEventID))
	if err != nil {
		return e, errors.WithMessage(notFound(err, store.ErrWebhookNotFound), "lock webhook")
	}
	return e, nil
}

func (t *pgTx) MarkWebhookProcessed(ctx context.Context, id string, at time.Time) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE payment_webhooks SET processed=true, processed_at=$2, error_message=NULL
		WHERE id=$1`, id, at)
	if err != nil {
		return errors.Wrap(err, "mark webhook processed")
	}
	return mustAffect(ct, store.ErrWebhookNotFound)
}

func (t *pgTx) MarkWebhookFailed(ctx context.Context, id, message string) error {
	ct, err := t.tx.Exec(ctx, `UPDATE payment_webhooks SET processed=false, error_message=$2 WHERE id=$1`, id, message)
	if err != nil {
		return errors.Wrap(err, "mark webhook failed")
	}
	return mustAffect(ct, store.ErrWebhookNotFound)
}

func (t *pgTx) ListUnprocessedWebhooks(ctx context.Context, olderThan time.Time, limit int) ([]orders.WebhookEvent, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+webhookCols+` FROM payment_webhooks
		WHERE NOT processed AND created_at < $1
		ORDER BY created_at
		LIMIT NULLIF($2::int, 0)`, olderThan, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list unprocessed webhooks")
	}
	defer rows.Close()

	var out []orders.WebhookEvent
	for rows.Next() {
		e, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertAnomaly(ctx context.Context, a orders.Anomaly) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payment_anomalies(id, kind, reference_id, details, created_at)
		VALUES ($1,$2,$3,$4,$5)`, a.ID, a.Kind, a.ReferenceID, a.Details, a.CreatedAt)
	return errors.Wrap(err, "insert anomaly")
}

var _ store.Tx = (*pgTx)(nil)
