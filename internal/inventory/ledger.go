package inventory

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/stockflow/internal/metrics"
	"github.com/ariefcatur/stockflow/internal/orders"
	"github.com/ariefcatur/stockflow/internal/store"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

var ErrInvalidCursor = errors.New("invalid history cursor")

// Ledger is the append-only inventory log. Writes only happen inside the
// caller's transaction, next to the mutation they describe.
type Ledger struct {
	Store store.Store
	Now   func() time.Time
}

func NewLedger(st store.Store) *Ledger {
	return &Ledger{Store: st, Now: func() time.Time { return time.Now().UTC() }}
}

// Append writes e in tx and returns it with ID, Seq and CreatedAt filled.
func (l *Ledger) Append(ctx context.Context, tx store.Tx, e orders.InventoryLogEntry) (orders.InventoryLogEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.Now()
	}
	if err := tx.AppendLog(ctx, &e); err != nil {
		return e, err
	}
	metrics.LedgerAppends.WithLabelValues(string(e.ChangeType)).Inc()
	return e, nil
}

type HistoryQuery struct {
	From   time.Time
	To     time.Time
	Cursor string // opaque; NextCursor of the previous page
	Limit  int
}

type Page struct {
	Entries    []orders.InventoryLogEntry `json:"entries"`
	NextCursor string                     `json:"next_cursor,omitempty"`
}

// History returns one page of a product's log in commit order.
func (l *Ledger) History(ctx context.Context, productID string, q HistoryQuery) (Page, error) {
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	var after int64
	if q.Cursor != "" {
		n, err := strconv.ParseInt(q.Cursor, 10, 64)
		if err != nil || n < 0 {
			return Page{}, ErrInvalidCursor
		}
		after = n
	}

	var page Page
	err := l.Store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetProduct(ctx, productID); err != nil {
			return err
		}
		entries, err := tx.ListLogs(ctx, productID, store.LogQuery{
			From: q.From, To: q.To, AfterSeq: after, Limit: limit,
		})
		if err != nil {
			return err
		}
		page.Entries = entries
		return nil
	})
	if err != nil {
		return Page{}, err
	}
	if page.Entries == nil {
		page.Entries = []orders.InventoryLogEntry{}
	}
	if len(page.Entries) == limit {
		page.NextCursor = strconv.FormatInt(page.Entries[len(page.Entries)-1].Seq, 10)
	}
	return page, nil
}
