package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/stockflow/internal/orders"
	"github.com/ariefcatur/stockflow/internal/store"
)

func TestHistoryPagination(t *testing.T) {
	svc, _, _ := newFixture(t, product("A", 100), product("B", 100))
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := svc.Reserve(ctx, "A", orders.CartHolder("c"), 1)
		require.NoError(t, err)
		_, err = svc.Reserve(ctx, "B", orders.CartHolder("c"), 1)
		require.NoError(t, err)
	}

	var (
		all    []orders.InventoryLogEntry
		cursor string
		pages  int
	)
	for {
		page, err := svc.Ledger.History(ctx, "A", HistoryQuery{Cursor: cursor, Limit: 3})
		require.NoError(t, err)
		all = append(all, page.Entries...)
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, 3, pages)
	require.Len(t, all, 7)
	for i, e := range all {
		assert.Equal(t, "A", e.ProductID)
		if i > 0 {
			assert.Greater(t, e.Seq, all[i-1].Seq)
		}
	}

	// cursor 0 restarts from the beginning
	page, err := svc.Ledger.History(ctx, "A", HistoryQuery{Cursor: "0", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, all[:2], page.Entries)
}

func TestHistoryDefaultsAndErrors(t *testing.T) {
	svc, _, _ := newFixture(t, product("A", 100))
	ctx := context.Background()

	page, err := svc.Ledger.History(ctx, "A", HistoryQuery{})
	require.NoError(t, err)
	assert.NotNil(t, page.Entries)
	assert.Empty(t, page.NextCursor)

	_, err = svc.Ledger.History(ctx, "A", HistoryQuery{Cursor: "abc"})
	assert.ErrorIs(t, err, ErrInvalidCursor)

	_, err = svc.Ledger.History(ctx, "missing", HistoryQuery{})
	assert.ErrorIs(t, err, orders.ErrProductNotFound)
}

func TestHistoryTimeRange(t *testing.T) {
	svc, st, _ := newFixture(t, product("A", 100))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		at := t0.Add(time.Duration(i) * time.Hour)
		err := st.InTx(ctx, func(tx store.Tx) error {
			_, err := svc.Ledger.Append(ctx, tx, orders.InventoryLogEntry{
				ProductID:      "A",
				ChangeType:     orders.ChangeStockIn,
				QuantityChange: 1,
				PreviousStock:  100 + i,
				NewStock:       101 + i,
				CreatedAt:      at,
			})
			return err
		})
		require.NoError(t, err)
	}

	page, err := svc.Ledger.History(ctx, "A", HistoryQuery{From: t0.Add(time.Hour), To: t0.Add(3 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, t0.Add(time.Hour), page.Entries[0].CreatedAt)
	assert.Equal(t, t0.Add(2*time.Hour), page.Entries[1].CreatedAt)
}

func TestHistoryLimitIsCapped(t *testing.T) {
	svc, _, _ := newFixture(t, product("A", 1000))
	ctx := context.Background()
	for i := 0; i < MaxHistoryLimit+5; i++ {
		_, err := svc.Reserve(ctx, "A", orders.CartHolder("c"), 1)
		require.NoError(t, err)
	}

	page, err := svc.Ledger.History(ctx, "A", HistoryQuery{Limit: 10_000})
	require.NoError(t, err)
	assert.Len(t, page.Entries, MaxHistoryLimit)
	assert.NotEmpty(t, page.NextCursor)
}
