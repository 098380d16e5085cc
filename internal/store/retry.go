package store

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ariefcatur/stockflow/internal/metrics"
)

type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

var DefaultRetry = RetryPolicy{MaxRetries: 3, BaseDelay: 20 * time.Millisecond}

// RunTx runs fn in a transaction and retries it on ErrConflict. Each attempt
// is a fresh transaction, so a failed attempt leaves nothing behind.
func RunTx(ctx context.Context, s Store, p RetryPolicy, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = s.InTx(ctx, fn)
		if err == nil || !errors.Is(err, ErrConflict) {
			metrics.TxAttempts.Observe(float64(attempt + 1))
			return err
		}
		if attempt >= p.MaxRetries {
			metrics.TxAttempts.Observe(float64(attempt + 1))
			return err
		}
		// backoff ringan + jitter
		d := p.BaseDelay << attempt
		if d > 0 {
			d += time.Duration(rand.Int63n(int64(d)))
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
