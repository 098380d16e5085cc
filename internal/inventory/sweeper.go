package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/stockflow/internal/logx"
	"github.com/ariefcatur/stockflow/internal/metrics"
	"github.com/ariefcatur/stockflow/internal/orders"
	"github.com/ariefcatur/stockflow/internal/store"
)

// Locker is an optional cross-instance single-flight guard.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Sweeper reclaims active reservations past their expires_at. It talks to
// the rest of the system only through persisted rows, so restarts are safe.
type Sweeper struct {
	Inventory *Service
	Interval  time.Duration
	Batch     int
	Lock      Locker
	Now       func() time.Time
}

type SweepResult struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func NewSweeper(inv *Service, interval time.Duration, batch int, lock Locker) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		Inventory: inv,
		Interval:  interval,
		Batch:     batch,
		Lock:      lock,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every Interval until ctx is done.
func (w *Sweeper) Run(ctx context.Context) error {
	log := logx.From(ctx).With().Str("component", "sweeper").Logger()
	log.Info().Dur("interval", w.Interval).Int("batch", w.Batch).Msg("sweeper started")

	t := time.NewTicker(w.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweeper stopped")
			return nil
		case <-t.C:
			w.tick(ctx)
		}
	}
}

func (w *Sweeper) tick(ctx context.Context) {
	log := logx.From(ctx)
	if w.Lock != nil {
		release, ok, err := w.Lock.TryLock(ctx, "sweeper", w.Interval)
		switch {
		case err != nil:
			// lock cuma optimasi; tetap jalan
			log.Warn().Err(err).Msg("sweeper lock unavailable, sweeping anyway")
		case !ok:
			return
		default:
			defer release()
		}
	}
	res, err := w.SweepOnce(ctx, w.Now())
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("sweep failed")
		}
		return
	}
	if res.Scanned > 0 {
		log.Info().Int("expired", res.Expired).Int("skipped", res.Skipped).Int("failed", res.Failed).Msg("sweep done")
	}
}

// SweepOnce expires up to Batch overdue reservations, each in its own
// transaction. Reservations that were committed or released meanwhile are
// counted as skipped.
func (w *Sweeper) SweepOnce(ctx context.Context, now time.Time) (SweepResult, error) {
	var due []orders.Reservation
	err := w.Inventory.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		due, err = tx.ListExpired(ctx, now, w.Batch)
		return err
	})
	if err != nil {
		return SweepResult{}, err
	}

	res := SweepResult{Scanned: len(due)}
	for _, r := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		err := w.Inventory.Expire(ctx, r.ID, now)
		switch {
		case err == nil:
			res.Expired++
			metrics.SweeperExpired.Inc()
		case errors.Is(err, orders.ErrAlreadyTerminal), errors.Is(err, orders.ErrNotExpired):
			res.Skipped++
			metrics.SweeperSkipped.Inc()
		default:
			res.Failed++
			logx.From(ctx).Error().Err(err).Str("reservation_id", r.ID).Msg("expire failed")
		}
	}
	return res, nil
}
