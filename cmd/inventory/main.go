// Command inventory runs the background side: the expiry sweeper, the
// payment.events consumer and the webhook reprocess loop.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/stockflow/internal/checkout"
	"github.com/ariefcatur/stockflow/internal/config"
	"github.com/ariefcatur/stockflow/internal/inventory"
	kafkax "github.com/ariefcatur/stockflow/internal/kafka"
	"github.com/ariefcatur/stockflow/internal/logx"
	"github.com/ariefcatur/stockflow/internal/payments"
	"github.com/ariefcatur/stockflow/internal/postgres"
	"github.com/ariefcatur/stockflow/internal/redisx"
	"github.com/ariefcatur/stockflow/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		l := logx.New("stockflow-inventory", "info", false)
		l.Fatal().Err(err).Msg("config")
	}
	log := logx.New(cfg.ServiceName+"-inventory", cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db")
	}
	defer db.Close()
	st := postgres.NewStore(db, cfg.LockTimeout)

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prodCtx, stopProd := context.WithCancel(context.Background())
	defer stopProd()
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024)
	prod.Start(prodCtx)

	retry := store.RetryPolicy{MaxRetries: cfg.TxMaxRetries, BaseDelay: store.DefaultRetry.BaseDelay}
	inv := inventory.NewService(st, inventory.NewLedger(st), prod, inventory.Options{
		ReservationTTL: cfg.ReservationTTL,
		Retry:          retry,
		ServiceName:    cfg.ServiceName + "-inventory",
	})
	co := checkout.NewService(st, inv, prod, &redisx.StatusCache{R: rdb}, checkout.Options{
		OrderHoldTTL:    cfg.OrderHoldTTL,
		RestockOnRefund: cfg.RestockOnRefund,
		Retry:           retry,
		ServiceName:     cfg.ServiceName + "-inventory",
	})
	proc := payments.NewProcessor(st, co, &redisx.Dedup{R: rdb, Scope: "webhook"}, retry, cfg.WebhookRetryGrace)
	sweeper := inventory.NewSweeper(inv, cfg.SweepInterval, cfg.SweepBatch, &redisx.Locker{R: rdb})
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.PaymentEventsGroup, cfg.PaymentEventsTopic, cfg.ConsumerWorkers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("group", cfg.PaymentEventsGroup).Str("topic", cfg.PaymentEventsTopic).
			Int("workers", cfg.ConsumerWorkers).Msg("payment consumer started")
		return cons.Start(gctx, proc.HandleMessage)
	})
	g.Go(func() error { return proc.RunReprocess(gctx, cfg.WebhookRetryGrace, cfg.SweepBatch) })

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("worker exit")
	}
	log.Info().Msg("shutting down...")
	prod.Close()
	prod.WaitClosed()
}
