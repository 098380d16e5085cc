package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/stockflow/internal/checkout"
	"github.com/ariefcatur/stockflow/internal/config"
	"github.com/ariefcatur/stockflow/internal/httpx"
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
		l := logx.New("stockflow-api", "info", false)
		l.Fatal().Err(err).Msg("config")
	}
	log := logx.New(cfg.ServiceName, cfg.LogLevel, cfg.LogPretty)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = log.WithContext(ctx)

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}
	st := postgres.NewStore(db, cfg.LockTimeout)

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024)
	prod.Start(ctx)

	retry := store.RetryPolicy{MaxRetries: cfg.TxMaxRetries, BaseDelay: store.DefaultRetry.BaseDelay}
	ledger := inventory.NewLedger(st)
	inv := inventory.NewService(st, ledger, prod, inventory.Options{
		ReservationTTL: cfg.ReservationTTL,
		Retry:          retry,
		ServiceName:    cfg.ServiceName,
	})
	co := checkout.NewService(st, inv, prod, &redisx.StatusCache{R: rdb}, checkout.Options{
		OrderHoldTTL:    cfg.OrderHoldTTL,
		RestockOnRefund: cfg.RestockOnRefund,
		Retry:           retry,
		ServiceName:     cfg.ServiceName,
	})
	proc := payments.NewProcessor(st, co, &redisx.Dedup{R: rdb, Scope: "webhook"}, retry, cfg.WebhookRetryGrace)
	sweeper := inventory.NewSweeper(inv, cfg.SweepInterval, cfg.SweepBatch, &redisx.Locker{R: rdb})

	router := httpx.NewRouter()
	(&httpx.OrdersHandler{Checkout: co, Inventory: inv}).Register(router)
	(&httpx.InventoryHandler{Inventory: inv, Ledger: ledger, Sweeper: sweeper}).Register(router)
	(&httpx.PaymentsHandler{Processor: proc}).Register(router)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()      // tutup inbox -> flush & close writer
	cancel()          // stop producer loop
	prod.WaitClosed() // drain
}
