package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orderflow/internal/api"
	"orderflow/internal/config"
	"orderflow/internal/idempotency"
	"orderflow/internal/logging"
	"orderflow/internal/payments"
	"orderflow/internal/producer"
	"orderflow/internal/queue"
	"orderflow/internal/ratelimit"
	"orderflow/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("load config: %v", err)
	}
	log := logging.New(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.Migrate(cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
		log.Fatalw("migrations", "error", err)
	}
	st, err := store.New(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		log.Fatalw("connect postgres", "error", err)
	}
	defer st.Close()

	q := queue.NewRedisQueue(cfg)
	defer func() { _ = q.Close() }()
	if err := q.Ping(ctx); err != nil {
		log.Fatalw("connect redis", "addr", cfg.RedisAddr, "error", err)
	}
	limiter := ratelimit.NewTokenBucket(q.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	coord := idempotency.NewCoordinator(st, idempotency.Options{
		MaxRetries: cfg.IdempotencyMaxRetries,
		Backoff:    cfg.IdempotencyBackoff,
		BackoffMax: cfg.IdempotencyBackoffMax,
	}, log.Named("idempotency"))
	pay := payments.NewService(st, coord, log.Named("payments"))
	prod := producer.New(st, q, cfg.BatchMaxOrders, log.Named("producer"))

	server := api.New(cfg, st, q, pay, prod, limiter, log.Named("http"))
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infow("api listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	log.Infow("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("shutdown", "error", err)
	}
}
