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

	"orderflow/internal/config"
	"orderflow/internal/fulfillment"
	"orderflow/internal/logging"
	"orderflow/internal/queue"
	"orderflow/internal/reconcile"
	"orderflow/internal/store"
	"orderflow/internal/telemetry"
	workerproc "orderflow/internal/worker"
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

	receipts, err := fulfillment.NewReceiptHandler(ctx, cfg)
	if err != nil {
		log.Fatalw("init receipt handler", "error", err)
	}
	processor := workerproc.NewProcessor(cfg, st, q, receipts.Handle, log.Named("worker"))

	sweeper := reconcile.NewSweeper(cfg, st, q, q.Client(), log.Named("reconcile"))
	scheduler, err := reconcile.NewScheduler(cfg.ReconcileSchedule, sweeper, log.Named("reconcile"))
	if err != nil {
		log.Fatalw("init reconcile scheduler", "error", err)
	}
	scheduler.Start()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics server stopped", "error", err)
		}
	}()

	log.Infow("worker started",
		"worker_id", cfg.WorkerID,
		"concurrency", cfg.WorkerConcurrency,
		"queue", cfg.QueueName,
		"reconcile_schedule", cfg.ReconcileSchedule,
	)
	processor.RunN(ctx, cfg.WorkerConcurrency)

	log.Infow("worker stopping")
	<-scheduler.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
