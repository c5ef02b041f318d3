// Package reconcile re-enqueues jobs whose message never reached the queue,
// closing the gap between the producer's commit and its push.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"orderflow/internal/config"
	"orderflow/internal/models"
	"orderflow/internal/queue"
	"orderflow/internal/telemetry"
)

const lockKey = "orderflow:reconcile:lock"

// ErrLocked is returned when another instance holds the sweep lease.
var ErrLocked = errors.New("reconcile sweep already running")

// Repository finds and touches stale queued jobs.
type Repository interface {
	StaleQueuedJobs(ctx context.Context, before time.Time, limit int) ([]models.PendingJob, error)
	TouchJob(ctx context.Context, jobID string) error
}

// Enqueuer pushes rebuilt job messages.
type Enqueuer interface {
	Push(ctx context.Context, msg queue.Message) error
}

type Sweeper struct {
	repo      Repository
	queue     Enqueuer
	locker    *redislock.Client
	olderThan time.Duration
	batchSize int
	lockTTL   time.Duration
	log       *zap.SugaredLogger
	now       func() time.Time
}

func NewSweeper(cfg config.Config, repo Repository, q Enqueuer, client *redis.Client, log *zap.SugaredLogger) *Sweeper {
	batch := cfg.ReconcileBatchSize
	if batch <= 0 {
		batch = 100
	}
	ttl := cfg.ReconcileLockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Sweeper{
		repo:      repo,
		queue:     q,
		locker:    redislock.New(client),
		olderThan: cfg.ReconcileOlderThan,
		batchSize: batch,
		lockTTL:   ttl,
		log:       log,
		now:       time.Now,
	}
}

// Sweep re-enqueues queued jobs untouched for longer than the configured age
// and returns how many it pushed. Jobs still in flight elsewhere are safe to
// push again: the worker only claims queued jobs.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	lock, err := s.locker.Obtain(ctx, lockKey, s.lockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return 0, ErrLocked
	}
	if err != nil {
		return 0, fmt.Errorf("obtain sweep lock: %w", err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			s.log.Warnw("release sweep lock", "error", err)
		}
	}()

	stale, err := s.repo.StaleQueuedJobs(ctx, s.now().Add(-s.olderThan), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("find stale jobs: %w", err)
	}

	pushed := 0
	for _, p := range stale {
		if err := s.queue.Push(ctx, queue.PendingMessage(p)); err != nil {
			telemetry.JobsReconciled.Add(float64(pushed))
			return pushed, fmt.Errorf("re-enqueue %s: %w", p.JobID, err)
		}
		pushed++
		if err := s.repo.TouchJob(ctx, p.JobID); err != nil {
			s.log.Warnw("touch reconciled job", "job_id", p.JobID, "error", err)
		}
		s.log.Infow("re-enqueued stale job", "job_id", p.JobID, "order_id", p.OrderID)
	}
	telemetry.JobsReconciled.Add(float64(pushed))
	return pushed, nil
}
