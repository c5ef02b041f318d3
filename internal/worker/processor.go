package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderflow/internal/apperr"
	"orderflow/internal/config"
	"orderflow/internal/models"
	"orderflow/internal/queue"
	"orderflow/internal/telemetry"
)

// Repository is the slice of the record store the worker updates.
type Repository interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	MarkJobProcessing(ctx context.Context, jobID, workerID string) (models.Job, error)
	MarkJobCompleted(ctx context.Context, jobID string) error
	MarkJobFailed(ctx context.Context, jobID, message string) error
	CompleteOrder(ctx context.Context, id int64) error
}

// Broker is the queue surface the worker consumes.
type Broker interface {
	Pop(ctx context.Context, timeout time.Duration) (queue.Message, error)
	DeadLetter(ctx context.Context, msg queue.Message, reason string) error
	Depth(ctx context.Context) (int64, error)
}

// Handler performs the unit of work for one order.
type Handler func(ctx context.Context, msg queue.Message) error

// Processor drives the worker execution loop.
type Processor struct {
	repo       Repository
	broker     Broker
	handler    Handler
	workerID   string
	popTimeout time.Duration
	errBackoff time.Duration
	log        *zap.SugaredLogger
}

func NewProcessor(cfg config.Config, repo Repository, broker Broker, handler Handler, log *zap.SugaredLogger) *Processor {
	popTimeout := cfg.QueuePopTimeout
	if popTimeout <= 0 {
		popTimeout = 5 * time.Second
	}
	return &Processor{
		repo:       repo,
		broker:     broker,
		handler:    handler,
		workerID:   cfg.WorkerID,
		popTimeout: popTimeout,
		errBackoff: cfg.WorkerErrorBackoff,
		log:        log.With("worker_id", cfg.WorkerID),
	}
}

// Run pops and processes messages until ctx is cancelled. Broker and store
// errors never end the loop; they pause it for the error backoff.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := p.broker.Pop(ctx, p.popTimeout)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			if depth, err := p.broker.Depth(ctx); err == nil {
				telemetry.QueueDepthGauge.Set(float64(depth))
			}
			continue
		case errors.Is(err, queue.ErrMalformed):
			p.log.Warnw("dropped malformed message", "error", err)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Errorw("queue pop failed", "error", err, "backoff", p.errBackoff)
			p.pause(ctx)
			continue
		}

		// A dequeued message is finished even if shutdown starts meanwhile.
		if err := p.Process(context.WithoutCancel(ctx), msg); errors.Is(err, apperr.ErrStore) {
			p.log.Errorw("job claim failed", "job_id", msg.JobID, "error", err, "backoff", p.errBackoff)
			p.pause(ctx)
		}
	}
}

// RunN runs n loops sharing the processor and waits for all of them.
func (p *Processor) RunN(ctx context.Context, n int) {
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Run(ctx)
		}()
	}
	wg.Wait()
}

// Process advances one job through queued, processing and then completed or
// failed. A message whose job is no longer queued is a redelivery and is
// dropped. Claim failures return ErrStore and leave the job queued for the
// reconciliation sweep; work failures return ErrEffectFailure after the job
// is marked failed.
func (p *Processor) Process(ctx context.Context, msg queue.Message) error {
	var job models.Job
	err := p.repo.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		job, err = p.repo.MarkJobProcessing(ctx, msg.JobID, p.workerID)
		return err
	})
	switch {
	case errors.Is(err, apperr.ErrNotClaimable):
		telemetry.JobsDuplicate.Inc()
		p.log.Infow("skipped duplicate delivery", "job_id", msg.JobID, "error", err)
		return nil
	case errors.Is(err, apperr.ErrNotFound):
		p.log.Warnw("message for unknown job", "job_id", msg.JobID)
		p.deadLetter(ctx, msg, "unknown job")
		return nil
	case err != nil:
		return apperr.Wrap(apperr.ErrStore, err)
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	p.log.Infow("processing job", "job_id", job.JobID, "order_id", job.OrderID, "attempts", job.Attempts)

	if err := p.complete(ctx, msg); err != nil {
		p.fail(ctx, msg, err)
		return apperr.Wrap(apperr.ErrEffectFailure, err)
	}
	telemetry.JobsCompleted.Inc()
	p.log.Infow("job completed", "job_id", msg.JobID, "order_id", msg.OrderID)
	return nil
}

// complete runs the handler and then finishes order and job together.
func (p *Processor) complete(ctx context.Context, msg queue.Message) error {
	if err := p.handler(ctx, msg); err != nil {
		return err
	}
	return p.repo.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := p.repo.CompleteOrder(ctx, msg.OrderID); err != nil {
			return err
		}
		return p.repo.MarkJobCompleted(ctx, msg.JobID)
	})
}

// fail records cause on the job. The order is left pending.
func (p *Processor) fail(ctx context.Context, msg queue.Message, cause error) {
	telemetry.JobsFailed.Inc()
	p.log.Errorw("job failed", "job_id", msg.JobID, "order_id", msg.OrderID, "error", cause)

	err := p.repo.WithinTransaction(ctx, func(ctx context.Context) error {
		return p.repo.MarkJobFailed(ctx, msg.JobID, cause.Error())
	})
	if err != nil {
		p.log.Errorw("mark job failed", "job_id", msg.JobID, "error", err)
	}
	p.deadLetter(ctx, msg, cause.Error())
}

func (p *Processor) deadLetter(ctx context.Context, msg queue.Message, reason string) {
	if err := p.broker.DeadLetter(ctx, msg, reason); err != nil {
		p.log.Errorw("dead-letter push failed", "job_id", msg.JobID, "error", err)
	}
}

func (p *Processor) pause(ctx context.Context) {
	if p.errBackoff <= 0 {
		return
	}
	t := time.NewTimer(p.errBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
