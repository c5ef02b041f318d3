// Package producer accepts orders: it commits the order and its job in one
// transaction, then pushes the job message to the queue.
package producer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow/internal/apperr"
	"orderflow/internal/models"
	"orderflow/internal/queue"
	"orderflow/internal/telemetry"
)

// Repository is the slice of the record store the producer writes through.
type Repository interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	CreateOrder(ctx context.Context, req models.OrderRequest) (models.Order, error)
	CreateJob(ctx context.Context, jobID string, orderID int64) (models.Job, error)
}

// Enqueuer pushes job messages to the broker.
type Enqueuer interface {
	Push(ctx context.Context, msg queue.Message) error
}

// Accepted is returned to the client once the order is durable.
type Accepted struct {
	OrderID int64  `json:"orderId"`
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
}

type Producer struct {
	repo     Repository
	queue    Enqueuer
	log      *zap.SugaredLogger
	maxBatch int
	now      func() time.Time
}

func New(repo Repository, q Enqueuer, maxBatch int, log *zap.SugaredLogger) *Producer {
	return &Producer{repo: repo, queue: q, log: log, maxBatch: maxBatch, now: time.Now}
}

// NewJobID derives a job id from the order id, the creation time and a
// random suffix, so ids are never reused across restarts.
func NewJobID(orderID int64, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("job-%d-%d-%s", orderID, at.UnixMilli(), suffix)
}

// Submit accepts a single order.
func (p *Producer) Submit(ctx context.Context, req models.OrderRequest) (Accepted, error) {
	if err := models.Validator().Struct(req); err != nil {
		return Accepted{}, apperr.Invalid("%s", models.ValidationMessage(err))
	}
	out, err := p.commit(ctx, []models.OrderRequest{req})
	if err != nil {
		return Accepted{}, err
	}
	return out[0], nil
}

// SubmitBatch accepts all orders or none of them.
func (p *Producer) SubmitBatch(ctx context.Context, req models.BatchOrderRequest) ([]Accepted, error) {
	if p.maxBatch > 0 && len(req.Orders) > p.maxBatch {
		return nil, apperr.Invalid("batch holds %d orders, limit is %d", len(req.Orders), p.maxBatch)
	}
	if err := models.Validator().Struct(req); err != nil {
		return nil, apperr.Invalid("%s", models.ValidationMessage(err))
	}
	return p.commit(ctx, req.Orders)
}

func (p *Producer) commit(ctx context.Context, reqs []models.OrderRequest) ([]Accepted, error) {
	msgs := make([]queue.Message, 0, len(reqs))
	err := p.repo.WithinTransaction(ctx, func(ctx context.Context) error {
		msgs = msgs[:0]
		for _, req := range reqs {
			order, err := p.repo.CreateOrder(ctx, req)
			if err != nil {
				return err
			}
			job, err := p.repo.CreateJob(ctx, NewJobID(order.ID, p.now()), order.ID)
			if err != nil {
				return err
			}
			msgs = append(msgs, queue.OrderMessage(job.JobID, order))
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStore, err)
	}

	out := make([]Accepted, 0, len(msgs))
	for _, msg := range msgs {
		telemetry.OrdersAccepted.Inc()
		// The rows are durable; a lost push is recovered by the reconciliation sweep.
		if err := p.queue.Push(ctx, msg); err != nil {
			telemetry.EnqueueFailures.Inc()
			p.log.Errorw("enqueue failed after commit", "order_id", msg.OrderID, "job_id", msg.JobID, "error", err)
		} else {
			p.log.Infow("order accepted", "order_id", msg.OrderID, "job_id", msg.JobID)
		}
		out = append(out, Accepted{OrderID: msg.OrderID, JobID: msg.JobID, Status: models.OrderPending})
	}
	return out, nil
}
