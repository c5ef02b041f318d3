package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"orderflow/internal/config"
	"orderflow/internal/models"
)

var (
	// ErrEmpty is returned by Pop when nothing arrived before the timeout.
	ErrEmpty = errors.New("queue empty")
	// ErrMalformed is returned by Pop for a payload that is not a Message.
	ErrMalformed = errors.New("malformed queue message")
)

// Message is the job descriptor handed from producer to worker. It carries
// the order fields the worker needs so no read precedes the claim.
type Message struct {
	JobID    string          `json:"jobId"`
	OrderID  int64           `json:"orderId"`
	Product  string          `json:"product"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// OrderMessage builds the message for a freshly committed order and job.
func OrderMessage(jobID string, o models.Order) Message {
	return Message{JobID: jobID, OrderID: o.ID, Product: o.Product, Quantity: o.Quantity, Price: o.Price}
}

// PendingMessage rebuilds the message of a job found by the reconciliation sweep.
func PendingMessage(p models.PendingJob) Message {
	return Message{JobID: p.JobID, OrderID: p.OrderID, Product: p.Product, Quantity: p.Quantity, Price: p.Price}
}

// DeadLetter is a message the worker gave up on, with the reason.
type DeadLetter struct {
	Message
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
	Raw      string    `json:"raw,omitempty"`
}

// RedisQueue is a FIFO list with blocking pop plus a dead-letter list.
// Delivery is at-least-once; there is no acknowledgment.
type RedisQueue struct {
	client *redis.Client
	key    string
	dlqKey string
}

// NewClient builds the shared Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:                  cfg.RedisAddr,
		Password:              cfg.RedisPassword,
		DB:                    cfg.RedisDB,
		ContextTimeoutEnabled: true,
	})
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	return New(NewClient(cfg), cfg.QueueName, cfg.DLQName)
}

// New wraps an existing client.
func New(client *redis.Client, name, dlq string) *RedisQueue {
	return &RedisQueue{client: client, key: name, dlqKey: dlq}
}

// Client exposes the underlying connection for components sharing it.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Push appends msg to the tail of the queue.
func (q *RedisQueue) Push(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("push %s: %w", q.key, err)
	}
	return nil
}

// Pop blocks up to timeout for the head of the queue. Payloads that do not
// decode are moved to the dead-letter list and reported as ErrMalformed. If
// that move fails, the returned error carries the raw payload.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (Message, error) {
	res, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, ErrEmpty
	}
	if err != nil {
		return Message{}, fmt.Errorf("pop %s: %w", q.key, err)
	}
	if len(res) != 2 {
		return Message{}, fmt.Errorf("pop %s: unexpected reply %v", q.key, res)
	}

	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil || msg.JobID == "" {
		if dlqErr := q.push(ctx, q.dlqKey, DeadLetter{Error: ErrMalformed.Error(), FailedAt: time.Now().UTC(), Raw: res[1]}); dlqErr != nil {
			// The payload is already off the queue; the error is its only record.
			return Message{}, fmt.Errorf("dead-letter malformed payload %q: %w", res[1], dlqErr)
		}
		return Message{}, fmt.Errorf("%w: %q", ErrMalformed, res[1])
	}
	return msg, nil
}

// DeadLetter records msg with reason on the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, msg Message, reason string) error {
	return q.push(ctx, q.dlqKey, DeadLetter{Message: msg, Error: reason, FailedAt: time.Now().UTC()})
}

func (q *RedisQueue) push(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s entry: %w", key, err)
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

// DLQPeek reads up to count dead letters, oldest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	if count <= 0 {
		return []DeadLetter{}, nil
	}
	items, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", q.dlqKey, err)
	}
	out := make([]DeadLetter, 0, len(items))
	for _, item := range items {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			dl = DeadLetter{Error: ErrMalformed.Error(), Raw: item}
		}
		out = append(out, dl)
	}
	return out, nil
}

// Depth returns the number of messages waiting in the queue.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// DLQDepth returns the number of dead letters.
func (q *RedisQueue) DLQDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.dlqKey).Result()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
