// Package idempotency runs an effect at most once per client-supplied key
// and replays the stored response for every later request with that key.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"orderflow/internal/apperr"
	"orderflow/internal/models"
	"orderflow/internal/telemetry"
)

// Repository is the slice of the record store the coordinator needs.
type Repository interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	GetIdempotencyKey(ctx context.Context, key string) (models.IdempotencyKey, bool, error)
	InsertIdempotencyKey(ctx context.Context, key string, payload json.RawMessage) error
	CompleteIdempotencyKey(ctx context.Context, key string, status int, body json.RawMessage) (json.RawMessage, error)
}

// Response is the terminal answer recorded for a key.
type Response struct {
	Status   int
	Body     json.RawMessage
	Replayed bool
}

// Effect performs the guarded operation. It runs inside the transaction that
// claimed the key and must issue its writes through ctx.
type Effect func(ctx context.Context) (status int, body any, err error)

// Options bound the wait for a key claimed by a concurrent request.
type Options struct {
	MaxRetries int
	Backoff    time.Duration
	BackoffMax time.Duration
}

type Coordinator struct {
	repo  Repository
	opts  Options
	log   *zap.SugaredLogger
	sleep func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(repo Repository, opts Options, log *zap.SugaredLogger) *Coordinator {
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	if opts.BackoffMax < opts.Backoff {
		opts.BackoffMax = opts.Backoff
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Coordinator{repo: repo, opts: opts, log: log, sleep: sleepCtx}
}

// Execute returns the stored response for key, or claims key, runs effect and
// stores its response in the same transaction. A failure anywhere rolls the
// claim back, so the key stays usable for a later retry.
func (c *Coordinator) Execute(ctx context.Context, key string, payload []byte, effect Effect) (Response, error) {
	if key == "" {
		return Response{}, apperr.ErrMissingKey
	}
	stored := normalizePayload(payload)

	for attempt := 0; ; attempt++ {
		rec, found, err := c.repo.GetIdempotencyKey(ctx, key)
		if err != nil {
			return Response{}, apperr.Wrap(apperr.ErrStore, err)
		}
		if found && rec.Terminal() {
			telemetry.IdempotentReplays.Inc()
			return Response{Status: rec.ResponseStatus, Body: rec.ResponseBody, Replayed: true}, nil
		}

		if !found {
			resp, err := c.claim(ctx, key, stored, effect)
			if err == nil {
				return resp, nil
			}
			if !errors.Is(err, apperr.ErrConflictRetry) {
				return Response{}, err
			}
			telemetry.IdempotencyConflicts.Inc()
		}

		if attempt >= c.opts.MaxRetries {
			telemetry.IdempotencyExhausted.Inc()
			c.log.Warnw("idempotency key still in flight", "key", key, "attempts", attempt+1)
			return Response{}, apperr.ErrRetryExhausted
		}
		if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
			return Response{}, err
		}
	}
}

func (c *Coordinator) claim(ctx context.Context, key string, payload json.RawMessage, effect Effect) (Response, error) {
	var resp Response
	err := c.repo.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := c.repo.InsertIdempotencyKey(ctx, key, payload); err != nil {
			return err
		}
		status, body, err := effect(ctx)
		if err != nil {
			return apperr.Wrap(apperr.ErrEffectFailure, err)
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.ErrEffectFailure, err)
		}
		stored, err := c.repo.CompleteIdempotencyKey(ctx, key, status, raw)
		if err != nil {
			return err
		}
		resp = Response{Status: status, Body: stored}
		return nil
	})
	if err != nil {
		return Response{}, apperr.Wrap(apperr.ErrStore, err)
	}
	return resp, nil
}

// backoff doubles per attempt up to BackoffMax and is jittered over its upper half.
func (c *Coordinator) backoff(attempt int) time.Duration {
	wait := time.Duration(float64(c.opts.Backoff) * math.Pow(2, float64(attempt)))
	if wait > c.opts.BackoffMax || wait <= 0 {
		wait = c.opts.BackoffMax
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	return wait/2 + time.Duration(rand.Int63n(half))
}

// normalizePayload keeps JSON as is and stores anything else as a JSON string.
func normalizePayload(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return payload
	}
	raw, _ := json.Marshal(string(payload))
	return raw
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
