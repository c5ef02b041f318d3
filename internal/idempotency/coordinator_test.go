package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderflow/internal/apperr"
	"orderflow/internal/models"
	"orderflow/internal/store/storetest"
)

var _ Repository = (*storetest.Store)(nil)

func newCoordinator(repo Repository, retries int) *Coordinator {
	return NewCoordinator(repo, Options{MaxRetries: retries, Backoff: time.Millisecond, BackoffMax: 5 * time.Millisecond}, zap.NewNop().Sugar())
}

func paymentEffect(st *storetest.Store, amount string) Effect {
	return func(ctx context.Context) (int, any, error) {
		p, err := st.CreatePayment(ctx, models.Payment{
			Amount:   decimal.RequireFromString(amount),
			Currency: "USD",
			Status:   models.PaymentCompleted,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, p, nil
	}
}

func TestExecuteReplaysStoredResponse(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	c := newCoordinator(st, 3)

	first, err := c.Execute(ctx, "abc", []byte(`{"amount":100}`), paymentEffect(st, "100"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, first.Status)
	assert.False(t, first.Replayed)

	second, err := c.Execute(ctx, "abc", []byte(`{"amount":999}`), paymentEffect(st, "999"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, string(first.Body), string(second.Body))

	payments, err := st.ListPayments(ctx)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.True(t, payments[0].Amount.Equal(decimal.NewFromInt(100)))
}

func TestExecuteConcurrentCallersShareOneEffect(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	c := newCoordinator(st, 10)

	const n = 20
	responses := make([]Response, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = c.Execute(ctx, "race", []byte(`{"amount":5}`), paymentEffect(st, "5"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, http.StatusCreated, responses[i].Status)
		assert.Equal(t, string(responses[0].Body), string(responses[i].Body))
	}
	payments, err := st.ListPayments(ctx)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestExecuteRequiresKey(t *testing.T) {
	st := storetest.New()
	c := newCoordinator(st, 3)

	_, err := c.Execute(context.Background(), "", []byte(`{}`), paymentEffect(st, "1"))
	assert.ErrorIs(t, err, apperr.ErrMissingKey)

	payments, _ := st.ListPayments(context.Background())
	assert.Empty(t, payments)
}

func TestExecuteFailureDoesNotPoisonKey(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	c := newCoordinator(st, 3)
	boom := errors.New("disk full")

	_, err := c.Execute(ctx, "k1", nil, func(context.Context) (int, any, error) { return 0, nil, boom })
	require.ErrorIs(t, err, apperr.ErrEffectFailure)
	require.ErrorIs(t, err, boom)

	_, found, err := st.GetIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found, "placeholder rolled back with the effect")

	resp, err := c.Execute(ctx, "k1", nil, paymentEffect(st, "10"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
}

func TestExecuteStoreFailureIsStoreError(t *testing.T) {
	st := storetest.New()
	st.FailOn("CompleteIdempotencyKey", errors.New("connection reset"))
	c := newCoordinator(st, 3)

	_, err := c.Execute(context.Background(), "k2", nil, paymentEffect(st, "10"))
	require.ErrorIs(t, err, apperr.ErrStore)

	payments, _ := st.ListPayments(context.Background())
	assert.Empty(t, payments, "effect rolled back with the key")
}

func TestExecuteInvalidRequestPassesThrough(t *testing.T) {
	st := storetest.New()
	c := newCoordinator(st, 3)

	_, err := c.Execute(context.Background(), "k3", nil, func(context.Context) (int, any, error) {
		return 0, nil, apperr.Invalid("amount must be positive")
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
	assert.NotErrorIs(t, err, apperr.ErrStore)
}

// inFlightRepo reports a key another caller never finishes.
type inFlightRepo struct {
	lookups int
}

func (r *inFlightRepo) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (r *inFlightRepo) GetIdempotencyKey(context.Context, string) (models.IdempotencyKey, bool, error) {
	r.lookups++
	return models.IdempotencyKey{Key: "stuck", ResponseStatus: models.InFlightStatus}, true, nil
}

func (r *inFlightRepo) InsertIdempotencyKey(context.Context, string, json.RawMessage) error {
	return apperr.ErrConflictRetry
}

func (r *inFlightRepo) CompleteIdempotencyKey(context.Context, string, int, json.RawMessage) (json.RawMessage, error) {
	return nil, errors.New("unexpected call")
}

func TestExecuteRetryExhausted(t *testing.T) {
	repo := &inFlightRepo{}
	c := newCoordinator(repo, 3)
	var waits []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := c.Execute(context.Background(), "stuck", nil, func(context.Context) (int, any, error) {
		t.Fatal("effect must not run while another caller holds the key")
		return 0, nil, nil
	})
	require.ErrorIs(t, err, apperr.ErrRetryExhausted)
	assert.Equal(t, 4, repo.lookups)
	assert.Len(t, waits, 3)
	assert.Equal(t, 500, apperr.HTTPStatus(err))
}

func TestExecuteStopsWaitingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewCoordinator(&inFlightRepo{}, Options{MaxRetries: 5, Backoff: time.Hour}, zap.NewNop().Sugar())

	_, err := c.Execute(ctx, "stuck", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffIsCapped(t *testing.T) {
	c := newCoordinator(storetest.New(), 3)
	for attempt := 0; attempt < 20; attempt++ {
		d := c.backoff(attempt)
		assert.GreaterOrEqual(t, d, c.opts.Backoff/2)
		assert.LessOrEqual(t, d, c.opts.BackoffMax)
	}
}

func TestNormalizePayload(t *testing.T) {
	assert.Nil(t, normalizePayload(nil))
	assert.JSONEq(t, `{"amount":1}`, string(normalizePayload([]byte(`{"amount":1}`))))
	assert.Equal(t, `"amount=1"`, string(normalizePayload([]byte(`amount=1`))))
}
