package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/apperr"
	"orderflow/internal/models"
)

func widget() models.OrderRequest {
	return models.OrderRequest{Product: "widget", Quantity: 2, Price: decimal.RequireFromString("9.99")}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	st := New()
	boom := errors.New("boom")

	err := st.WithinTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, st.InsertIdempotencyKey(ctx, "abc", nil))
		_, err := st.CreateOrder(ctx, widget())
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, found, err := st.GetIdempotencyKey(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, found)
	orders, err := st.ListOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, 1, st.Rollbacks())
}

func TestInsertIdempotencyKeyConflict(t *testing.T) {
	ctx := context.Background()
	st := New()
	require.NoError(t, st.InsertIdempotencyKey(ctx, "abc", nil))

	err := st.InsertIdempotencyKey(ctx, "abc", nil)
	assert.ErrorIs(t, err, apperr.ErrConflictRetry)
}

func TestTransactionSeesOwnWrites(t *testing.T) {
	ctx := context.Background()
	st := New()

	err := st.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := st.InsertIdempotencyKey(ctx, "k", []byte(`{"amount":1}`)); err != nil {
			return err
		}
		rec, found, err := st.GetIdempotencyKey(ctx, "k")
		require.NoError(t, err)
		require.True(t, found)
		assert.False(t, rec.Terminal())

		_, err = st.CompleteIdempotencyKey(ctx, "k", 201, []byte(`{"id":1}`))
		return err
	})
	require.NoError(t, err)

	rec, found, err := st.GetIdempotencyKey(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 201, rec.ResponseStatus)
	assert.JSONEq(t, `{"id":1}`, string(rec.ResponseBody))
}

func TestMarkJobProcessingClaimsOnce(t *testing.T) {
	ctx := context.Background()
	st := New()
	order, err := st.CreateOrder(ctx, widget())
	require.NoError(t, err)
	_, err = st.CreateJob(ctx, "job-1", order.ID)
	require.NoError(t, err)

	job, err := st.MarkJobProcessing(ctx, "job-1", "w1")
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.WorkerID)
	assert.Equal(t, "w1", *job.WorkerID)

	_, err = st.MarkJobProcessing(ctx, "job-1", "w2")
	assert.ErrorIs(t, err, apperr.ErrNotClaimable)
	_, err = st.MarkJobProcessing(ctx, "job-missing", "w2")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStaleQueuedJobs(t *testing.T) {
	ctx := context.Background()
	st := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return base })

	for _, id := range []string{"job-a", "job-b"} {
		order, err := st.CreateOrder(ctx, widget())
		require.NoError(t, err)
		_, err = st.CreateJob(ctx, id, order.ID)
		require.NoError(t, err)
	}
	_, err := st.MarkJobProcessing(ctx, "job-b", "w1")
	require.NoError(t, err)

	stale, err := st.StaleQueuedJobs(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "job-a", stale[0].JobID)
	assert.Equal(t, "widget", stale[0].Product)

	stale, err = st.StaleQueuedJobs(ctx, base, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestFailOn(t *testing.T) {
	ctx := context.Background()
	st := New()
	boom := errors.New("connection refused")
	st.FailOn("CreateOrder", boom)

	_, err := st.CreateOrder(ctx, widget())
	assert.ErrorIs(t, err, boom)

	st.FailOn("CreateOrder", nil)
	_, err = st.CreateOrder(ctx, widget())
	assert.NoError(t, err)
}
