package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderflow/internal/apperr"
	"orderflow/internal/config"
	"orderflow/internal/models"
	"orderflow/internal/queue"
	"orderflow/internal/store/storetest"
)

var (
	_ Repository = (*storetest.Store)(nil)
	_ Broker     = (*queue.RedisQueue)(nil)
)

type fixture struct {
	st    *storetest.Store
	q     *queue.RedisQueue
	calls atomic.Int32
	err   error
	proc  *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{st: storetest.New(), q: queue.New(client, "orders:queue", "orders:queue:dead")}
	cfg := config.Config{WorkerID: "worker-test", QueuePopTimeout: time.Second, WorkerErrorBackoff: 10 * time.Millisecond}
	f.proc = NewProcessor(cfg, f.st, f.q, func(context.Context, queue.Message) error {
		f.calls.Add(1)
		return f.err
	}, zap.NewNop().Sugar())
	return f
}

// seed commits an order with its queued job and returns the job message.
func (f *fixture) seed(t *testing.T, jobID string) queue.Message {
	t.Helper()
	ctx := context.Background()
	var msg queue.Message
	err := f.st.WithinTransaction(ctx, func(ctx context.Context) error {
		order, err := f.st.CreateOrder(ctx, models.OrderRequest{Product: "widget", Quantity: 2, Price: decimal.RequireFromString("9.99")})
		if err != nil {
			return err
		}
		if _, err := f.st.CreateJob(ctx, jobID, order.ID); err != nil {
			return err
		}
		msg = queue.OrderMessage(jobID, order)
		return nil
	})
	require.NoError(t, err)
	return msg
}

func TestProcessCompletesJobAndOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	msg := f.seed(t, "job-1")

	require.NoError(t, f.proc.Process(ctx, msg))

	job, err := f.st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.NotNil(t, job.ProcessedAt)
	require.NotNil(t, job.WorkerID)
	assert.Equal(t, "worker-test", *job.WorkerID)

	order, err := f.st.GetOrder(ctx, msg.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, order.Status)
	assert.NotNil(t, order.ProcessedAt)
}

func TestProcessFailureLeavesOrderPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.err = errors.New("receipt storage unavailable")
	msg := f.seed(t, "job-2")

	err := f.proc.Process(ctx, msg)
	require.ErrorIs(t, err, apperr.ErrEffectFailure)

	job, err := f.st.GetJob(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "receipt storage unavailable", *job.ErrorMessage)

	// Failed jobs do not fail their order; it stays pending.
	order, err := f.st.GetOrder(ctx, msg.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, order.Status)
	assert.Nil(t, order.ProcessedAt)

	dead, err := f.q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "job-2", dead[0].JobID)
	assert.Equal(t, "receipt storage unavailable", dead[0].Error)
}

func TestProcessCompletionIsAtomic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.st.FailOn("MarkJobCompleted", errors.New("connection reset"))
	msg := f.seed(t, "job-3")

	require.ErrorIs(t, f.proc.Process(ctx, msg), apperr.ErrEffectFailure)

	order, err := f.st.GetOrder(ctx, msg.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, order.Status, "order update rolled back with the job update")

	job, err := f.st.GetJob(ctx, "job-3")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
}

func TestProcessSkipsRedelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	msg := f.seed(t, "job-4")

	require.NoError(t, f.proc.Process(ctx, msg))
	require.NoError(t, f.proc.Process(ctx, msg))

	assert.Equal(t, int32(1), f.calls.Load())
	job, err := f.st.GetJob(ctx, "job-4")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestProcessUnknownJobIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.proc.Process(ctx, queue.Message{JobID: "job-missing", OrderID: 99}))
	assert.Zero(t, f.calls.Load())

	n, err := f.q.DLQDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProcessClaimFailureKeepsJobQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	msg := f.seed(t, "job-5")
	f.st.FailOn("MarkJobProcessing", errors.New("too many connections"))

	require.ErrorIs(t, f.proc.Process(ctx, msg), apperr.ErrStore)
	assert.Zero(t, f.calls.Load())

	job, err := f.st.GetJob(ctx, "job-5")
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	f := newFixture(t)
	msg := f.seed(t, "job-6")
	require.NoError(t, f.q.Push(context.Background(), msg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.proc.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := f.st.GetJob(context.Background(), "job-6")
		return err == nil && job.Status == models.JobCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker loop did not stop after cancel")
	}
}

// flakyBroker fails its first pops, then serves queued messages.
type flakyBroker struct {
	mu       sync.Mutex
	failures int
	msgs     []queue.Message
	dead     []queue.Message
}

func (b *flakyBroker) Pop(ctx context.Context, _ time.Duration) (queue.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return queue.Message{}, errors.New("dial tcp: connection refused")
	}
	if len(b.msgs) == 0 {
		b.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Millisecond):
		}
		b.mu.Lock()
		return queue.Message{}, queue.ErrEmpty
	}
	msg := b.msgs[0]
	b.msgs = b.msgs[1:]
	return msg, nil
}

func (b *flakyBroker) DeadLetter(_ context.Context, msg queue.Message, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = append(b.dead, msg)
	return nil
}

func (b *flakyBroker) Depth(context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.msgs)), nil
}

func TestRunSurvivesBrokerErrors(t *testing.T) {
	f := newFixture(t)
	msg := f.seed(t, "job-7")
	broker := &flakyBroker{failures: 3, msgs: []queue.Message{msg}}
	cfg := config.Config{WorkerID: "worker-test", QueuePopTimeout: time.Second, WorkerErrorBackoff: time.Millisecond}
	proc := NewProcessor(cfg, f.st, broker, func(context.Context, queue.Message) error { return nil }, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proc.RunN(ctx, 2)

	require.Eventually(t, func() bool {
		job, err := f.st.GetJob(context.Background(), "job-7")
		return err == nil && job.Status == models.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
