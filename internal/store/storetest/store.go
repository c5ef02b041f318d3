// Package storetest provides an in-memory, transactional stand-in for the
// Postgres store. Transactions are serialized and work on a private copy of
// the data that replaces the shared copy on commit.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"orderflow/internal/apperr"
	"orderflow/internal/models"
)

type data struct {
	payments []models.Payment
	keys     []models.IdempotencyKey
	orders   []models.Order
	jobs     []models.Job
}

func (d *data) clone() *data {
	out := &data{
		payments: append([]models.Payment(nil), d.payments...),
		keys:     make([]models.IdempotencyKey, len(d.keys)),
		orders:   make([]models.Order, len(d.orders)),
		jobs:     make([]models.Job, len(d.jobs)),
	}
	copy(out.keys, d.keys)
	copy(out.orders, d.orders)
	for i, j := range d.jobs {
		out.jobs[i] = cloneJob(j)
	}
	return out
}

// Store is safe for concurrent use.
type Store struct {
	txMu sync.Mutex // held for the lifetime of a transaction

	mu     sync.Mutex
	state  *data
	nextID map[string]int64
	fail   map[string]error
	now    func() time.Time

	commits   int
	rollbacks int
}

type txKey struct{}

type tx struct {
	state *data
}

// New returns an empty store using the wall clock.
func New() *Store {
	return &Store{
		state:  &data{},
		nextID: map[string]int64{},
		fail:   map[string]error{},
		now:    time.Now,
	}
}

// SetClock replaces the time source used for created_at/updated_at stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailOn makes every call to the named method return err. A nil err clears it.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, method)
		return
	}
	s.fail[method] = err
}

// Commits and Rollbacks count finished transactions.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *Store) Rollbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks
}

func (s *Store) Ping(context.Context) error {
	return s.injected("Ping")
}

func (s *Store) injected(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[method]; err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// WithinTransaction mirrors store.Store.WithinTransaction: nested calls join
// the outer transaction, errors discard every write made inside fn.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(ctx)
	}
	if err := s.injected("Begin"); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	t := &tx{state: s.state.clone()}
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		s.mu.Lock()
		s.rollbacks++
		s.mu.Unlock()
		return err
	}
	if err := s.injected("Commit"); err != nil {
		s.mu.Lock()
		s.rollbacks++
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.state = t.state
	s.commits++
	s.mu.Unlock()
	return nil
}

// write runs fn against the transaction in ctx, or as a single-statement
// transaction of its own.
func (s *Store) write(ctx context.Context, method string, fn func(d *data, now time.Time) error) error {
	if err := s.injected(method); err != nil {
		return err
	}
	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(t.state, s.clock())
	}
	return s.WithinTransaction(ctx, func(ctx context.Context) error {
		return fn(ctx.Value(txKey{}).(*tx).state, s.clock())
	})
}

// read runs fn against the transaction's view or the committed data.
func (s *Store) read(ctx context.Context, method string, fn func(d *data)) error {
	if err := s.injected(method); err != nil {
		return err
	}
	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		fn(t.state)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
	return nil
}

func (s *Store) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().UTC()
}

func (s *Store) id(table string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID[table]++
	return s.nextID[table]
}

func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (models.IdempotencyKey, bool, error) {
	var rec models.IdempotencyKey
	var found bool
	err := s.read(ctx, "GetIdempotencyKey", func(d *data) {
		for _, k := range d.keys {
			if k.Key == key {
				rec, found = k, true
				return
			}
		}
	})
	return rec, found, err
}

func (s *Store) InsertIdempotencyKey(ctx context.Context, key string, payload json.RawMessage) error {
	return s.write(ctx, "InsertIdempotencyKey", func(d *data, now time.Time) error {
		s.mu.Lock()
		committed := s.state
		s.mu.Unlock()
		for _, set := range [][]models.IdempotencyKey{d.keys, committed.keys} {
			for _, k := range set {
				if k.Key == key {
					return fmt.Errorf("insert idempotency key %q: %w", key, apperr.ErrConflictRetry)
				}
			}
		}
		d.keys = append(d.keys, models.IdempotencyKey{
			ID:             s.id("idempotency_keys"),
			Key:            key,
			RequestPayload: append(json.RawMessage(nil), payload...),
			ResponseStatus: models.InFlightStatus,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		return nil
	})
}

func (s *Store) CompleteIdempotencyKey(ctx context.Context, key string, status int, body json.RawMessage) (json.RawMessage, error) {
	var stored json.RawMessage
	err := s.write(ctx, "CompleteIdempotencyKey", func(d *data, now time.Time) error {
		for i := range d.keys {
			if d.keys[i].Key == key {
				d.keys[i].ResponseStatus = status
				d.keys[i].ResponseBody = append(json.RawMessage(nil), body...)
				d.keys[i].UpdatedAt = now
				stored = d.keys[i].ResponseBody
				return nil
			}
		}
		return fmt.Errorf("complete idempotency key %q: %w", key, apperr.ErrNotFound)
	})
	return stored, err
}

func (s *Store) ListIdempotencyKeys(ctx context.Context) ([]models.IdempotencyKey, error) {
	out := []models.IdempotencyKey{}
	err := s.read(ctx, "ListIdempotencyKeys", func(d *data) {
		out = append(out, d.keys...)
	})
	return out, err
}

func (s *Store) CreatePayment(ctx context.Context, p models.Payment) (models.Payment, error) {
	err := s.write(ctx, "CreatePayment", func(d *data, now time.Time) error {
		p.ID = s.id("payments")
		p.CreatedAt = now
		d.payments = append(d.payments, p)
		return nil
	})
	if err != nil {
		return models.Payment{}, err
	}
	return p, nil
}

func (s *Store) ListPayments(ctx context.Context) ([]models.Payment, error) {
	out := []models.Payment{}
	err := s.read(ctx, "ListPayments", func(d *data) {
		out = append(out, d.payments...)
	})
	return out, err
}

func (s *Store) CreateOrder(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	var o models.Order
	err := s.write(ctx, "CreateOrder", func(d *data, now time.Time) error {
		o = models.Order{
			ID:        s.id("orders"),
			Product:   req.Product,
			Quantity:  req.Quantity,
			Price:     req.Price,
			Status:    models.OrderPending,
			CreatedAt: now,
		}
		d.orders = append(d.orders, o)
		return nil
	})
	if err != nil {
		return models.Order{}, err
	}
	return o, nil
}

func (s *Store) CompleteOrder(ctx context.Context, id int64) error {
	return s.write(ctx, "CompleteOrder", func(d *data, now time.Time) error {
		for i := range d.orders {
			if d.orders[i].ID == id {
				d.orders[i].Status = models.OrderCompleted
				d.orders[i].ProcessedAt = &now
				return nil
			}
		}
		return fmt.Errorf("complete order %d: %w", id, apperr.ErrNotFound)
	})
}

func (s *Store) GetOrder(ctx context.Context, id int64) (models.Order, error) {
	var o models.Order
	var found bool
	err := s.read(ctx, "GetOrder", func(d *data) {
		for _, cur := range d.orders {
			if cur.ID == id {
				o, found = cur, true
				return
			}
		}
	})
	if err != nil {
		return models.Order{}, err
	}
	if !found {
		return models.Order{}, fmt.Errorf("order %d: %w", id, apperr.ErrNotFound)
	}
	return o, nil
}

func (s *Store) ListOrders(ctx context.Context) ([]models.Order, error) {
	out := []models.Order{}
	err := s.read(ctx, "ListOrders", func(d *data) {
		out = append(out, d.orders...)
	})
	return out, err
}

func (s *Store) CreateJob(ctx context.Context, jobID string, orderID int64) (models.Job, error) {
	var j models.Job
	err := s.write(ctx, "CreateJob", func(d *data, now time.Time) error {
		for _, cur := range d.jobs {
			if cur.JobID == jobID {
				return fmt.Errorf("insert job %s: duplicate job_id", jobID)
			}
		}
		if !hasOrder(d, orderID) {
			return fmt.Errorf("insert job %s: order %d does not exist", jobID, orderID)
		}
		j = models.Job{
			ID:        s.id("jobs"),
			JobID:     jobID,
			OrderID:   orderID,
			Status:    models.JobQueued,
			CreatedAt: now,
			UpdatedAt: now,
		}
		d.jobs = append(d.jobs, j)
		return nil
	})
	if err != nil {
		return models.Job{}, err
	}
	return cloneJob(j), nil
}

func (s *Store) MarkJobProcessing(ctx context.Context, jobID, workerID string) (models.Job, error) {
	var j models.Job
	err := s.write(ctx, "MarkJobProcessing", func(d *data, now time.Time) error {
		cur := findJob(d, jobID)
		if cur == nil {
			return fmt.Errorf("job %s: %w", jobID, apperr.ErrNotFound)
		}
		if cur.Status != models.JobQueued {
			return fmt.Errorf("job %s is %s: %w", jobID, cur.Status, apperr.ErrNotClaimable)
		}
		cur.Status = models.JobProcessing
		cur.Attempts++
		w := workerID
		cur.WorkerID = &w
		cur.UpdatedAt = now
		j = cloneJob(*cur)
		return nil
	})
	return j, err
}

func (s *Store) MarkJobCompleted(ctx context.Context, jobID string) error {
	return s.write(ctx, "MarkJobCompleted", func(d *data, now time.Time) error {
		cur := findJob(d, jobID)
		if cur == nil {
			return fmt.Errorf("job %s: %w", jobID, apperr.ErrNotFound)
		}
		cur.Status = models.JobCompleted
		cur.ErrorMessage = nil
		cur.ProcessedAt = &now
		cur.UpdatedAt = now
		return nil
	})
}

func (s *Store) MarkJobFailed(ctx context.Context, jobID, message string) error {
	return s.write(ctx, "MarkJobFailed", func(d *data, now time.Time) error {
		cur := findJob(d, jobID)
		if cur == nil {
			return fmt.Errorf("job %s: %w", jobID, apperr.ErrNotFound)
		}
		cur.Status = models.JobFailed
		cur.ErrorMessage = &message
		cur.ProcessedAt = &now
		cur.UpdatedAt = now
		return nil
	})
}

func (s *Store) TouchJob(ctx context.Context, jobID string) error {
	return s.write(ctx, "TouchJob", func(d *data, now time.Time) error {
		cur := findJob(d, jobID)
		if cur == nil {
			return fmt.Errorf("job %s: %w", jobID, apperr.ErrNotFound)
		}
		cur.UpdatedAt = now
		return nil
	})
}

func (s *Store) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	var j models.Job
	var found bool
	err := s.read(ctx, "GetJob", func(d *data) {
		if cur := findJob(d, jobID); cur != nil {
			j, found = cloneJob(*cur), true
		}
	})
	if err != nil {
		return models.Job{}, err
	}
	if !found {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, apperr.ErrNotFound)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context) ([]models.Job, error) {
	out := []models.Job{}
	err := s.read(ctx, "ListJobs", func(d *data) {
		for _, j := range d.jobs {
			out = append(out, cloneJob(j))
		}
	})
	return out, err
}

func (s *Store) StaleQueuedJobs(ctx context.Context, before time.Time, limit int) ([]models.PendingJob, error) {
	var out []models.PendingJob
	err := s.read(ctx, "StaleQueuedJobs", func(d *data) {
		for _, j := range d.jobs {
			if len(out) >= limit {
				return
			}
			if j.Status != models.JobQueued || !j.UpdatedAt.Before(before) {
				continue
			}
			for _, o := range d.orders {
				if o.ID == j.OrderID {
					out = append(out, models.PendingJob{
						JobID:    j.JobID,
						OrderID:  o.ID,
						Product:  o.Product,
						Quantity: o.Quantity,
						Price:    o.Price,
					})
					break
				}
			}
		}
	})
	return out, err
}

func findJob(d *data, jobID string) *models.Job {
	for i := range d.jobs {
		if d.jobs[i].JobID == jobID {
			return &d.jobs[i]
		}
	}
	return nil
}

func hasOrder(d *data, id int64) bool {
	for _, o := range d.orders {
		if o.ID == id {
			return true
		}
	}
	return false
}

func cloneJob(j models.Job) models.Job {
	if j.ErrorMessage != nil {
		v := *j.ErrorMessage
		j.ErrorMessage = &v
	}
	if j.WorkerID != nil {
		v := *j.WorkerID
		j.WorkerID = &v
	}
	if j.ProcessedAt != nil {
		v := *j.ProcessedAt
		j.ProcessedAt = &v
	}
	return j
}
