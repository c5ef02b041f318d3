package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"orderflow/internal/apperr"
	"orderflow/internal/config"
	"orderflow/internal/models"
	"orderflow/internal/payments"
	"orderflow/internal/producer"
	"orderflow/internal/queue"
	"orderflow/internal/ratelimit"
	"orderflow/internal/telemetry"
)

// IdempotencyKeyHeader carries the client's key on POST /pay.
const IdempotencyKeyHeader = "Idempotency-Key"

// ReplayedHeader marks a response served from a stored idempotency key.
const ReplayedHeader = "Idempotent-Replayed"

// Store is the read side of the record store used by the listing endpoints.
type Store interface {
	Ping(ctx context.Context) error
	ListIdempotencyKeys(ctx context.Context) ([]models.IdempotencyKey, error)
	ListOrders(ctx context.Context) ([]models.Order, error)
	GetOrder(ctx context.Context, id int64) (models.Order, error)
	ListJobs(ctx context.Context) ([]models.Job, error)
	GetJob(ctx context.Context, jobID string) (models.Job, error)
}

// Queue is the broker surface the API reads.
type Queue interface {
	Ping(ctx context.Context) error
	DLQPeek(ctx context.Context, count int64) ([]queue.DeadLetter, error)
}

// Server wires HTTP handlers for payments and orders.
type Server struct {
	store    Store
	queue    Queue
	payments *payments.Service
	producer *producer.Producer
	limiter  *ratelimit.TokenBucket
	maxBody  int64
	log      *zap.SugaredLogger
}

// New constructs the API server. A nil limiter disables rate limiting.
func New(cfg config.Config, st Store, q Queue, pay *payments.Service, prod *producer.Producer, limiter *ratelimit.TokenBucket, log *zap.SugaredLogger) *Server {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Server{
		store:    st,
		queue:    q,
		payments: pay,
		producer: prod,
		limiter:  limiter,
		maxBody:  maxBody,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(ratelimit.Middleware(s.limiter, s.log))
		}
		r.Post("/pay", s.handlePay)
		r.Post("/orders", s.handleCreateOrder)
		r.Post("/orders/batch", s.handleCreateBatch)
	})

	r.Get("/payments", s.handleListPayments)
	r.Get("/idempotency-keys", s.handleListKeys)
	r.Get("/orders", s.handleListOrders)
	r.Get("/orders/{id}", s.handleGetOrder)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{jobId}", s.handleGetJob)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(IdempotencyKeyHeader)
	if key == "" {
		s.writeError(w, r, apperr.ErrMissingKey)
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.payments.Pay(r.Context(), key, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if resp.Replayed {
		w.Header().Set(ReplayedHeader, "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	out, err := s.payments.List(r.Context())
	s.respond(w, r, out, err)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListIdempotencyKeys(r.Context())
	s.respond(w, r, out, apperr.Wrap(apperr.ErrStore, err))
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req models.OrderRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	acc, err := s.producer.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acc)
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req models.BatchOrderRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	accepted, err := s.producer.SubmitBatch(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"orders": accepted})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListOrders(r.Context())
	s.respond(w, r, out, apperr.Wrap(apperr.ErrStore, err))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, apperr.Invalid("order id must be a positive integer"))
		return
	}
	out, err := s.store.GetOrder(r.Context(), id)
	s.respond(w, r, out, apperr.Wrap(apperr.ErrStore, err))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListJobs(r.Context())
	s.respond(w, r, out, apperr.Wrap(apperr.ErrStore, err))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.GetJob(r.Context(), chi.URLParam(r, "jobId"))
	s.respond(w, r, out, apperr.Wrap(apperr.ErrStore, err))
}

// handleDLQ returns the oldest dead letters.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			s.writeError(w, r, apperr.Invalid("limit must be a positive integer"))
			return
		}
		limit = n
	}
	items, err := s.queue.DLQPeek(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"postgres": "ok", "redis": "ok"}
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status["postgres"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := s.queue.Ping(r.Context()); err != nil {
		status["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// readBody reads the full request body before any store work begins.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.Invalid("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, apperr.Invalid("read body: %v", err)
	}
	return body, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := s.readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.Invalid("invalid json: %v", err)
	}
	return nil
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		s.log.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
