package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Job lifecycle states persisted in Postgres.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job tracks one unit of asynchronous work for an order. It references the
// order but does not own it.
type Job struct {
	ID           int64      `json:"id"`
	JobID        string     `json:"job_id"`
	OrderID      int64      `json:"order_id"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	WorkerID     *string    `json:"worker_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// PendingJob is a queued job joined with the order fields a worker needs,
// used to rebuild the queue message without a second read.
type PendingJob struct {
	JobID    string
	OrderID  int64
	Product  string
	Quantity int
	Price    decimal.Decimal
}
