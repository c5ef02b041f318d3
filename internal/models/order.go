package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order lifecycle states.
const (
	OrderPending   = "pending"
	OrderCompleted = "completed"
)

// Order is the domain entity accepted by the producer and finished by the worker.
type Order struct {
	ID          int64           `json:"id"`
	Product     string          `json:"product"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// OrderRequest is the body of POST /orders.
type OrderRequest struct {
	Product  string          `json:"product" validate:"required,max=255"`
	Quantity int             `json:"quantity" validate:"required,min=1,max=2147483647"`
	Price    decimal.Decimal `json:"price" validate:"positive,cents,intdigits=10"`
}

// BatchOrderRequest is the body of POST /orders/batch.
type BatchOrderRequest struct {
	Orders []OrderRequest `json:"orders" validate:"required,min=1,dive"`
}
