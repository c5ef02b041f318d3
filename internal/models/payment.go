package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentCompleted is the only status a stored payment reaches.
const PaymentCompleted = "completed"

// DefaultCurrency applies when a payment request omits currency.
const DefaultCurrency = "USD"

type Payment struct {
	ID          int64           `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PaymentRequest is the body of POST /pay.
type PaymentRequest struct {
	Amount      decimal.Decimal `json:"amount" validate:"positive,cents,intdigits=16"`
	Currency    string          `json:"currency" validate:"omitempty,len=3,alpha"`
	Description string          `json:"description" validate:"max=1024"`
}
