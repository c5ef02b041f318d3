package models

import (
	"encoding/json"
	"time"
)

// InFlightStatus is the response_status of a claimed key whose effect has not finished.
const InFlightStatus = 0

// IdempotencyKey is the stored answer for a client-supplied idempotency key.
type IdempotencyKey struct {
	ID             int64           `json:"id"`
	Key            string          `json:"key"`
	RequestPayload json.RawMessage `json:"request_payload,omitempty"`
	ResponseStatus int             `json:"response_status"`
	ResponseBody   json.RawMessage `json:"response_body,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Terminal reports whether the key holds a final, replayable response.
func (k IdempotencyKey) Terminal() bool {
	return k.ResponseStatus > InFlightStatus
}
