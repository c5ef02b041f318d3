// Package apperr defines the error kinds shared by the producer, the
// idempotency coordinator and the worker, and how they surface over HTTP.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidRequest marks malformed or semantically invalid input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrMissingKey is returned when no idempotency key accompanies an effectful request.
	ErrMissingKey = errors.New("missing Idempotency-Key header")
	// ErrConflictRetry means another caller holds the idempotency key; resolved by retrying.
	ErrConflictRetry = errors.New("idempotency key claimed by a concurrent request")
	// ErrRetryExhausted means an idempotency race did not settle within the retry budget.
	ErrRetryExhausted = errors.New("idempotency key still in flight after retries")
	// ErrStore covers transaction and connection failures of the record store.
	ErrStore = errors.New("store error")
	// ErrEffectFailure marks a failed unit of work.
	ErrEffectFailure = errors.New("effect failed")
	// ErrNotFound is returned by point lookups that match no row.
	ErrNotFound = errors.New("not found")
	// ErrNotClaimable is returned when a job is no longer in the queued state.
	ErrNotClaimable = errors.New("job not claimable")
)

var kinds = []error{
	ErrInvalidRequest,
	ErrMissingKey,
	ErrConflictRetry,
	ErrRetryExhausted,
	ErrStore,
	ErrEffectFailure,
	ErrNotFound,
	ErrNotClaimable,
}

// Classified reports whether err already carries one of the package kinds.
func Classified(err error) bool {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

// Wrap tags err with kind unless it is nil, already classified, or a context error.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	if Classified(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Invalid builds an ErrInvalidRequest with a caller-facing message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// HTTPStatus maps an error onto the response status the API reports.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrMissingKey):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
