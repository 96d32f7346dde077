package apperrors

import (
	"context"
	"errors"
)

// Standardized exchange errors
var (
	ErrOrderRejected         = errors.New("order rejected")
	ErrOrderNotFound         = errors.New("order not found")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
)

// State store errors
var (
	ErrKeyNotFound     = errors.New("key not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrLockLost        = errors.New("lock lost")
)

// ErrInconsistent marks an invariant violation. The affected entity is
// quarantined; the process keeps serving other entities.
var ErrInconsistent = errors.New("fatal inconsistent state")

// IsTransient reports whether an error should be retried with backoff.
// Deadline expiry counts as transient: the caller cannot know whether the
// far side acted, and the retry path is idempotent by client order ID.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrExchangeMaintenance),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
