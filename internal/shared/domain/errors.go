package domain

import (
	"errors"
	"fmt"
)

// Error kinds shared by every bounded context. Concrete errors wrap one of
// these together with their cause, so callers classify with errors.Is and
// still see the underlying failure.
var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks a lost uniqueness race, e.g. a taken slot.
	ErrConflict = errors.New("conflict")
	// ErrTransient marks failures that may succeed on retry.
	ErrTransient = errors.New("transient failure")
	// ErrBreakerOpen marks a call rejected by an open circuit breaker.
	ErrBreakerOpen = errors.New("circuit breaker open")
	// ErrTerminalDelivery marks a notification whose retries are exhausted.
	ErrTerminalDelivery = errors.New("delivery permanently failed")
	// ErrStorage marks a persistence failure.
	ErrStorage = errors.New("storage failure")
	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("not found")
)

// Validationf builds an ErrValidation error with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// StorageError wraps a persistence failure under ErrStorage.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// TransientStorageError wraps a persistence failure the caller may retry.
func TransientStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w: %w", op, ErrTransient, ErrStorage, err)
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
