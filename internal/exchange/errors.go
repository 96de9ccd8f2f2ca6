package exchange

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, rate limits,
	// unavailable upstreams and unclassified exchange errors.
	ErrTransient = errors.New("transient exchange error")
	// ErrOrderRejected marks deterministic refusals such as insufficient
	// balance or a quantity outside the exchange filters.
	ErrOrderRejected = errors.New("order rejected by exchange")
	// ErrOrderNotFound means the exchange has no order under the client
	// order id that was looked up.
	ErrOrderNotFound = errors.New("order not found")
)

// APIError carries the status and code an exchange returned.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	Rejected   bool
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange error %d (code=%d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange error %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Rejected {
		return ErrOrderRejected
	}
	return ErrTransient
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsRetryable reports whether err is worth another attempt. Anything the
// exchange did not explicitly reject counts as transient.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !errors.Is(err, ErrOrderRejected) && !errors.Is(err, ErrOrderNotFound)
}
