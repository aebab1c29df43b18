/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package resilience

import (
	"fmt"
	"time"
)

// OpenError is returned when a call is rejected because the circuit breaker
// is open (or a half-open probe is already in flight).
type OpenError struct {
	// RetryAfter tells how long to wait until the breaker next allows a probe.
	// Zero when the blocking probe may settle at any moment.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker is open, retry after %s", e.RetryAfter)
	}
	return "circuit breaker is open"
}

// ExhaustedError is returned when all retry attempts have failed.
type ExhaustedError struct {
	Attempts int
	Inner    error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %s", e.Attempts, e.Inner.Error())
}

// Unwrap returns the last underlying error.
func (e *ExhaustedError) Unwrap() error {
	return e.Inner
}
