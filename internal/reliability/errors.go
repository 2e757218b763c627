package reliability

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownState indicates a circuit breaker in an impossible state.
var ErrUnknownState = errors.New("reliability: unknown circuit breaker state")

// CircuitBreakerError is returned when the circuit rejects an execution.
type CircuitBreakerError struct {
	State       State
	Failures    int
	LastFailure time.Time
	NextRetry   time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("reliability: circuit breaker %s after %d failures, next retry at %s",
		e.State, e.Failures, e.NextRetry.Format(time.RFC3339))
}

// IsRetryable marks circuit rejections as non-retriable for the retry
// policies: retrying into an open circuit only burns the deadline window.
func (e *CircuitBreakerError) IsRetryable() bool {
	return false
}
