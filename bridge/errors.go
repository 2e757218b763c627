package bridge

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failed call for callers that map failures onto a
// transport status surface.
type Kind int

const (
	// KindInternal covers failures with no more specific classification.
	KindInternal Kind = iota
	// KindTimeout means no reply arrived before the call deadline.
	KindTimeout
	// KindPublishFailed means the request never reached the broker, or the
	// broker refused it.
	KindPublishFailed
	// KindPoolUnavailable means the broker connection was down or degraded
	// and the call was rejected before publishing.
	KindPoolUnavailable
	// KindTooManyInFlight means the bridge's in-flight admission cap was hit.
	KindTooManyInFlight
	// KindCancelled means the caller's context ended the wait.
	KindCancelled
	// KindClosed means the bridge was shutting down.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindPublishFailed:
		return "PublishFailed"
	case KindPoolUnavailable:
		return "PoolUnavailable"
	case KindTooManyInFlight:
		return "TooManyInFlight"
	case KindCancelled:
		return "Cancelled"
	case KindClosed:
		return "Closed"
	default:
		return "Internal"
	}
}

// Error is the failure type returned by Call. The correlation id is carried
// so callers and logs can join a failed call to broker-side traces.
type Error struct {
	Kind          Kind
	CorrelationID string
	Err           error
	Timestamp     time.Time
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bridge: %s (correlationId=%s): %v", e.Kind, e.CorrelationID, e.Err)
	}
	return fmt.Sprintf("bridge: %s (correlationId=%s)", e.Kind, e.CorrelationID)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, correlationID string, err error) *Error {
	return &Error{
		Kind:          kind,
		CorrelationID: correlationID,
		Err:           err,
		Timestamp:     time.Now(),
	}
}

// KindOf extracts the classification from an error returned by Call.
// Anything that is not a bridge error maps to Internal.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}
