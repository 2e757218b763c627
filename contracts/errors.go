package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCorrelationID indicates an envelope without a correlation identifier.
	ErrMissingCorrelationID = errors.New("contracts: missing correlation id")

	// ErrUnknownContentType indicates an envelope with an unrecognized content-type tag.
	ErrUnknownContentType = errors.New("contracts: unknown content type")
)

// DecodeError reports a failure to decode wire bytes into an envelope.
// Callers must not assume a correlation id is recoverable from a failed
// decode; the message is logged and dropped.
type DecodeError struct {
	Reason string // what was wrong with the bytes
	Err    error  // underlying error, if any
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("contracts decode error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("contracts decode error: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsRetryable marks decode failures as non-retriable: the bytes will not
// become well-formed on a second attempt.
func (e *DecodeError) IsRetryable() bool {
	return false
}
