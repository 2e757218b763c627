package amqp

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("amqp: connection is closed")
	ErrConnectionNotReady = errors.New("amqp: connection not ready")
	ErrConnectionTimeout  = errors.New("amqp: connection timeout")
	ErrMaxRetriesExceeded = errors.New("amqp: maximum reconnection attempts exceeded")

	// Pool errors
	ErrPoolClosed      = errors.New("amqp: channel pool is closed")
	ErrPoolExhausted   = errors.New("amqp: channel pool exhausted")
	ErrPoolUnavailable = errors.New("amqp: no usable connection available")

	// Publisher errors
	ErrPublishRejected     = errors.New("amqp: message rejected by broker")
	ErrPublishNotConfirmed = errors.New("amqp: publish not confirmed")
	ErrPublishExhausted    = errors.New("amqp: publish retries exhausted")

	// Consumer errors
	ErrConsumerClosed   = errors.New("amqp: consumer is closed")
	ErrDeliveriesClosed = errors.New("amqp: delivery channel closed")

	// General errors
	ErrInvalidConfiguration = errors.New("amqp: invalid configuration")
)

// ConnectionError reports a connection-level failure.
type ConnectionError struct {
	Op        string    // operation that failed
	URL       string    // connection URL (sanitized)
	Err       error     // underlying error
	Timestamp time.Time // when the error occurred
	Attempts  int       // number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("amqp connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("amqp connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRetryable marks connection faults as transient.
func (e *ConnectionError) IsRetryable() bool {
	return !errors.Is(e.Err, ErrMaxRetriesExceeded)
}

// ChannelError reports a channel or pool-level failure.
type ChannelError struct {
	Op        string
	ChannelID string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("amqp channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// IsRetryable classifies pool admission failures as non-retriable: retrying
// into an exhausted or unavailable pool only burns the caller's deadline.
// Plain channel I/O faults stay retryable.
func (e *ChannelError) IsRetryable() bool {
	switch {
	case errors.Is(e.Err, ErrPoolExhausted),
		errors.Is(e.Err, ErrPoolUnavailable),
		errors.Is(e.Err, ErrPoolClosed):
		return false
	}
	return true
}

// PublishError reports a failed publish operation.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Attempts   int
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("amqp publish error: %s/%s failed after %d attempts: %v",
			e.Exchange, e.RoutingKey, e.Attempts, e.Err)
	}
	return fmt.Sprintf("amqp publish error: %s/%s failed: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError reports a consumer loop failure.
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("amqp consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// IsRetryable determines whether an error warrants another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	switch {
	case errors.Is(err, ErrPublishRejected),
		errors.Is(err, ErrInvalidConfiguration):
		return false
	}
	return true
}

// SanitizeURL removes credentials from connection URLs before logging.
func SanitizeURL(url string) string {
	if len(url) > 20 {
		return url[:10] + "***" + url[len(url)-10:]
	}
	return "***"
}
