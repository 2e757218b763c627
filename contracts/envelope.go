package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Content types understood by the codec.
const (
	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeJSON        = "application/json"
)

// Envelope wraps an opaque payload for transport across the broker.
// It carries the correlation identifier that joins a published request
// to its eventual reply. An envelope is immutable once constructed.
type Envelope struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlationId"`
	ReplyTo       string            `json:"replyTo,omitempty"`
	ContentType   string            `json:"contentType"`
	Timestamp     time.Time         `json:"timestamp"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       []byte            `json:"payload"`
}

// NewEnvelope builds a request envelope around an opaque payload.
func NewEnvelope(correlationID, replyTo string, payload []byte) *Envelope {
	return &Envelope{
		ID:            uuid.New().String(),
		CorrelationID: correlationID,
		ReplyTo:       replyTo,
		ContentType:   ContentTypeOctetStream,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// NewReplyEnvelope builds a reply envelope correlated to a request.
// Replies carry no reply-to destination.
func NewReplyEnvelope(correlationID string, payload []byte) *Envelope {
	return &Envelope{
		ID:            uuid.New().String(),
		CorrelationID: correlationID,
		ContentType:   ContentTypeOctetStream,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// KnownContentType reports whether the codec can handle the given tag.
func KnownContentType(ct string) bool {
	switch ct {
	case ContentTypeOctetStream, ContentTypeJSON:
		return true
	}
	return false
}
