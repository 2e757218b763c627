package serialization

import (
	"bytes"
	"encoding/json"

	"github.com/kvist-io/qbridge/contracts"
)

// Codec serializes envelopes to wire bytes and back. Implementations must
// be side-effect free and safe for concurrent use.
type Codec interface {
	Encode(env *contracts.Envelope) ([]byte, error)
	Decode(data []byte) (*contracts.Envelope, error)
}

// JSONCodec is the default codec. The envelope frame is JSON; the payload
// inside it stays opaque bytes.
type JSONCodec struct{}

// NewJSONCodec creates the default envelope codec.
func NewJSONCodec() JSONCodec {
	return JSONCodec{}
}

// Encode serializes an envelope. Envelopes missing a correlation id or
// carrying an unknown content type are rejected before they reach the wire.
func (JSONCodec) Encode(env *contracts.Envelope) ([]byte, error) {
	if env == nil {
		return nil, &contracts.DecodeError{Reason: "nil envelope"}
	}
	if env.CorrelationID == "" {
		return nil, &contracts.DecodeError{Reason: "encode rejected", Err: contracts.ErrMissingCorrelationID}
	}
	if !contracts.KnownContentType(env.ContentType) {
		return nil, &contracts.DecodeError{Reason: "encode rejected", Err: contracts.ErrUnknownContentType}
	}
	return json.Marshal(env)
}

// Decode parses wire bytes into an envelope. Malformed or truncated bytes,
// a missing correlation id, and unknown content-type tags all fail with a
// DecodeError.
func (JSONCodec) Decode(data []byte) (*contracts.Envelope, error) {
	if len(data) == 0 {
		return nil, &contracts.DecodeError{Reason: "empty message body"}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env contracts.Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, &contracts.DecodeError{Reason: "malformed envelope", Err: err}
	}
	if env.CorrelationID == "" {
		return nil, &contracts.DecodeError{Reason: "decoded envelope", Err: contracts.ErrMissingCorrelationID}
	}
	if !contracts.KnownContentType(env.ContentType) {
		return nil, &contracts.DecodeError{Reason: "decoded envelope", Err: contracts.ErrUnknownContentType}
	}
	return &env, nil
}
