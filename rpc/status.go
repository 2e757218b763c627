package rpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kvist-io/qbridge/bridge"
)

// toStatusError maps a bridge failure onto the transport's status surface.
// The classification already carries the correlation id in its message, so
// callers can join a failure to broker-side logs.
func toStatusError(err error) error {
	if err == nil {
		return nil
	}

	var code codes.Code
	switch bridge.KindOf(err) {
	case bridge.KindTimeout:
		code = codes.DeadlineExceeded
	case bridge.KindPoolUnavailable, bridge.KindPublishFailed:
		code = codes.Unavailable
	case bridge.KindTooManyInFlight:
		code = codes.ResourceExhausted
	case bridge.KindCancelled:
		code = codes.Canceled
	case bridge.KindClosed:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}

	return status.Error(code, err.Error())
}
