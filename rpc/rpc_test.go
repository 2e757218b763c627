package rpc

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/kvist-io/qbridge/bridge"
	"github.com/kvist-io/qbridge/contracts"
)

func TestRawCodec(t *testing.T) {
	codec := rawCodec{}

	t.Run("passes raw messages through unchanged", func(t *testing.T) {
		in := RawMessage{0x00, 0x01, 0xff}
		data, err := codec.Marshal(&in)
		require.NoError(t, err)
		assert.Equal(t, []byte(in), data)

		var out RawMessage
		require.NoError(t, codec.Unmarshal(data, &out))
		assert.Equal(t, in, out)
	})

	t.Run("falls back to protobuf for framework messages", func(t *testing.T) {
		req := &healthpb.HealthCheckRequest{Service: "qbridge.v1.Bridge"}
		data, err := codec.Marshal(req)
		require.NoError(t, err)

		var out healthpb.HealthCheckRequest
		require.NoError(t, codec.Unmarshal(data, &out))
		assert.Equal(t, req.Service, out.Service)
	})

	t.Run("rejects unsupported types", func(t *testing.T) {
		_, err := codec.Marshal(42)
		assert.Error(t, err)
		assert.Error(t, codec.Unmarshal([]byte("x"), &struct{}{}))
	})
}

func TestToStatusError(t *testing.T) {
	cases := []struct {
		name string
		kind bridge.Kind
		want codes.Code
	}{
		{"timeout maps to DeadlineExceeded", bridge.KindTimeout, codes.DeadlineExceeded},
		{"pool unavailable maps to Unavailable", bridge.KindPoolUnavailable, codes.Unavailable},
		{"publish failure maps to Unavailable", bridge.KindPublishFailed, codes.Unavailable},
		{"in-flight cap maps to ResourceExhausted", bridge.KindTooManyInFlight, codes.ResourceExhausted},
		{"cancellation maps to Canceled", bridge.KindCancelled, codes.Canceled},
		{"closed maps to Unavailable", bridge.KindClosed, codes.Unavailable},
		{"internal maps to Internal", bridge.KindInternal, codes.Internal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := toStatusError(&bridge.Error{Kind: tc.kind, CorrelationID: "corr-1"})
			assert.Equal(t, tc.want, status.Code(err))
		})
	}

	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, toStatusError(nil))
	})

	t.Run("unclassified errors map to Internal", func(t *testing.T) {
		assert.Equal(t, codes.Internal, status.Code(toStatusError(errors.New("boom"))))
	})
}

// replyingPublisher completes every published request immediately.
type replyingPublisher struct {
	b     *bridge.Bridge
	reply []byte
}

func (p *replyingPublisher) Publish(_ context.Context, _, _ string, env *contracts.Envelope) error {
	go p.b.Table().Resolve(env.CorrelationID, p.reply)
	return nil
}

func TestBridgeService(t *testing.T) {
	t.Run("returns the reply payload", func(t *testing.T) {
		pub := &replyingPublisher{reply: []byte("pong")}
		b, err := bridge.NewBridge(pub)
		require.NoError(t, err)
		pub.b = b
		defer b.Close()

		svc := &bridgeService{bridge: b, callTimeout: time.Second}
		req := RawMessage("ping")
		resp, err := svc.Call(context.Background(), &req)
		require.NoError(t, err)
		assert.Equal(t, RawMessage("pong"), *resp)
	})

	t.Run("expired deadline short-circuits to DeadlineExceeded", func(t *testing.T) {
		pub := &replyingPublisher{reply: []byte("pong")}
		b, err := bridge.NewBridge(pub)
		require.NoError(t, err)
		pub.b = b
		defer b.Close()

		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()

		svc := &bridgeService{bridge: b, callTimeout: time.Second}
		req := RawMessage("ping")
		_, err = svc.Call(ctx, &req)
		assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
		assert.Equal(t, 0, b.InFlight())
	})

	t.Run("maps bridge failures to status errors", func(t *testing.T) {
		b, err := bridge.NewBridge(&replyingPublisher{reply: nil})
		require.NoError(t, err)
		require.NoError(t, b.Close())

		svc := &bridgeService{bridge: b, callTimeout: time.Second}
		req := RawMessage("ping")
		_, err = svc.Call(context.Background(), &req)
		assert.Equal(t, codes.Unavailable, status.Code(err))
	})
}

func TestRecoveryInterceptor(t *testing.T) {
	interceptor := recoveryInterceptor(slog.Default())

	t.Run("converts panics to Internal", func(t *testing.T) {
		_, err := interceptor(context.Background(), nil,
			&grpc.UnaryServerInfo{FullMethod: fullCallMethod},
			func(context.Context, interface{}) (interface{}, error) {
				panic("boom")
			})
		assert.Equal(t, codes.Internal, status.Code(err))
	})

	t.Run("passes normal results through", func(t *testing.T) {
		resp, err := interceptor(context.Background(), nil,
			&grpc.UnaryServerInfo{FullMethod: fullCallMethod},
			func(context.Context, interface{}) (interface{}, error) {
				return "ok", nil
			})
		require.NoError(t, err)
		assert.Equal(t, "ok", resp)
	})
}
