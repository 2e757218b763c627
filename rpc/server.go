package rpc

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/kvist-io/qbridge/bridge"
)

// Server hosts the bridge service and the standard health service on one
// gRPC listener.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	bridge       *bridge.Bridge
	pollInterval time.Duration
	logger       *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ServerOption configures the server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	callTimeout   time.Duration
	pollInterval  time.Duration
	keepaliveTime time.Duration
	logger        *slog.Logger
	grpcOptions   []grpc.ServerOption
}

// WithCallTimeout sets the reply wait used when a caller sends no deadline.
func WithCallTimeout(timeout time.Duration) ServerOption {
	return func(c *serverConfig) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithHealthPollInterval sets how often the served health status is
// refreshed from the bridge.
func WithHealthPollInterval(interval time.Duration) ServerOption {
	return func(c *serverConfig) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithKeepaliveTime sets the server-side keepalive ping interval.
func WithKeepaliveTime(t time.Duration) ServerOption {
	return func(c *serverConfig) {
		if t > 0 {
			c.keepaliveTime = t
		}
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(c *serverConfig) {
		c.logger = logger
	}
}

// WithGRPCOptions appends extra transport options.
func WithGRPCOptions(options ...grpc.ServerOption) ServerOption {
	return func(c *serverConfig) {
		c.grpcOptions = append(c.grpcOptions, options...)
	}
}

// NewServer builds the gRPC front end over a bridge.
func NewServer(b *bridge.Bridge, options ...ServerOption) *Server {
	cfg := &serverConfig{
		callTimeout:   30 * time.Second,
		pollInterval:  5 * time.Second,
		keepaliveTime: 60 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	grpcOptions := append([]grpc.ServerOption{
		grpc.ForceServerCodec(rawCodec{}),
		grpc.ChainUnaryInterceptor(
			recoveryInterceptor(cfg.logger),
			loggingInterceptor(cfg.logger),
		),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time: cfg.keepaliveTime,
		}),
	}, cfg.grpcOptions...)

	s := &Server{
		grpcServer:   grpc.NewServer(grpcOptions...),
		healthServer: health.NewServer(),
		bridge:       b,
		pollInterval: cfg.pollInterval,
		logger:       cfg.logger,
		done:         make(chan struct{}),
	}

	s.grpcServer.RegisterService(&bridgeServiceDesc, &bridgeService{
		bridge:      b,
		callTimeout: cfg.callTimeout,
	})
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)

	return s
}

// Serve starts the health poller and blocks serving the listener.
func (s *Server) Serve(lis net.Listener) error {
	s.wg.Add(1)
	go s.pollHealth()

	s.logger.Info("rpc server listening", "address", lis.Addr().String())
	return s.grpcServer.Serve(lis)
}

// pollHealth mirrors bridge health into the served health status so
// load balancers stop routing to a bridge that lost its broker.
func (s *Server) pollHealth() {
	defer s.wg.Done()

	s.publishHealth()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.publishHealth()
		}
	}
}

func (s *Server) publishHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), s.pollInterval)
	defer cancel()

	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if s.bridge.IsHealthy(ctx) {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", serving)
	s.healthServer.SetServingStatus(bridgeServiceDesc.ServiceName, serving)
}

// GracefulStop drains in-flight calls and stops serving. Idempotent.
func (s *Server) GracefulStop() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
		s.wg.Wait()
	})
}

// Stop tears the transport down without draining.
func (s *Server) Stop() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.grpcServer.Stop()
		s.wg.Wait()
	})
}
