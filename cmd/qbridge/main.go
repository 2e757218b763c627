package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kvist-io/qbridge/bridge"
	"github.com/kvist-io/qbridge/config"
	"github.com/kvist-io/qbridge/health"
	"github.com/kvist-io/qbridge/internal/amqp"
	"github.com/kvist-io/qbridge/internal/kvstore"
	"github.com/kvist-io/qbridge/internal/reliability"
	"github.com/kvist-io/qbridge/pending"
	"github.com/kvist-io/qbridge/rpc"
	"github.com/kvist-io/qbridge/serialization"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "qbridge",
		Short:   "Bridge blocking RPC calls onto a message queue",
		Long:    "qbridge accepts synchronous RPC calls and completes them against asynchronous queue replies, correlated by id.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("qbridge exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	manager := amqp.NewConnectionManager(cfg.AMQPAddress, amqp.WithLogger(logger))
	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer manager.Close()

	pool, err := amqp.NewChannelPool(manager,
		amqp.WithCapacity(cfg.PoolCapacity),
		amqp.WithAcquireTimeout(cfg.AcquireTimeout),
		amqp.WithAllowDegraded(cfg.AllowDegraded),
		amqp.WithPoolLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create channel pool: %w", err)
	}
	defer pool.Close()

	codec := serialization.NewJSONCodec()
	publisher := amqp.NewPublisher(pool, codec, amqp.WithPublisherLogger(logger))

	replyQueue := cfg.ReplyQueue
	if replyQueue == "" {
		replyQueue = "qbridge.reply." + uuid.NewString()[:8]
	}

	tableOptions := []pending.TableOption{pending.WithTableLogger(logger)}

	var store *kvstore.Store
	if cfg.MirrorEnabled() {
		store, err = kvstore.New(cfg.RedisURL, cfg.RedisPoolSize, kvstore.WithStoreLogger(logger))
		if err != nil {
			return fmt.Errorf("create pending mirror: %w", err)
		}
		defer store.Close()
		tableOptions = append(tableOptions, pending.WithMirror(store, replyQueue))
	}

	b, err := bridge.NewBridge(publisher,
		bridge.WithExchange(cfg.Exchange),
		bridge.WithRoutingKey(cfg.RoutingKey),
		bridge.WithReplyQueue(replyQueue),
		bridge.WithDefaultTimeout(cfg.DefaultTimeout),
		bridge.WithMaxInFlight(cfg.MaxInFlight),
		bridge.WithSweepInterval(cfg.SweepInterval),
		bridge.WithTable(pending.NewTable(tableOptions...)),
		bridge.WithBridgeCircuitBreaker(reliability.NewCircuitBreaker(
			reliability.WithBreakerLogger(logger),
		)),
		bridge.WithBridgeLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	defer b.Close()

	b.RegisterHealthProbe("broker", func(context.Context) bool {
		return manager.IsConnected()
	})
	if store != nil {
		b.RegisterHealthProbe("kvstore", store.Healthy)
	}

	consumer, err := amqp.NewReplyConsumer(manager, codec, b.Table(), replyQueue,
		amqp.WithConsumerLoops(cfg.ConsumerLoops),
		amqp.WithPrefetchCount(cfg.PrefetchCount),
		amqp.WithConsumerLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create reply consumer: %w", err)
	}
	consumer.Start(ctx)
	defer consumer.Stop()

	monitor := health.NewMonitor(health.WithMonitorLogger(logger))
	monitor.Register(health.NewBrokerChecker(manager))
	monitor.Register(health.NewPoolChecker(pool))
	if store != nil {
		monitor.Register(health.NewStoreChecker(store))
	}
	monitor.Register(health.NewBridgeChecker(b))
	go reportHealth(ctx, monitor, logger)

	lis, err := net.Listen("tcp", cfg.ListenAddress())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress(), err)
	}

	server := rpc.NewServer(b,
		rpc.WithCallTimeout(cfg.DefaultTimeout),
		rpc.WithServerLogger(logger),
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(lis)
	}()

	logger.Info("qbridge started",
		"listen", cfg.ListenAddress(),
		"routingKey", cfg.RoutingKey,
		"replyQueue", replyQueue,
		"mirror", cfg.MirrorEnabled())

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		return fmt.Errorf("rpc server: %w", err)
	}

	server.GracefulStop()
	return nil
}

func reportHealth(ctx context.Context, monitor *health.Monitor, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := monitor.Check(ctx)
			logger.Info("health report",
				"overall", report.Overall,
				"checks", len(report.Checks))
		}
	}
}
