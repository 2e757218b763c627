package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/kvist-io/qbridge/serialization"
)

// Resolver completes the pending entry matched by a correlation id.
// Resolve returns false when no entry exists; the reply is then a late or
// duplicate delivery and is dropped.
type Resolver interface {
	Resolve(correlationID string, payload []byte) bool
}

// ReplyConsumer runs long-lived subscription loops on the reply queue,
// decoupled from individual calls. Deliveries are acknowledged only after
// the resolver has run, giving at-least-once semantics: a crash before the
// ack causes a redelivery, which resolves against an absent entry and is
// dropped.
type ReplyConsumer struct {
	manager        *ConnectionManager
	codec          serialization.Codec
	resolver       Resolver
	queue          string
	loops          int
	prefetchCount  int
	reconnectDelay time.Duration
	logger         *slog.Logger
	done           chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
}

// ReplyConsumerOption configures the reply consumer.
type ReplyConsumerOption func(*ReplyConsumer)

// WithConsumerLoops sets how many parallel loops drain the reply queue.
func WithConsumerLoops(n int) ReplyConsumerOption {
	return func(c *ReplyConsumer) {
		c.loops = n
	}
}

// WithPrefetchCount sets the per-loop prefetch window.
func WithPrefetchCount(count int) ReplyConsumerOption {
	return func(c *ReplyConsumer) {
		c.prefetchCount = count
	}
}

// WithConsumerReconnectDelay sets the base delay between resubscribe attempts.
func WithConsumerReconnectDelay(delay time.Duration) ReplyConsumerOption {
	return func(c *ReplyConsumer) {
		c.reconnectDelay = delay
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ReplyConsumerOption {
	return func(c *ReplyConsumer) {
		c.logger = logger
	}
}

// NewReplyConsumer creates a consumer for the given reply queue.
func NewReplyConsumer(manager *ConnectionManager, codec serialization.Codec, resolver Resolver, queue string, options ...ReplyConsumerOption) (*ReplyConsumer, error) {
	if manager == nil || codec == nil || resolver == nil {
		return nil, ErrInvalidConfiguration
	}
	if queue == "" {
		return nil, fmt.Errorf("%w: reply queue name required", ErrInvalidConfiguration)
	}

	c := &ReplyConsumer{
		manager:        manager,
		codec:          codec,
		resolver:       resolver,
		queue:          queue,
		loops:          1,
		prefetchCount:  32,
		reconnectDelay: time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.loops < 1 {
		return nil, fmt.Errorf("%w: consumer loops must be at least 1", ErrInvalidConfiguration)
	}

	return c, nil
}

// Start launches the consumer loops. They run until Stop or ctx cancellation
// and resubscribe with backoff whenever the broker connection drops; pending
// requests keep waiting on their own deadlines while the consumer is away.
func (c *ReplyConsumer) Start(ctx context.Context) {
	for i := 0; i < c.loops; i++ {
		c.wg.Add(1)
		go c.run(ctx, i)
	}
}

func (c *ReplyConsumer) run(ctx context.Context, loop int) {
	defer c.wg.Done()

	tag := fmt.Sprintf("%s.loop-%d", c.queue, loop)
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := c.consume(ctx, tag)
		if errors.Is(err, ErrConsumerClosed) {
			return // clean shutdown
		}

		c.logger.Warn("reply consumer disconnected, resubscribing",
			"queue", c.queue,
			"consumerTag", tag,
			"error", err)

		select {
		case <-time.After(c.reconnectDelay):
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// consume opens a dedicated channel, declares the reply queue, and drains
// deliveries until the channel dies or shutdown is requested.
func (c *ReplyConsumer) consume(ctx context.Context, tag string) error {
	conn, err := c.manager.GetConnection()
	if err != nil {
		return &ConsumerError{Queue: c.queue, ConsumerTag: tag, Op: "connect", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return &ConsumerError{Queue: c.queue, ConsumerTag: tag, Op: "open channel", Err: err, Timestamp: time.Now()}
	}
	defer ch.Close()

	// Reply queues are per-process and disposable.
	if _, err := ch.QueueDeclare(c.queue, false, true, false, false, nil); err != nil {
		return &ConsumerError{Queue: c.queue, ConsumerTag: tag, Op: "declare queue", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return &ConsumerError{Queue: c.queue, ConsumerTag: tag, Op: "set qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(c.queue, tag, false, false, false, false, nil)
	if err != nil {
		return &ConsumerError{Queue: c.queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	c.logger.Info("reply consumer subscribed",
		"queue", c.queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount)

	for {
		select {
		case <-c.done:
			return ErrConsumerClosed
		case <-ctx.Done():
			return ErrConsumerClosed
		case delivery, ok := <-deliveries:
			if !ok {
				return &ConsumerError{Queue: c.queue, ConsumerTag: tag, Op: "receive", Err: ErrDeliveriesClosed, Timestamp: time.Now()}
			}
			c.handleDelivery(delivery)
		}
	}
}

// handleDelivery decodes and resolves one reply. Poison messages are logged
// and acknowledged so they never stall the loop, and the ack for good
// messages happens strictly after resolve.
func (c *ReplyConsumer) handleDelivery(delivery amqp091.Delivery) {
	env, err := c.codec.Decode(delivery.Body)
	if err != nil {
		c.logger.Warn("dropping undecodable reply",
			"queue", c.queue,
			"messageId", delivery.MessageId,
			"error", err)
		c.ack(delivery)
		return
	}

	if resolved := c.resolver.Resolve(env.CorrelationID, env.Payload); resolved {
		c.logger.Debug("reply resolved",
			"correlationId", env.CorrelationID,
			"queue", c.queue)
	} else {
		// Late, duplicate, or cancelled: not an error, just dropped.
		c.logger.Debug("dropping reply with no pending entry",
			"correlationId", env.CorrelationID,
			"queue", c.queue)
	}

	c.ack(delivery)
}

func (c *ReplyConsumer) ack(delivery amqp091.Delivery) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack reply",
			"queue", c.queue,
			"messageId", delivery.MessageId,
			"error", err)
	}
}

// Stop terminates all loops and waits for them to drain.
func (c *ReplyConsumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}
