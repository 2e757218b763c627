package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kvist-io/qbridge/contracts"
	"github.com/kvist-io/qbridge/internal/amqp"
	"github.com/kvist-io/qbridge/internal/reliability"
	"github.com/kvist-io/qbridge/pending"
)

// ErrBridgeClosed is delivered to every call still in flight when the
// bridge shuts down.
var ErrBridgeClosed = errors.New("bridge: closed")

// Publisher publishes an encoded envelope to the broker. Satisfied by the
// confirming publisher; narrowed to an interface so call semantics can be
// tested without a broker.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, env *contracts.Envelope) error
}

// HealthProbe reports liveness of one dependency. Probes must honor ctx.
type HealthProbe func(ctx context.Context) bool

// Bridge turns a blocking Call into a published request message and a
// correlated reply. One bridge owns one reply queue and one pending table.
type Bridge struct {
	publisher  Publisher
	table      *pending.Table
	exchange   string
	routingKey string
	replyQueue string

	defaultTimeout time.Duration
	sweepInterval  time.Duration
	inFlight       chan struct{}
	breaker        *reliability.CircuitBreaker
	logger         *slog.Logger

	probesMu sync.RWMutex
	probes   map[string]HealthProbe

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures the bridge.
type Option func(*Bridge)

// WithExchange sets the exchange requests are published to. Empty means the
// default exchange, where the routing key is the destination queue name.
func WithExchange(exchange string) Option {
	return func(b *Bridge) {
		b.exchange = exchange
	}
}

// WithRoutingKey sets the routing key for outgoing requests.
func WithRoutingKey(key string) Option {
	return func(b *Bridge) {
		b.routingKey = key
	}
}

// WithReplyQueue overrides the generated reply queue name.
func WithReplyQueue(queue string) Option {
	return func(b *Bridge) {
		b.replyQueue = queue
	}
}

// WithDefaultTimeout sets the per-call deadline used when the caller passes
// a non-positive timeout.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		b.defaultTimeout = timeout
	}
}

// WithMaxInFlight caps concurrent pending calls. Calls beyond the cap fail
// fast instead of queueing.
func WithMaxInFlight(max int) Option {
	return func(b *Bridge) {
		if max > 0 {
			b.inFlight = make(chan struct{}, max)
		}
	}
}

// WithSweepInterval sets how often expired pending entries are reaped.
func WithSweepInterval(interval time.Duration) Option {
	return func(b *Bridge) {
		if interval > 0 {
			b.sweepInterval = interval
		}
	}
}

// WithBridgeCircuitBreaker guards the publish path with a breaker, shedding
// load while the broker is failing instead of burning retry budgets.
func WithBridgeCircuitBreaker(cb *reliability.CircuitBreaker) Option {
	return func(b *Bridge) {
		b.breaker = cb
	}
}

// WithTable injects a prebuilt pending table, for wiring a mirror.
func WithTable(table *pending.Table) Option {
	return func(b *Bridge) {
		b.table = table
	}
}

// WithBridgeLogger sets the logger.
func WithBridgeLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// NewBridge creates a bridge and starts its expiry sweeper. Close must be
// called to stop it.
func NewBridge(publisher Publisher, options ...Option) (*Bridge, error) {
	if publisher == nil {
		return nil, fmt.Errorf("bridge: publisher cannot be nil")
	}

	b := &Bridge{
		publisher:      publisher,
		replyQueue:     "qbridge.reply." + uuid.NewString()[:8],
		defaultTimeout: 30 * time.Second,
		sweepInterval:  250 * time.Millisecond,
		inFlight:       make(chan struct{}, 1000),
		logger:         slog.Default(),
		probes:         make(map[string]HealthProbe),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(b)
	}

	if b.table == nil {
		b.table = pending.NewTable(pending.WithTableLogger(b.logger))
	}

	b.wg.Add(1)
	go b.sweep()

	return b, nil
}

// ReplyQueue returns the queue the reply consumer must drain for this
// bridge.
func (b *Bridge) ReplyQueue() string {
	return b.replyQueue
}

// Table exposes the pending table. It satisfies the reply consumer's
// resolver contract, so the consumer is wired directly against it.
func (b *Bridge) Table() *pending.Table {
	return b.table
}

// InFlight returns the number of calls currently awaiting replies.
func (b *Bridge) InFlight() int {
	return b.table.Len()
}

// Call publishes payload as a request and blocks until the correlated reply
// arrives, the timeout passes, the publish fails, ctx is cancelled, or the
// bridge closes. A non-positive timeout falls back to the default.
func (b *Bridge) Call(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	select {
	case <-b.done:
		return nil, newError(KindClosed, "", ErrBridgeClosed)
	default:
	}

	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	select {
	case b.inFlight <- struct{}{}:
	default:
		return nil, newError(KindTooManyInFlight, "",
			fmt.Errorf("in-flight cap %d reached", cap(b.inFlight)))
	}
	defer func() { <-b.inFlight }()

	correlationID := uuid.NewString()
	deadline := time.Now().Add(timeout)

	handle, err := b.table.Register(ctx, correlationID, deadline)
	if err != nil {
		if errors.Is(err, pending.ErrTableClosed) {
			return nil, newError(KindClosed, correlationID, err)
		}
		return nil, newError(KindInternal, correlationID, err)
	}

	env := contracts.NewEnvelope(correlationID, b.replyQueue, payload)
	if err := b.publish(ctx, env); err != nil {
		// The entry must not linger until its deadline when the true cause
		// is already known.
		b.table.Fail(correlationID, err)
		return nil, b.classifyPublishError(correlationID, err)
	}

	b.logger.Debug("request published",
		"correlationId", correlationID,
		"routingKey", b.routingKey,
		"deadline", deadline)

	reply, err := handle.Await(ctx)
	if err == nil {
		return reply, nil
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Caller gave up first. Drop the entry so a late reply is discarded.
		b.table.Deregister(correlationID)
		return nil, newError(KindCancelled, correlationID, err)
	case errors.Is(err, pending.ErrTimeout):
		return nil, newError(KindTimeout, correlationID, err)
	case errors.Is(err, ErrBridgeClosed):
		return nil, newError(KindClosed, correlationID, err)
	default:
		return nil, newError(KindInternal, correlationID, err)
	}
}

func (b *Bridge) publish(ctx context.Context, env *contracts.Envelope) error {
	if b.breaker != nil {
		return b.breaker.Execute(ctx, func() error {
			return b.publisher.Publish(ctx, b.exchange, b.routingKey, env)
		})
	}
	return b.publisher.Publish(ctx, b.exchange, b.routingKey, env)
}

func (b *Bridge) classifyPublishError(correlationID string, err error) *Error {
	switch {
	case errors.Is(err, amqp.ErrPoolUnavailable), errors.Is(err, amqp.ErrPoolExhausted):
		return newError(KindPoolUnavailable, correlationID, err)
	default:
		return newError(KindPublishFailed, correlationID, err)
	}
}

// RegisterHealthProbe adds a named liveness probe consulted by IsHealthy.
func (b *Bridge) RegisterHealthProbe(name string, probe HealthProbe) {
	b.probesMu.Lock()
	defer b.probesMu.Unlock()
	b.probes[name] = probe
}

// IsHealthy reports whether the bridge accepts calls and every registered
// dependency probe passes.
func (b *Bridge) IsHealthy(ctx context.Context) bool {
	select {
	case <-b.done:
		return false
	default:
	}

	b.probesMu.RLock()
	defer b.probesMu.RUnlock()
	for name, probe := range b.probes {
		if !probe(ctx) {
			b.logger.Warn("health probe failed", "probe", name)
			return false
		}
	}
	return true
}

func (b *Bridge) sweep() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case now := <-ticker.C:
			if n := b.table.Expire(now); n > 0 {
				b.logger.Debug("expired pending requests", "count", n)
			}
		}
	}
}

// Close stops the sweeper and fails every call still waiting. Idempotent.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		drained := b.table.Drain(ErrBridgeClosed)
		if drained > 0 {
			b.logger.Info("drained pending requests on close", "count", drained)
		}
	})
	return nil
}
