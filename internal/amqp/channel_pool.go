package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out leased AMQP channels with a hard capacity bound.
// A lease is held from Get until Put; the number of outstanding leases
// never exceeds the configured capacity. Dead channels are discarded on
// release and replaced lazily on the next acquire, never reconnected
// inside Put.
type ChannelPool struct {
	manager        *ConnectionManager
	slots          chan struct{}       // one token per permitted lease
	idle           chan *PooledChannel // released channels awaiting reuse
	capacity       int
	acquireTimeout time.Duration
	allowDegraded  bool
	logger         *slog.Logger
	mu             sync.Mutex
	closed         bool
}

// PooledChannel wraps an AMQP channel with pool metadata.
type PooledChannel struct {
	*amqp091.Channel
	id       string
	lastUsed time.Time
}

// ChannelPoolOption configures the channel pool.
type ChannelPoolOption func(*ChannelPool)

// WithCapacity sets the maximum number of concurrently leased channels.
func WithCapacity(n int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.capacity = n
	}
}

// WithAcquireTimeout bounds how long Get blocks before failing with
// ErrPoolExhausted.
func WithAcquireTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.acquireTimeout = timeout
	}
}

// WithAllowDegraded permits handing out channels while the connection is
// degraded. Without it, callers fail fast with ErrPoolUnavailable.
func WithAllowDegraded(allow bool) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.allowDegraded = allow
	}
}

// WithPoolLogger sets the logger.
func WithPoolLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a channel pool over the given connection manager.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:        manager,
		capacity:       10,
		acquireTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.capacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be at least 1", ErrInvalidConfiguration)
	}

	pool.slots = make(chan struct{}, pool.capacity)
	pool.idle = make(chan *PooledChannel, pool.capacity)
	for i := 0; i < pool.capacity; i++ {
		pool.slots <- struct{}{}
	}

	return pool, nil
}

// Get leases a channel. It blocks until a lease slot frees up, the context
// is cancelled, or the acquire timeout elapses (ErrPoolExhausted). When the
// connection is not Healthy it fails fast with ErrPoolUnavailable unless
// the connection is merely Degraded and degraded admission is enabled.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, &ChannelError{Op: "acquire", ChannelID: "pool", Err: ErrPoolClosed, Timestamp: time.Now()}
	}
	cp.mu.Unlock()

	if err := cp.admit(); err != nil {
		return nil, err
	}

	select {
	case <-cp.slots:
	case <-ctx.Done():
		return nil, &ChannelError{Op: "acquire", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
	case <-time.After(cp.acquireTimeout):
		return nil, &ChannelError{Op: "acquire", ChannelID: "pool", Err: ErrPoolExhausted, Timestamp: time.Now()}
	}

	// Lease slot held from here on; every failure path must return it.
	ch, err := cp.leaseChannel()
	if err != nil {
		cp.slots <- struct{}{}
		return nil, err
	}
	return ch, nil
}

// admit gates acquisition on the connection state machine.
func (cp *ChannelPool) admit() error {
	switch st := cp.manager.State(); st {
	case StateHealthy:
		return nil
	case StateDegraded:
		if cp.allowDegraded {
			cp.logger.Warn("handing out channel on degraded connection")
			return nil
		}
		return &ChannelError{Op: "acquire", ChannelID: "pool", Err: ErrPoolUnavailable, Timestamp: time.Now()}
	default:
		return &ChannelError{Op: "acquire", ChannelID: "pool", Err: ErrPoolUnavailable, Timestamp: time.Now()}
	}
}

// leaseChannel reuses an idle channel or opens a fresh one. Dead idle
// channels found here are the ones discarded lazily after Put probed them.
func (cp *ChannelPool) leaseChannel() (*PooledChannel, error) {
	for {
		select {
		case ch := <-cp.idle:
			if ch.IsClosed() {
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
			return cp.openChannel()
		}
	}
}

func (cp *ChannelPool) openChannel() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "open", ChannelID: "new", Err: ErrPoolUnavailable, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	return &PooledChannel{
		Channel:  ch,
		id:       uuid.New().String(),
		lastUsed: time.Now(),
	}, nil
}

// Put returns a leased channel. The channel's liveness is probed first:
// closed channels are dropped and replaced lazily on the next Get.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()

	if closed {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
		return
	}

	defer func() { cp.slots <- struct{}{} }()

	if ch.IsClosed() {
		cp.logger.Debug("discarding dead channel", "channelId", ch.id)
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.idle <- ch:
	default:
		_ = ch.Close()
	}
}

// Leased returns the number of currently outstanding leases.
func (cp *ChannelPool) Leased() int {
	return cp.capacity - len(cp.slots)
}

// Capacity returns the configured lease bound.
func (cp *ChannelPool) Capacity() int {
	return cp.capacity
}

// Execute leases a channel, runs fn, and guarantees the lease is returned
// on every exit path, panics included.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp091.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch.Channel)
	}()

	return execErr
}

// Close shuts the pool and closes all idle channels. Outstanding leases
// are closed by their holders via Put.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.idle:
			if !ch.IsClosed() {
				_ = ch.Close()
			}
		default:
			return nil
		}
	}
}
