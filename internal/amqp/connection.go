package amqp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// ConnectionState is the per-connection admission state machine:
// Disconnected -> Connecting -> Healthy <-> Degraded -> Disconnected.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateHealthy
	StateDegraded
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// StateListener is invoked on every connection state transition.
type StateListener func(from, to ConnectionState)

// ConnectionManager owns a single broker connection, reconnecting with
// exponential backoff when it drops. It is constructed explicitly and
// passed by handle into its consumers; there is no process-global instance.
type ConnectionManager struct {
	url            string
	conn           *amqp091.Connection
	mu             sync.RWMutex
	state          ConnectionState
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	maxRetries     int
	logger         *slog.Logger
	notifyClose    chan *amqp091.Error
	notifyBlocked  chan amqp091.Blocking
	done           chan struct{}
	closeOnce      sync.Once
	listeners      []StateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts.
// Negative means retry forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// NewConnectionManager creates a connection manager in the Disconnected state.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		state:          StateDisconnected,
		reconnectDelay: 5 * time.Second,
		dialTimeout:    30 * time.Second,
		maxRetries:     -1,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection and starts the watcher that
// handles broker-initiated closes and flow-control events.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.state == StateHealthy || cm.state == StateDegraded {
		cm.mu.Unlock()
		return nil
	}
	cm.setStateLocked(StateConnecting)
	cm.mu.Unlock()

	conn, err := cm.dial(ctx)
	if err != nil {
		cm.mu.Lock()
		cm.setStateLocked(StateDisconnected)
		cm.mu.Unlock()
		return err
	}

	cm.mu.Lock()
	cm.install(conn)
	cm.setStateLocked(StateHealthy)
	cm.mu.Unlock()

	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url))

	go cm.watch()
	return nil
}

// dial attempts a single connection, bounded by dialTimeout.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp091.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	connChan := make(chan *amqp091.Connection)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp091.Dial(cm.url)
		if err != nil {
			errChan <- err
			return
		}
		select {
		case connChan <- conn:
		case <-dialCtx.Done():
			// Nobody is waiting for this connection anymore.
			conn.Close()
		}
	}()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	case <-dialCtx.Done():
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
}

// install wires notification channels for a fresh connection. Callers hold cm.mu.
func (cm *ConnectionManager) install(conn *amqp091.Connection) {
	cm.conn = conn
	cm.notifyClose = make(chan *amqp091.Error, 1)
	cm.notifyBlocked = make(chan amqp091.Blocking, 1)
	conn.NotifyClose(cm.notifyClose)
	conn.NotifyBlocked(cm.notifyBlocked)
}

// watch reacts to connection closes and broker flow control. TCP-level
// flow control degrades the connection rather than dropping it; callers
// decide via the pool whether degraded connections are admitted.
func (cm *ConnectionManager) watch() {
	for {
		cm.mu.RLock()
		closeCh := cm.notifyClose
		blockCh := cm.notifyBlocked
		cm.mu.RUnlock()

		select {
		case err := <-closeCh:
			if err != nil {
				cm.logger.Error("broker connection closed", "error", err)
			}

			cm.mu.Lock()
			cm.conn = nil
			cm.setStateLocked(StateDisconnected)
			cm.mu.Unlock()

			if !cm.reconnect() {
				return
			}

		case blocking := <-blockCh:
			cm.mu.Lock()
			if blocking.Active {
				cm.setStateLocked(StateDegraded)
			} else if cm.state == StateDegraded {
				cm.setStateLocked(StateHealthy)
			}
			cm.mu.Unlock()
			cm.logger.Warn("broker flow control event",
				"active", blocking.Active,
				"reason", blocking.Reason)

		case <-cm.done:
			return
		}
	}
}

// reconnect attempts to re-establish the connection with backoff.
// Returns false when the manager is shut down or the retry budget is spent.
func (cm *ConnectionManager) reconnect() bool {
	retries := 0
	startTime := time.Now()

	for {
		select {
		case <-cm.done:
			return false
		default:
		}

		if cm.maxRetries >= 0 && retries >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", retries,
				"duration", time.Since(startTime))
			return false
		}

		cm.mu.Lock()
		cm.setStateLocked(StateConnecting)
		cm.mu.Unlock()

		if retries > 0 {
			select {
			case <-time.After(cm.backoff(retries)):
			case <-cm.done:
				return false
			}
		}

		conn, err := cm.dial(context.Background())
		if err != nil {
			retries++
			cm.logger.Error("reconnection failed",
				"error", err,
				"attempt", retries)
			continue
		}

		cm.mu.Lock()
		cm.install(conn)
		cm.setStateLocked(StateHealthy)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to broker",
			"attempts", retries+1,
			"duration", time.Since(startTime))
		return true
	}
}

// GetConnection returns the live connection. Degraded connections are
// still returned; admission policy for them lives in the channel pool.
func (cm *ConnectionManager) GetConnection() (*amqp091.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.state != StateHealthy && cm.state != StateDegraded {
		return nil, ErrConnectionNotReady
	}
	if cm.conn == nil || cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// IsConnected reports whether the connection admits new operations at all.
func (cm *ConnectionManager) IsConnected() bool {
	st := cm.State()
	return st == StateHealthy || st == StateDegraded
}

// AddStateListener registers a callback for state transitions.
func (cm *ConnectionManager) AddStateListener(listener StateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// setStateLocked transitions the state machine. Callers hold cm.mu.
func (cm *ConnectionManager) setStateLocked(to ConnectionState) {
	from := cm.state
	if from == to {
		return
	}
	cm.state = to

	cm.logger.Info("connection state transition",
		"from", from.String(),
		"to", to.String(),
		"url", SanitizeURL(cm.url))

	cm.listenersMu.RLock()
	listeners := make([]StateListener, len(cm.listeners))
	copy(listeners, cm.listeners)
	cm.listenersMu.RUnlock()

	for _, l := range listeners {
		go l(from, to)
	}
}

// Close shuts down the manager and the underlying connection.
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.mu.Lock()
		defer cm.mu.Unlock()

		if cm.conn != nil && !cm.conn.IsClosed() {
			err = cm.conn.Close()
		}
		cm.conn = nil
		cm.setStateLocked(StateDisconnected)
	})
	return err
}

// backoff calculates the reconnect delay with jitter, capped at 5 minutes.
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base == 0 {
		base = 5 * time.Second
	}

	maxDelay := 5 * time.Minute
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	// ±25% jitter
	jitter := time.Duration(float64(delay) * 0.25)
	if jitter > 0 {
		delay = delay - jitter/2 + time.Duration(time.Now().UnixNano()%int64(jitter))
	}

	return delay
}
