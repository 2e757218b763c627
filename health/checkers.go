package health

import (
	"context"
	"fmt"
	"time"

	"github.com/kvist-io/qbridge/bridge"
	"github.com/kvist-io/qbridge/internal/amqp"
	"github.com/kvist-io/qbridge/internal/kvstore"
)

// BrokerChecker reports the broker connection state. Degraded maps through
// directly: the connection is alive but the broker has applied flow
// control.
type BrokerChecker struct {
	manager *amqp.ConnectionManager
}

// NewBrokerChecker creates a broker connection checker.
func NewBrokerChecker(manager *amqp.ConnectionManager) *BrokerChecker {
	return &BrokerChecker{manager: manager}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	state := c.manager.State()
	result.Details["state"] = state.String()

	switch state {
	case amqp.StateHealthy:
		result.Status = StatusHealthy
		result.Message = "connection established"
	case amqp.StateDegraded:
		result.Status = StatusDegraded
		result.Message = "broker applied flow control"
	case amqp.StateConnecting:
		result.Status = StatusUnhealthy
		result.Message = "reconnect in progress"
	default:
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}

	result.Duration = time.Since(start)
	return result
}

// PoolChecker reports channel pool pressure without consuming a lease.
type PoolChecker struct {
	pool *amqp.ChannelPool
}

// NewPoolChecker creates a channel pool checker.
func NewPoolChecker(pool *amqp.ChannelPool) *PoolChecker {
	return &PoolChecker{pool: pool}
}

func (c *PoolChecker) Name() string {
	return "channel_pool"
}

func (c *PoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	leased := c.pool.Leased()
	capacity := c.pool.Capacity()
	result.Details["leased"] = leased
	result.Details["capacity"] = capacity

	switch {
	case leased >= capacity:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("all %d channels leased", capacity)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d/%d channels leased", leased, capacity)
	}

	result.Duration = time.Since(start)
	return result
}

// StoreChecker probes the key-value mirror. The mirror is best effort, so
// an unreachable store degrades rather than fails the service.
type StoreChecker struct {
	store *kvstore.Store
}

// NewStoreChecker creates a key-value store checker.
func NewStoreChecker(store *kvstore.Store) *StoreChecker {
	return &StoreChecker{store: store}
}

func (c *StoreChecker) Name() string {
	return "kvstore"
}

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if err := c.store.Ping(ctx); err != nil {
		result.Status = StatusDegraded
		result.Message = "store unreachable, pending mirror disabled"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	stats := c.store.PoolStats()
	result.Status = StatusHealthy
	result.Message = "store reachable"
	result.Details["total_conns"] = stats.TotalConns
	result.Details["idle_conns"] = stats.IdleConns
	result.Duration = time.Since(start)
	return result
}

// BridgeChecker reports whether the bridge still accepts calls and how many
// are in flight.
type BridgeChecker struct {
	bridge *bridge.Bridge
}

// NewBridgeChecker creates a bridge checker.
func NewBridgeChecker(b *bridge.Bridge) *BridgeChecker {
	return &BridgeChecker{bridge: b}
}

func (c *BridgeChecker) Name() string {
	return "bridge"
}

func (c *BridgeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	result.Details["in_flight"] = c.bridge.InFlight()
	result.Details["reply_queue"] = c.bridge.ReplyQueue()

	if c.bridge.IsHealthy(ctx) {
		result.Status = StatusHealthy
		result.Message = "accepting calls"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "not accepting calls"
	}

	result.Duration = time.Since(start)
	return result
}
