package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyManager(t *testing.T) *ConnectionManager {
	t.Helper()
	cm := NewConnectionManager("amqp://localhost:5672")
	cm.mu.Lock()
	cm.setStateLocked(StateHealthy)
	cm.mu.Unlock()
	return cm
}

func TestNewChannelPool(t *testing.T) {
	t.Run("requires a manager", func(t *testing.T) {
		_, err := NewChannelPool(nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("rejects zero capacity", func(t *testing.T) {
		_, err := NewChannelPool(NewConnectionManager("amqp://localhost:5672"), WithCapacity(0))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("applies options", func(t *testing.T) {
		pool, err := NewChannelPool(NewConnectionManager("amqp://localhost:5672"),
			WithCapacity(4),
			WithAcquireTimeout(time.Second),
			WithAllowDegraded(true),
		)
		require.NoError(t, err)
		assert.Equal(t, 4, pool.Capacity())
		assert.Equal(t, 0, pool.Leased())
		assert.True(t, pool.allowDegraded)
	})
}

func TestChannelPoolAdmission(t *testing.T) {
	t.Run("fails fast while disconnected", func(t *testing.T) {
		cm := NewConnectionManager("amqp://localhost:5672")
		pool, err := NewChannelPool(cm)
		require.NoError(t, err)

		_, err = pool.Get(context.Background())
		assert.ErrorIs(t, err, ErrPoolUnavailable)
	})

	t.Run("degraded connection rejected by default", func(t *testing.T) {
		cm := NewConnectionManager("amqp://localhost:5672")
		cm.mu.Lock()
		cm.setStateLocked(StateDegraded)
		cm.mu.Unlock()

		pool, err := NewChannelPool(cm)
		require.NoError(t, err)

		_, err = pool.Get(context.Background())
		assert.ErrorIs(t, err, ErrPoolUnavailable)
	})

	t.Run("closed pool rejects immediately", func(t *testing.T) {
		pool, err := NewChannelPool(healthyManager(t))
		require.NoError(t, err)
		require.NoError(t, pool.Close())

		_, err = pool.Get(context.Background())
		assert.ErrorIs(t, err, ErrPoolClosed)
	})
}

func TestChannelPoolCapacity(t *testing.T) {
	t.Run("acquire beyond capacity blocks then fails with PoolExhausted", func(t *testing.T) {
		pool, err := NewChannelPool(healthyManager(t),
			WithCapacity(2),
			WithAcquireTimeout(50*time.Millisecond),
		)
		require.NoError(t, err)

		// Occupy every lease slot as outstanding handles would.
		<-pool.slots
		<-pool.slots
		assert.Equal(t, 2, pool.Leased())

		start := time.Now()
		_, err = pool.Get(context.Background())
		elapsed := time.Since(start)

		assert.ErrorIs(t, err, ErrPoolExhausted)
		assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	})

	t.Run("acquire respects context cancellation while blocked", func(t *testing.T) {
		pool, err := NewChannelPool(healthyManager(t),
			WithCapacity(1),
			WithAcquireTimeout(10*time.Second),
		)
		require.NoError(t, err)

		<-pool.slots

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err = pool.Get(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("freed slot unblocks a waiting acquire", func(t *testing.T) {
		pool, err := NewChannelPool(healthyManager(t),
			WithCapacity(1),
			WithAcquireTimeout(time.Second),
		)
		require.NoError(t, err)

		<-pool.slots
		go func() {
			time.Sleep(20 * time.Millisecond)
			pool.slots <- struct{}{}
		}()

		// The lease slot frees, then channel creation fails because the
		// manager has no live connection; that maps to PoolUnavailable,
		// not PoolExhausted.
		_, err = pool.Get(context.Background())
		assert.ErrorIs(t, err, ErrPoolUnavailable)
		assert.NotErrorIs(t, err, ErrPoolExhausted)
		assert.Equal(t, 0, pool.Leased())
	})
}
