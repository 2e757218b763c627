package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	t.Run("rejects duplicate correlation ids", func(t *testing.T) {
		table := NewTable()

		_, err := table.Register(context.Background(), "corr-1", time.Now().Add(time.Second))
		require.NoError(t, err)

		_, err = table.Register(context.Background(), "corr-1", time.Now().Add(time.Second))
		assert.ErrorIs(t, err, ErrDuplicateCorrelationID)
		assert.Equal(t, 1, table.Len())
	})

	t.Run("rejects registration after drain", func(t *testing.T) {
		table := NewTable()
		table.Drain(errors.New("shutting down"))

		_, err := table.Register(context.Background(), "corr-1", time.Now().Add(time.Second))
		assert.ErrorIs(t, err, ErrTableClosed)
	})
}

func TestResolve(t *testing.T) {
	t.Run("delivers payload to awaiting caller", func(t *testing.T) {
		table := NewTable()
		handle, err := table.Register(context.Background(), "corr-1", time.Now().Add(time.Second))
		require.NoError(t, err)

		assert.True(t, table.Resolve("corr-1", []byte("result")))

		payload, err := handle.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte("result"), payload)
		assert.Equal(t, 0, table.Len())
	})

	t.Run("second resolve is a no-op", func(t *testing.T) {
		table := NewTable()
		_, err := table.Register(context.Background(), "corr-1", time.Now().Add(time.Second))
		require.NoError(t, err)

		assert.True(t, table.Resolve("corr-1", []byte("first")))
		assert.False(t, table.Resolve("corr-1", []byte("second")))
	})

	t.Run("unknown correlation id returns false", func(t *testing.T) {
		table := NewTable()
		assert.False(t, table.Resolve("never-registered", []byte("late")))
	})
}

func TestFail(t *testing.T) {
	table := NewTable()
	handle, err := table.Register(context.Background(), "corr-1", time.Now().Add(time.Minute))
	require.NoError(t, err)

	cause := errors.New("publish exhausted")
	assert.True(t, table.Fail("corr-1", cause))

	// Failure surfaces well before the deadline would have.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = handle.Await(ctx)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 0, table.Len())
}

func TestExpire(t *testing.T) {
	t.Run("reaps only past-deadline entries", func(t *testing.T) {
		table := NewTable()

		expired, err := table.Register(context.Background(), "corr-old", time.Now().Add(-time.Millisecond))
		require.NoError(t, err)
		_, err = table.Register(context.Background(), "corr-fresh", time.Now().Add(time.Minute))
		require.NoError(t, err)

		assert.Equal(t, 1, table.Expire(time.Now()))
		assert.Equal(t, 1, table.Len())
		assert.True(t, table.Contains("corr-fresh"))

		_, err = expired.Await(context.Background())
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("reply after expiry is dropped", func(t *testing.T) {
		table := NewTable()
		_, err := table.Register(context.Background(), "corr-1", time.Now().Add(-time.Millisecond))
		require.NoError(t, err)

		require.Equal(t, 1, table.Expire(time.Now()))
		assert.False(t, table.Resolve("corr-1", []byte("too late")))
		assert.Equal(t, 0, table.Len())
	})

	t.Run("races with resolve without double completion", func(t *testing.T) {
		table := NewTable()
		deadline := time.Now().Add(10 * time.Millisecond)

		const n = 200
		handles := make([]*Handle, n)
		ids := make([]string, n)
		for i := 0; i < n; i++ {
			ids[i] = fmt.Sprintf("corr-%d", i)
			h, err := table.Register(context.Background(), ids[i], deadline)
			require.NoError(t, err)
			handles[i] = h
		}

		var resolved, expired atomic.Int64
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for _, id := range ids {
				if table.Resolve(id, []byte("ok")) {
					resolved.Add(1)
				}
			}
		}()
		go func() {
			defer wg.Done()
			expired.Add(int64(table.Expire(time.Now().Add(time.Second))))
		}()
		wg.Wait()

		// Every entry completed exactly once, whichever side got there first.
		assert.Equal(t, int64(n), resolved.Load()+expired.Load())
		assert.Equal(t, 0, table.Len())
		for _, h := range handles {
			_, err := h.Await(context.Background())
			if err != nil {
				assert.ErrorIs(t, err, ErrTimeout)
			}
		}
	})
}

func TestDeregister(t *testing.T) {
	t.Run("drops entry without completing the handle", func(t *testing.T) {
		table := NewTable()
		handle, err := table.Register(context.Background(), "corr-1", time.Now().Add(time.Minute))
		require.NoError(t, err)

		assert.True(t, table.Deregister("corr-1"))
		assert.Equal(t, 0, table.Len())

		// A late reply finds nothing and the handle stays silent.
		assert.False(t, table.Resolve("corr-1", []byte("late")))
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = handle.Await(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("returns false for unknown ids", func(t *testing.T) {
		table := NewTable()
		assert.False(t, table.Deregister("corr-1"))
	})
}

func TestDrain(t *testing.T) {
	table := NewTable()

	h1, err := table.Register(context.Background(), "corr-1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	h2, err := table.Register(context.Background(), "corr-2", time.Now().Add(time.Minute))
	require.NoError(t, err)

	cause := errors.New("bridge closed")
	assert.Equal(t, 2, table.Drain(cause))
	assert.Equal(t, 0, table.Len())

	for _, h := range []*Handle{h1, h2} {
		_, err := h.Await(context.Background())
		assert.ErrorIs(t, err, cause)
	}
}

func TestAwaitCancellation(t *testing.T) {
	table := NewTable()
	handle, err := table.Register(context.Background(), "corr-1", time.Now().Add(time.Minute))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = handle.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// Entry stays pending until the caller deregisters it.
	assert.True(t, table.Contains("corr-1"))
	assert.True(t, table.Deregister("corr-1"))
}

type recordingMirror struct {
	mu      sync.Mutex
	puts    []string
	deletes []string
	putErr  error
}

func (m *recordingMirror) PutPending(_ context.Context, correlationID, _ string, _, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = append(m.puts, correlationID)
	return m.putErr
}

func (m *recordingMirror) DeletePending(_ context.Context, correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, correlationID)
	return nil
}

func TestMirror(t *testing.T) {
	t.Run("shadows register and resolve", func(t *testing.T) {
		mirror := &recordingMirror{}
		table := NewTable(WithMirror(mirror, "qbridge.reply.test"))

		_, err := table.Register(context.Background(), "corr-1", time.Now().Add(time.Second))
		require.NoError(t, err)
		require.True(t, table.Resolve("corr-1", []byte("ok")))

		assert.Eventually(t, func() bool {
			mirror.mu.Lock()
			defer mirror.mu.Unlock()
			return len(mirror.deletes) == 1 && mirror.deletes[0] == "corr-1"
		}, time.Second, 10*time.Millisecond)

		mirror.mu.Lock()
		defer mirror.mu.Unlock()
		assert.Equal(t, []string{"corr-1"}, mirror.puts)
	})

	t.Run("mirror failure never fails the register", func(t *testing.T) {
		mirror := &recordingMirror{putErr: errors.New("store down")}
		table := NewTable(WithMirror(mirror, "qbridge.reply.test"))

		handle, err := table.Register(context.Background(), "corr-1", time.Now().Add(time.Second))
		require.NoError(t, err)
		require.NotNil(t, handle)
		assert.True(t, table.Resolve("corr-1", []byte("ok")))
	})
}

func TestConcurrentRegisterResolve(t *testing.T) {
	table := NewTable()

	const workers = 8
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				handle, err := table.Register(context.Background(), id, time.Now().Add(time.Second))
				require.NoError(t, err)
				go table.Resolve(id, []byte("ok"))
				_, err = handle.Await(context.Background())
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 0, table.Len())
}
