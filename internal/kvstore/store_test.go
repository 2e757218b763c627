package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("rejects malformed urls", func(t *testing.T) {
		_, err := New("not-a-url", 10)
		assert.Error(t, err)
	})

	t.Run("applies pool size and options", func(t *testing.T) {
		s, err := New("redis://localhost:6379/0", 12, WithKeyPrefix("test:pending:"))
		require.NoError(t, err)
		defer s.Close()

		assert.Equal(t, "test:pending:", s.keyPrefix)
		assert.Equal(t, 12, s.client.Options().PoolSize)
	})

	t.Run("keeps client default pool size when zero", func(t *testing.T) {
		s, err := New("redis://localhost:6379/0", 0)
		require.NoError(t, err)
		defer s.Close()

		assert.Greater(t, s.client.Options().PoolSize, 0)
	})
}

func TestPutPendingSkipsExpired(t *testing.T) {
	s, err := New("redis://localhost:6379/0", 1)
	require.NoError(t, err)
	defer s.Close()

	// A deadline already in the past never reaches the store, so this
	// succeeds without a live server.
	err = s.PutPending(context.Background(), "corr-1", "reply.q",
		time.Now().Add(-time.Minute), time.Now().Add(-time.Second))
	assert.NoError(t, err)
}
