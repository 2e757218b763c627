package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("allows retries up to the ceiling", func(t *testing.T) {
		policy := NewExponentialBackoff(10*time.Millisecond, 100*time.Millisecond, 2.0, 3)

		retry, delay := policy.ShouldRetry(0, errors.New("boom"))
		assert.True(t, retry)
		assert.Greater(t, delay, time.Duration(0))

		retry, _ = policy.ShouldRetry(2, errors.New("boom"))
		assert.True(t, retry)

		retry, _ = policy.ShouldRetry(3, errors.New("boom"))
		assert.False(t, retry)
	})

	t.Run("delay grows with attempts and is capped", func(t *testing.T) {
		policy := NewExponentialBackoff(10*time.Millisecond, 40*time.Millisecond, 2.0, 10)
		policy.Jitter = false

		_, d0 := policy.ShouldRetry(0, errors.New("x"))
		_, d1 := policy.ShouldRetry(1, errors.New("x"))
		_, d5 := policy.ShouldRetry(5, errors.New("x"))

		assert.Equal(t, 10*time.Millisecond, d0)
		assert.Equal(t, 20*time.Millisecond, d1)
		assert.Equal(t, 40*time.Millisecond, d5)
	})

	t.Run("does not retry non-retryable errors", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 5)

		err := RetryableError{Err: errors.New("rejected"), Retryable: false}
		retry, _ := policy.ShouldRetry(0, err)
		assert.False(t, retry)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		policy := NewFixedDelay(time.Millisecond, 5)
		attempts := 0

		err := Retry(context.Background(), policy, func() error {
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("returns last error when ceiling is exhausted", func(t *testing.T) {
		policy := NewFixedDelay(time.Millisecond, 2)
		attempts := 0
		boom := errors.New("still broken")

		err := Retry(context.Background(), policy, func() error {
			attempts++
			return boom
		})

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, attempts) // initial attempt plus two retries
	})

	t.Run("stops immediately on non-retryable error", func(t *testing.T) {
		policy := NewFixedDelay(time.Millisecond, 5)
		attempts := 0

		err := Retry(context.Background(), policy, func() error {
			attempts++
			return RetryableError{Err: errors.New("fatal"), Retryable: false}
		})

		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("honours context cancellation between attempts", func(t *testing.T) {
		policy := NewFixedDelay(time.Hour, 5)
		ctx, cancel := context.WithCancel(context.Background())

		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, policy, func() error {
			return errors.New("transient")
		})

		assert.ErrorIs(t, err, context.Canceled)
	})
}
