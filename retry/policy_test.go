package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errDeadlock = errors.New("deadlock detected")
	errFatal    = errors.New("constraint violated")
)

func TestJobBackoff(t *testing.T) {
	p := JobBackoff(10)

	// A job failing with retry count n waits 5^n seconds.
	assert.Equal(t, 1*time.Second, p.GetDelay(0+1))
	assert.Equal(t, 5*time.Second, p.GetDelay(1+1))
	assert.Equal(t, 25*time.Second, p.GetDelay(2+1))
	assert.Equal(t, 125*time.Second, p.GetDelay(3+1))

	assert.True(t, p.ShouldRetry(10, errDeadlock))
	assert.False(t, p.ShouldRetry(11, errDeadlock))

	strict := JobBackoff(10, errFatal)
	assert.False(t, strict.ShouldRetry(1, fmt.Errorf("step: %w", errFatal)))
	assert.True(t, strict.ShouldRetry(1, errDeadlock))
	assert.Zero(t, strict.RandomizationFactor)
}

func TestTransactionPolicy(t *testing.T) {
	p := Transaction(3)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, time.Second, p.MaxInterval)
}

func TestGetDelayUncappedWhenMaxIntervalZero(t *testing.T) {
	p := &Policy{InitialInterval: time.Second, Multiplier: 5}
	assert.Equal(t, 625*time.Second, p.GetDelay(5))

	// Stays positive for absurd attempt counts.
	assert.Greater(t, p.GetDelay(100), time.Duration(0))
}

func TestGetDelayCapped(t *testing.T) {
	p := &Policy{
		InitialInterval: 1 * time.Second,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
	}
	assert.Equal(t, 5*time.Second, p.GetDelay(4))
}

func TestGetDelayWithJitter(t *testing.T) {
	p := Transaction(3)
	for i := 0; i < 100; i++ {
		d := p.GetDelay(1)
		assert.GreaterOrEqual(t, d, 25*time.Millisecond)
		assert.LessOrEqual(t, d, 75*time.Millisecond)
	}
}

func TestShouldRetry(t *testing.T) {
	p := &Policy{MaxAttempts: 3, NonRetryableErrors: []error{errFatal}}

	assert.True(t, p.ShouldRetry(1, errDeadlock))
	assert.True(t, p.ShouldRetry(2, errDeadlock))
	assert.False(t, p.ShouldRetry(3, errDeadlock))
	assert.False(t, p.ShouldRetry(1, errFatal))
	assert.False(t, p.ShouldRetry(1, errors.Join(errors.New("wrapper"), errFatal)))

	unlimited := &Policy{}
	assert.True(t, unlimited.ShouldRetry(1000, errDeadlock))
	assert.False(t, (&Policy{MaxAttempts: 1}).ShouldRetry(1, errDeadlock))
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	p := NewBuilder().WithMaxAttempts(3).WithInitialInterval(time.Millisecond).WithMultiplier(1).Build()

	t.Run("succeeds after retries", func(t *testing.T) {
		calls := 0
		err := Do(ctx, p, nil, func(context.Context) error {
			calls++
			if calls < 3 {
				return errDeadlock
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := Do(ctx, p, nil, func(context.Context) error {
			calls++
			return errDeadlock
		})
		assert.ErrorIs(t, err, errDeadlock)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on non-retryable", func(t *testing.T) {
		calls := 0
		err := Do(ctx, p, func(err error) bool { return !errors.Is(err, errFatal) }, func(context.Context) error {
			calls++
			return errFatal
		})
		assert.ErrorIs(t, err, errFatal)
		assert.Equal(t, 1, calls)
	})

	t.Run("honors context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := Do(cctx, NewBuilder().WithInitialInterval(time.Hour).Build(), nil, func(context.Context) error {
			return errDeadlock
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, errDeadlock)
	})
}

func TestBuilder(t *testing.T) {
	p := NewBuilder().
		WithMaxAttempts(5).
		WithInitialInterval(500*time.Millisecond).
		WithMaxInterval(30*time.Second).
		WithMultiplier(1.5).
		WithJitter(0.3).
		WithNonRetryableErrors(errFatal).
		Build()

	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.InitialInterval)
	assert.Equal(t, 30*time.Second, p.MaxInterval)
	assert.Equal(t, 1.5, p.Multiplier)
	assert.Equal(t, 0.3, p.RandomizationFactor)
	assert.False(t, p.ShouldRetry(1, errFatal))
}
