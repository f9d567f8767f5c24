package cbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shrtyk/replica-core/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	cb := New(api.CircuitBreakerCfg{FailureThreshold: 2, SuccessThreshold: 2, ResetTimeout: time.Second})
	cb.now = clock.now
	return cb
}

func failing(context.Context) (int, error)    { return 0, errors.New("unavailable") }
func succeeding(context.Context) (int, error) { return 1, nil }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("opens after consecutive failures", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(0, 0)}
		cb := newTestBreaker(clock)

		_, err := Do(ctx, cb, failing)
		require.Error(t, err)
		assert.Equal(t, Closed, cb.State())

		_, err = Do(ctx, cb, failing)
		require.Error(t, err)
		assert.Equal(t, Open, cb.State())
		assert.False(t, cb.IsClosed())

		_, err = Do(ctx, cb, succeeding)
		assert.ErrorIs(t, err, ErrOpenState)
	})

	t.Run("success resets failure counter", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(0, 0)}
		cb := newTestBreaker(clock)

		_, _ = Do(ctx, cb, failing)
		_, err := Do(ctx, cb, succeeding)
		require.NoError(t, err)
		_, _ = Do(ctx, cb, failing)
		assert.Equal(t, Closed, cb.State())
	})

	t.Run("half-open trial calls close after enough successes", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(0, 0)}
		cb := newTestBreaker(clock)
		_, _ = Do(ctx, cb, failing)
		_, _ = Do(ctx, cb, failing)
		require.Equal(t, Open, cb.State())

		clock.t = clock.t.Add(2 * time.Second)
		assert.True(t, cb.IsClosed())

		v, err := Do(ctx, cb, succeeding)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		assert.Equal(t, HalfOpen, cb.State())

		_, err = Do(ctx, cb, succeeding)
		require.NoError(t, err)
		assert.Equal(t, Closed, cb.State())
	})

	t.Run("half-open failure reopens", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(0, 0)}
		cb := newTestBreaker(clock)
		_, _ = Do(ctx, cb, failing)
		_, _ = Do(ctx, cb, failing)

		clock.t = clock.t.Add(2 * time.Second)
		_, err := Do(ctx, cb, failing)
		require.Error(t, err)
		assert.Equal(t, Open, cb.State())
		assert.False(t, cb.IsClosed())
	})
}

func TestCircuitBreaker_StateListener(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(0, 0)}

	var transitions []string
	cb := New(
		api.CircuitBreakerCfg{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Second},
		WithStateListener(func(from, to State) { transitions = append(transitions, from.String()+"->"+to.String()) }),
	)
	cb.now = clock.now

	_, _ = Do(ctx, cb, failing)
	clock.t = clock.t.Add(time.Second)
	_, _ = Do(ctx, cb, succeeding)

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}
