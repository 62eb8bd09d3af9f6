package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is advanced by hand
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingListener struct {
	mu          sync.Mutex
	transitions []State
}

func (l *recordingListener) OnStateChange(from, to State, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, to)
}

func (l *recordingListener) seen() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.transitions...)
}

var errBroker = errors.New("broker down")

func fail() error    { return errBroker }
func succeed() error { return nil }

func TestBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("starts closed", func(t *testing.T) {
		b := NewBreaker()
		assert.Equal(t, StateClosed, b.State())
		assert.NoError(t, b.Execute(ctx, succeed))
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		b := NewBreaker(WithFailureThreshold(3))

		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, b.Execute(ctx, fail), errBroker)
		}
		assert.Equal(t, StateOpen, b.State())

		called := false
		err := b.Execute(ctx, func() error {
			called = true
			return nil
		})
		assert.False(t, called)
		assert.ErrorIs(t, err, ErrCircuitOpen)

		var openErr *OpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, 3, openErr.Failures)
		assert.Contains(t, err.Error(), "3/3")
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		b := NewBreaker(WithFailureThreshold(2))
		b.Execute(ctx, fail)
		b.Execute(ctx, succeed)
		b.Execute(ctx, fail)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("half-open after cooldown then closes", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		b := NewBreaker(
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithCooldown(time.Minute),
			WithClock(clock.Now),
		)

		b.Execute(ctx, fail)
		require.Equal(t, StateOpen, b.State())

		clock.Advance(30 * time.Second)
		assert.ErrorIs(t, b.Execute(ctx, succeed), ErrCircuitOpen)

		clock.Advance(31 * time.Second)
		assert.NoError(t, b.Execute(ctx, succeed))
		assert.Equal(t, StateHalfOpen, b.State())

		assert.NoError(t, b.Execute(ctx, succeed))
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("failed trial reopens", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		b := NewBreaker(WithFailureThreshold(1), WithCooldown(time.Second), WithClock(clock.Now))

		b.Execute(ctx, fail)
		clock.Advance(2 * time.Second)

		assert.ErrorIs(t, b.Execute(ctx, fail), errBroker)
		assert.Equal(t, StateOpen, b.State())
		assert.ErrorIs(t, b.Execute(ctx, succeed), ErrCircuitOpen)
	})

	t.Run("limits concurrent trial calls", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		b := NewBreaker(WithFailureThreshold(1), WithCooldown(time.Second), WithClock(clock.Now))

		b.Execute(ctx, fail)
		clock.Advance(2 * time.Second)

		release := make(chan struct{})
		started := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- b.Execute(ctx, func() error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		err := b.Execute(ctx, succeed)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		var openErr *OpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, StateHalfOpen, openErr.State)

		close(release)
		require.NoError(t, <-done)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("cancelled context is not a failure", func(t *testing.T) {
		b := NewBreaker(WithFailureThreshold(1))

		assert.ErrorIs(t, b.Execute(ctx, func() error { return context.Canceled }), context.Canceled)
		assert.Equal(t, StateClosed, b.State())

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		called := false
		err := b.Execute(cancelled, func() error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})

	t.Run("reset closes", func(t *testing.T) {
		b := NewBreaker(WithFailureThreshold(1))
		b.Execute(ctx, fail)
		b.Reset()
		assert.Equal(t, StateClosed, b.State())
		assert.NoError(t, b.Execute(ctx, succeed))
	})

	t.Run("notifies listeners", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		listener := &recordingListener{}
		b := NewBreaker(
			WithFailureThreshold(1),
			WithCooldown(time.Second),
			WithClock(clock.Now),
			WithListener(listener),
		)

		b.Execute(ctx, fail)
		clock.Advance(2 * time.Second)
		b.Execute(ctx, succeed)

		assert.Eventually(t, func() bool {
			return len(listener.seen()) == 3
		}, time.Second, 5*time.Millisecond)
		assert.ElementsMatch(t, []State{StateOpen, StateHalfOpen, StateClosed}, listener.seen())
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
