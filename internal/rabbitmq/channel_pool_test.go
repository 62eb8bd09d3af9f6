package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingProvider never has a connection
type failingProvider struct {
	err error
}

func (p failingProvider) GetConnection() (*amqp.Connection, error) {
	return nil, p.err
}

func TestChannelPool(t *testing.T) {
	t.Run("NewChannelPool requires a provider", func(t *testing.T) {
		_, err := NewChannelPool(nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("NewChannelPool fails without connection", func(t *testing.T) {
		manager := NewConnectionManager([]string{"amqp://localhost:5672"})
		_, err := NewChannelPool(manager)
		require.Error(t, err)

		var chanErr *ChannelError
		require.ErrorAs(t, err, &chanErr)
		assert.Equal(t, "pool initialization", chanErr.Op)
		assert.ErrorIs(t, err, ErrConnectionNotReady)
	})

	t.Run("NewChannelPool validates sizes", func(t *testing.T) {
		provider := failingProvider{err: ErrConnectionNotReady}

		_, err := NewChannelPool(provider, WithMaxSize(0))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)

		_, err = NewChannelPool(provider, WithMaxSize(2), WithMinSize(3))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("lazy pool opens nothing up front", func(t *testing.T) {
		pool, err := NewChannelPool(failingProvider{err: ErrConnectionNotReady}, WithMinSize(0))
		require.NoError(t, err)
		defer pool.Close()

		assert.Equal(t, 0, pool.Size())
		assert.Equal(t, 0, pool.Idle())
	})

	t.Run("Get surfaces connection errors and frees the slot", func(t *testing.T) {
		boom := errors.New("boom")
		pool, err := NewChannelPool(failingProvider{err: boom}, WithMinSize(0), WithMaxSize(1))
		require.NoError(t, err)
		defer pool.Close()

		for i := 0; i < 3; i++ {
			_, err = pool.Get(context.Background())
			assert.ErrorIs(t, err, boom)
		}
		assert.Equal(t, 0, pool.Size())
	})

	t.Run("Get on cancelled context fails", func(t *testing.T) {
		pool, err := NewChannelPool(failingProvider{err: ErrConnectionNotReady}, WithMinSize(0))
		require.NoError(t, err)
		defer pool.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = pool.Get(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Get times out at capacity", func(t *testing.T) {
		pool, err := NewChannelPool(failingProvider{err: ErrConnectionNotReady},
			WithMinSize(0), WithMaxSize(1), WithWaitTimeout(10*time.Millisecond))
		require.NoError(t, err)
		defer pool.Close()

		// Pretend the only slot is borrowed.
		require.True(t, pool.reserve())

		_, err = pool.Get(context.Background())
		assert.ErrorIs(t, err, ErrChannelPoolExhausted)
	})

	t.Run("ChannelPool applies options", func(t *testing.T) {
		pool := &ChannelPool{}

		WithMaxSize(20)(pool)
		WithMinSize(5)(pool)
		WithIdleTimeout(10 * time.Minute)(pool)
		WithWaitTimeout(time.Second)(pool)
		WithConfirmMode(true)(pool)

		assert.Equal(t, 20, pool.maxSize)
		assert.Equal(t, 5, pool.minSize)
		assert.Equal(t, 10*time.Minute, pool.idleTimeout)
		assert.Equal(t, time.Second, pool.waitTimeout)
		assert.True(t, pool.confirm)
	})

	t.Run("Get from closed pool returns error", func(t *testing.T) {
		pool, err := NewChannelPool(failingProvider{}, WithMinSize(0))
		require.NoError(t, err)
		require.NoError(t, pool.Close())
		require.NoError(t, pool.Close())

		_, err = pool.Get(context.Background())
		assert.Equal(t, ErrChannelPoolClosed, err)
		assert.True(t, pool.IsClosed())
	})

	t.Run("Execute propagates Get errors", func(t *testing.T) {
		pool, err := NewChannelPool(failingProvider{}, WithMinSize(0))
		require.NoError(t, err)
		require.NoError(t, pool.Close())

		called := false
		err = pool.Execute(context.Background(), func(*amqp.Channel) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, ErrChannelPoolClosed)
		assert.False(t, called)
	})

	t.Run("Put and Discard accept nil", func(t *testing.T) {
		pool := &ChannelPool{closed: true}
		pool.Put(nil)
		pool.Discard(nil)
	})

	t.Run("Size returns active count", func(t *testing.T) {
		pool := &ChannelPool{activeCount: 5}
		assert.Equal(t, 5, pool.Size())
	})
}

func TestPublisher(t *testing.T) {
	t.Run("NewPublisher creates with defaults", func(t *testing.T) {
		pool := &ChannelPool{}
		publisher := NewPublisher(pool)

		assert.Equal(t, pool, publisher.pool)
		assert.Equal(t, 10*time.Second, publisher.publishTimeout)
		assert.Equal(t, 0, publisher.maxRetries)
		assert.False(t, publisher.confirm)
	})

	t.Run("NewPublisher applies options", func(t *testing.T) {
		publisher := NewPublisher(&ChannelPool{},
			WithPublishTimeout(15*time.Second),
			WithPublishRetries(5),
			WithPublishConfirms(true))

		assert.Equal(t, 15*time.Second, publisher.publishTimeout)
		assert.Equal(t, 5, publisher.maxRetries)
		assert.True(t, publisher.confirm)
	})

	t.Run("Publish on closed pool returns PublishError", func(t *testing.T) {
		pool, err := NewChannelPool(failingProvider{}, WithMinSize(0))
		require.NoError(t, err)
		require.NoError(t, pool.Close())

		publisher := NewPublisher(pool, WithPublishRetries(3))
		err = publisher.Publish(context.Background(), "logs", "", amqp.Publishing{Body: []byte("x")})
		require.Error(t, err)

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "logs", pubErr.Exchange)
		// A closed pool is not retryable, so only one attempt is made.
		assert.ErrorIs(t, err, ErrChannelPoolClosed)
		assert.NotContains(t, err.Error(), "attempts")
	})
}
