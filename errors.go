package rabbitsink

import (
	"errors"

	"github.com/glimte/rabbitsink/internal/rabbitmq"
	"github.com/glimte/rabbitsink/internal/reliability"
)

var (
	// ErrInvalidConfiguration is wrapped by every configuration error
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	// ErrNotConnected is returned when the broker connection is down
	ErrNotConnected = rabbitmq.ErrConnectionNotReady
	// ErrCircuitOpen is passed to failure handling while a sink has
	// suspended publishing
	ErrCircuitOpen = reliability.ErrCircuitOpen

	ErrClientClosed = errors.New("rabbitsink: client is closed")
	ErrSinkClosed   = errors.New("rabbitsink: sink is closed")
	ErrEventDropped = errors.New("rabbitsink: event dropped")
)

// IsRetryable reports whether a publish error may succeed if attempted again
// (broker unreachable, connection dropped) as opposed to a permanent failure
// such as bad credentials or a missing exchange.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrClientClosed) || errors.Is(err, ErrSinkClosed) {
		return false
	}
	return rabbitmq.IsRetryable(err)
}
