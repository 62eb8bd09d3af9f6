package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(from, to State, reason string)
}

// Breaker implements the circuit breaker pattern. It is safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	openedAt         time.Time
	halfOpenInFlight int

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	halfOpenRequests int
	now              func() time.Time

	listeners []StateChangeListener
}

// BreakerOption configures the breaker
type BreakerOption func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(threshold int) BreakerOption {
	return func(b *Breaker) {
		b.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets how many half-open successes close the circuit
func WithSuccessThreshold(threshold int) BreakerOption {
	return func(b *Breaker) {
		b.successThreshold = threshold
	}
}

// WithCooldown sets how long the circuit stays open before a trial call
func WithCooldown(cooldown time.Duration) BreakerOption {
	return func(b *Breaker) {
		b.cooldown = cooldown
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithListener registers a state change listener
func WithListener(listener StateChangeListener) BreakerOption {
	return func(b *Breaker) {
		b.listeners = append(b.listeners, listener)
	}
}

// NewBreaker creates a closed breaker
func NewBreaker(options ...BreakerOption) *Breaker {
	b := &Breaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 1,
		cooldown:         30 * time.Second,
		halfOpenRequests: 1,
		now:              time.Now,
	}

	for _, opt := range options {
		opt(b)
	}
	if b.failureThreshold < 1 {
		b.failureThreshold = 1
	}
	if b.successThreshold < 1 {
		b.successThreshold = 1
	}

	return b
}

// Execute runs fn unless the circuit is open. A cancelled context is not
// counted as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	b.record(err)
	return err
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the circuit and clears the counters
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed, "reset")
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		retryAt := b.openedAt.Add(b.cooldown)
		if b.now().Before(retryAt) {
			return &OpenError{
				State:            StateOpen,
				Failures:         b.failures,
				FailureThreshold: b.failureThreshold,
				RetryAt:          retryAt,
			}
		}
		b.transition(StateHalfOpen, "cooldown expired")
		b.halfOpenInFlight++
		return nil

	default:
		if b.halfOpenInFlight >= b.halfOpenRequests {
			return &OpenError{
				State:            StateHalfOpen,
				Failures:         b.failures,
				FailureThreshold: b.failureThreshold,
				RetryAt:          b.now(),
			}
		}
		b.halfOpenInFlight++
		return nil
	}
}

func (b *Breaker) record(err error) {
	if errors.Is(err, context.Canceled) {
		b.mu.Lock()
		if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	if err != nil {
		b.failures++
		switch b.state {
		case StateClosed:
			if b.failures >= b.failureThreshold {
				b.transition(StateOpen,
					fmt.Sprintf("failure threshold reached (%d/%d)", b.failures, b.failureThreshold))
			}
		case StateHalfOpen:
			b.transition(StateOpen, "trial call failed")
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.transition(StateClosed,
				fmt.Sprintf("success threshold reached (%d/%d)", b.successes, b.successThreshold))
		}
	}
}

// transition must be called with mu held
func (b *Breaker) transition(to State, reason string) {
	from := b.state
	b.state = to
	b.successes = 0
	b.halfOpenInFlight = 0
	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.failures = 0
	}

	if from == to {
		return
	}
	for _, l := range b.listeners {
		go l.OnStateChange(from, to, reason)
	}
}
