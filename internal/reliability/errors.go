package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is matched by every *OpenError
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
)

// OpenError is returned when the breaker rejects a call
type OpenError struct {
	State            State
	Failures         int
	FailureThreshold int
	RetryAt          time.Time
}

func (e *OpenError) Error() string {
	if e.State == StateHalfOpen {
		return "circuit breaker half-open: trial call limit reached"
	}
	return fmt.Sprintf("circuit breaker open: %d/%d consecutive failures, retry in %v",
		e.Failures, e.FailureThreshold, time.Until(e.RetryAt).Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrCircuitOpen) hold
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}
