package health

import (
	"context"
	"fmt"
	"time"
)

// ClientProbe is the part of *rabbitsink.Client the checkers need
type ClientProbe interface {
	Connected() bool
	Ping(ctx context.Context) error
	OpenChannels() int
	BusyChannels() int
}

// SinkProbe is the part of *rabbitsink.Sink the checkers need
type SinkProbe interface {
	Pending() int
}

// ConnectionChecker checks the broker connection and the target exchange
type ConnectionChecker struct {
	client ClientProbe
}

// NewConnectionChecker creates a connection health checker
func NewConnectionChecker(client ClientProbe) *ConnectionChecker {
	return &ConnectionChecker{client: client}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.client.Connected()
	result.Details["connection_open"] = connected
	if !connected {
		result.Status = StatusUnhealthy
		result.Message = "Connection is not open"
		result.Duration = time.Since(start)
		return result
	}

	// The connection is up; a failed ping means the exchange is missing or
	// unreachable for this user.
	if err := c.client.Ping(ctx); err != nil {
		result.Status = StatusDegraded
		result.Message = "Exchange check failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ChannelPoolChecker reports how many publish channels are in use
type ChannelPoolChecker struct {
	client      ClientProbe
	maxChannels int
}

// NewChannelPoolChecker creates a channel pool checker. The pool is degraded
// while every one of maxChannels channels is borrowed, since further
// concurrent publishes have to wait. Idle pooled channels do not count.
func NewChannelPoolChecker(client ClientProbe, maxChannels int) *ChannelPoolChecker {
	return &ChannelPoolChecker{client: client, maxChannels: maxChannels}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	busy := c.client.BusyChannels()
	result.Details["open_channels"] = c.client.OpenChannels()
	result.Details["busy_channels"] = busy
	result.Details["max_channels"] = c.maxChannels

	switch {
	case !c.client.Connected():
		result.Status = StatusUnhealthy
		result.Message = "No connection for channels"
	case c.maxChannels > 0 && busy >= c.maxChannels:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("All %d channels in use", c.maxChannels)
	default:
		result.Status = StatusHealthy
		result.Message = "Channel pool is healthy"
	}

	result.Duration = time.Since(start)
	return result
}

// SinkChecker watches the sink backlog
type SinkChecker struct {
	sink       SinkProbe
	queueLimit int
	warnAt     int
}

// NewSinkChecker creates a backlog checker. With a queueLimit the sink is
// unhealthy when full and degraded above 80% of it; without one it is
// degraded above warnAt pending events (default 10000).
func NewSinkChecker(sink SinkProbe, queueLimit, warnAt int) *SinkChecker {
	if warnAt <= 0 {
		warnAt = 10000
	}
	return &SinkChecker{sink: sink, queueLimit: queueLimit, warnAt: warnAt}
}

func (c *SinkChecker) Name() string {
	return "sink"
}

func (c *SinkChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	pending := c.sink.Pending()
	result.Details["pending_events"] = pending

	switch {
	case c.queueLimit > 0 && pending >= c.queueLimit:
		result.Status = StatusUnhealthy
		result.Message = "Sink queue is full, events are being dropped"
	case c.queueLimit > 0 && pending*5 > c.queueLimit*4:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Sink backlog at %d of %d", pending, c.queueLimit)
	case c.queueLimit <= 0 && pending > c.warnAt:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Sink backlog of %d events", pending)
	default:
		result.Status = StatusHealthy
		result.Message = "Sink is keeping up"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
