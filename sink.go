package rabbitsink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/glimte/rabbitsink/internal/reliability"
)

// Emitter accepts one formatted log event. *Sink implements it.
type Emitter interface {
	Emit(message string) bool
}

// FailureHandling selects what the sink does with events it could not publish.
// Values may be combined; FailureIgnore overrides the others.
type FailureHandling uint8

const (
	// FailureWriteToSelfLog reports the failure on the sink's own logger
	FailureWriteToSelfLog FailureHandling = 1 << iota
	// FailureWriteToFallback writes the event to SinkConfig.Fallback
	FailureWriteToFallback
	// FailureIgnore discards failed events silently
	FailureIgnore
)

// SinkConfig controls batching and failure handling
type SinkConfig struct {
	// BatchPostingLimit is the most events posted in one batch. Default 50.
	BatchPostingLimit int
	// Period is the longest an event waits before being posted. Default 2s.
	Period time.Duration
	// QueueLimit caps queued events; 0 means unbounded.
	QueueLimit int
	// PublishTimeout bounds each publish. Default 10s.
	PublishTimeout time.Duration
	// EmitEventFailure defaults to FailureWriteToSelfLog.
	EmitEventFailure FailureHandling
	// Fallback receives failed events, one per line, with FailureWriteToFallback.
	Fallback io.Writer
	// BreakerThreshold suspends publishing after this many consecutive
	// failures; queued events then fail with ErrCircuitOpen until
	// BreakerCooldown (default 30s) passes. 0 disables the breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (c SinkConfig) withDefaults() SinkConfig {
	if c.BatchPostingLimit <= 0 {
		c.BatchPostingLimit = 50
	}
	if c.Period <= 0 {
		c.Period = 2 * time.Second
	}
	if c.QueueLimit < 0 {
		c.QueueLimit = 0
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.EmitEventFailure == 0 {
		c.EmitEventFailure = FailureWriteToSelfLog
	}
	if c.BreakerThreshold > 0 && c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// SinkOption configures the sink
type SinkOption func(*Sink)

// WithSelfLog sets the logger that receives the sink's own failures. It must
// not write back into this sink. The default logs text to stderr.
func WithSelfLog(logger *slog.Logger) SinkOption {
	return func(s *Sink) {
		s.selfLog = logger
	}
}

// WithSinkMetrics records dropped events and posted batches
func WithSinkMetrics(metrics *Metrics) SinkOption {
	return func(s *Sink) {
		s.metrics = metrics
	}
}

// Sink queues log events and posts them in batches from a background worker,
// so logging never waits on the broker. Events are published in the order
// they were emitted.
type Sink struct {
	pub     MessagePublisher
	cfg     SinkConfig
	selfLog *slog.Logger
	metrics *Metrics
	breaker *reliability.Breaker

	mu       sync.Mutex
	pending  []string
	head     int // pending[:head] was already taken by the worker
	closed   bool
	fallback sync.Mutex

	wake     chan struct{}
	flushReq chan chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewSink starts a sink that publishes through pub
func NewSink(pub MessagePublisher, cfg SinkConfig, options ...SinkOption) *Sink {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		pub:      pub,
		cfg:      cfg.withDefaults(),
		selfLog:  slog.New(slog.NewTextHandler(os.Stderr, nil)),
		wake:     make(chan struct{}, 1),
		flushReq: make(chan chan struct{}),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range options {
		opt(s)
	}

	if s.cfg.BreakerThreshold > 0 {
		s.breaker = reliability.NewBreaker(
			reliability.WithFailureThreshold(s.cfg.BreakerThreshold),
			reliability.WithCooldown(s.cfg.BreakerCooldown),
			reliability.WithListener(breakerLog{s.selfLog}),
		)
	}

	go s.run()

	return s
}

// Emit queues message for publishing. It returns false when the event was
// dropped because the queue is full or the sink is closed.
func (s *Sink) Emit(message string) bool {
	s.mu.Lock()
	if s.closed || (s.cfg.QueueLimit > 0 && s.queued() >= s.cfg.QueueLimit) {
		s.mu.Unlock()
		s.metrics.dropped()
		return false
	}
	s.pending = append(s.pending, message)
	full := s.queued() >= s.cfg.BatchPostingLimit
	s.mu.Unlock()

	if full {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return true
}

// Pending returns the number of queued events not yet posted
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued()
}

// queued must be called with mu held
func (s *Sink) queued() int {
	return len(s.pending) - s.head
}

// Flush posts every queued event and returns when done
func (s *Sink) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case s.flushReq <- ack:
	case <-s.stopped:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, posts what is queued and stops the worker.
// If ctx expires first, in-flight publishes are cancelled and the remaining
// events go through failure handling.
func (s *Sink) Close(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})

	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.stopped
		return ctx.Err()
	}
}

// run is the worker loop
func (s *Sink) run() {
	defer close(s.stopped)
	defer s.cancel()

	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-s.wake:
			s.drain()
		case <-ticker.C:
			s.drain()
		case ack := <-s.flushReq:
			s.drain()
			close(ack)
		case <-s.done:
			s.drain()
			return
		}
	}
}

// drain posts batches until the queue is empty
func (s *Sink) drain() {
	for {
		batch := s.takeBatch()
		if len(batch) == 0 {
			return
		}
		s.post(batch)
	}
}

// takeBatch removes up to BatchPostingLimit events from the head of the queue
func (s *Sink) takeBatch() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.queued()
	if n == 0 {
		return nil
	}
	if n > s.cfg.BatchPostingLimit {
		n = s.cfg.BatchPostingLimit
	}
	batch := make([]string, n)
	end := s.head + n
	copy(batch, s.pending[s.head:end])
	clear(s.pending[s.head:end])
	s.head = end

	switch {
	case s.head == len(s.pending):
		s.pending = s.pending[:0]
		s.head = 0
	case s.head > len(s.pending)/2:
		// Compact once most of the slice has been consumed.
		rest := copy(s.pending, s.pending[s.head:])
		clear(s.pending[rest:])
		s.pending = s.pending[:rest]
		s.head = 0
	}
	return batch
}

// post publishes a batch in order
func (s *Sink) post(batch []string) {
	s.metrics.batchPosted()

	for i, msg := range batch {
		if err := s.ctx.Err(); err != nil {
			for _, rest := range batch[i:] {
				s.fail(rest, err)
			}
			return
		}

		if err := s.publish(msg); err != nil {
			s.fail(msg, err)
		}
	}
}

// publish sends one event through the breaker, if any
func (s *Sink) publish(msg string) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PublishTimeout)
	defer cancel()

	if s.breaker == nil {
		return s.pub.Publish(ctx, msg)
	}
	return s.breaker.Execute(ctx, func() error {
		return s.pub.Publish(ctx, msg)
	})
}

// breakerLog reports breaker transitions on the self log
type breakerLog struct {
	logger *slog.Logger
}

func (b breakerLog) OnStateChange(from, to reliability.State, reason string) {
	if to == reliability.StateOpen {
		b.logger.Warn("suspending publishing to RabbitMQ", "from", from.String(), "reason", reason)
		return
	}
	b.logger.Info("publishing circuit state changed", "from", from.String(), "to", to.String(), "reason", reason)
}

// fail applies the configured failure handling to one event
func (s *Sink) fail(msg string, err error) {
	mode := s.cfg.EmitEventFailure
	if mode&FailureIgnore != 0 {
		return
	}
	if mode&FailureWriteToSelfLog != 0 {
		s.selfLog.Error("failed to publish log event to RabbitMQ",
			"error", err,
			"retryable", IsRetryable(err))
	}
	if mode&FailureWriteToFallback != 0 && s.cfg.Fallback != nil {
		s.fallback.Lock()
		_, werr := fmt.Fprintln(s.cfg.Fallback, msg)
		s.fallback.Unlock()
		if werr != nil {
			s.selfLog.Error("failed to write log event to fallback", "error", werr)
		}
	}
}
