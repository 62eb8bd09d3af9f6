// Package brokertest connects tests to a real RabbitMQ broker and observes
// what reaches an exchange.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitsink/internal/rabbitmq"
)

const (
	defaultHost     = "localhost"
	defaultPort     = 5672
	defaultUser     = "guest"
	defaultPassword = "guest"

	// DefaultAttempts and DefaultInterval bound broker bootstrap
	DefaultAttempts = 10
	DefaultInterval = time.Second
)

// Config locates the broker under test
type Config struct {
	Host     string
	Port     int
	User     string
	Password string

	// Attempts is the total number of dial attempts. Default 10.
	Attempts int
	// Interval is the constant delay between attempts. Default 1s.
	Interval time.Duration
	// Dialer defaults to amqp.DialConfig.
	Dialer rabbitmq.Dialer
	Logger *slog.Logger
}

// ConfigFromEnv reads RABBITMQ_HOST, RABBITMQ_PORT, RABBITMQ_USER and
// RABBITMQ_PASSWORD, falling back to a local broker with guest credentials.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Host:     envOr("RABBITMQ_HOST", defaultHost),
		Port:     defaultPort,
		User:     envOr("RABBITMQ_USER", defaultUser),
		Password: envOr("RABBITMQ_PASSWORD", defaultPassword),
	}
	if p := os.Getenv("RABBITMQ_PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("brokertest: invalid RABBITMQ_PORT %q", p)
		}
		cfg.Port = port
	}
	return cfg.withDefaults(), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.User == "" && c.Password == "" {
		c.User = defaultUser
		c.Password = defaultPassword
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Dialer == nil {
		c.Dialer = amqp.DialConfig
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// URL renders the broker address with credentials
func (c Config) URL() string {
	c = c.withDefaults()
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    "/",
	}.String()
}

// Dial connects to the broker, retrying at a constant interval while it is
// unreachable. Authentication and vhost failures are returned at once.
func Dial(ctx context.Context, cfg Config) (*amqp.Connection, error) {
	cfg = cfg.withDefaults()
	url := cfg.URL()

	var (
		conn    *amqp.Connection
		attempt int
	)
	op := func() error {
		attempt++
		c, err := cfg.Dialer(url, amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
		})
		if err != nil {
			if !unreachable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, delay time.Duration) {
		cfg.Logger.Warn("broker not reachable yet",
			"url", rabbitmq.SanitizeURL(url),
			"attempt", attempt,
			"retryIn", delay,
			"error", err)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.Interval), uint64(cfg.Attempts-1)),
		ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, &rabbitmq.ConnectionError{
			Op:        "dial",
			URL:       rabbitmq.SanitizeURL(url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempt,
		}
	}
	return conn, nil
}

// unreachable reports whether err means the broker is not up yet. A broker
// still booting drops the handshake, which surfaces as ErrClosed or a frame
// error.
func unreachable(err error) bool {
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.FrameError {
		return true
	}
	return rabbitmq.IsRetryable(err)
}

// Fixture owns a connection and a channel used to observe an exchange
type Fixture struct {
	Config Config

	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery

	mu        sync.Mutex
	exchanges []string
	closeOnce sync.Once
}

// New dials the broker described by the environment and registers Close as a
// test cleanup. The test fails if the broker cannot be reached.
func New(t testing.TB) *Fixture {
	t.Helper()

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	f, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("brokertest: %v", err)
	}
	t.Cleanup(func() {
		if err := f.Close(); err != nil {
			t.Logf("brokertest: close: %v", err)
		}
	})
	return f
}

// Open dials the broker and opens the observing channel
func Open(ctx context.Context, cfg Config) (*Fixture, error) {
	cfg = cfg.withDefaults()
	conn, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("brokertest: open channel: %w", err)
	}
	return &Fixture{Config: cfg, conn: conn, ch: ch}, nil
}

// UniqueName returns prefix with a random suffix, for exchanges and queues
// private to one test
func UniqueName(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// BindQueue declares a durable exchange of the given kind, an exclusive
// auto-delete queue bound to it with an empty routing key, and starts
// consuming the queue for Receive. An empty queue name lets the broker pick
// one. The exchange is deleted by Close.
func (f *Fixture) BindQueue(exchange, kind, queue string) (string, error) {
	return f.BindQueueWithKey(exchange, kind, queue, "")
}

// BindQueueWithKey is BindQueue with an explicit binding key
func (f *Fixture) BindQueueWithKey(exchange, kind, queue, key string) (string, error) {
	err := rabbitmq.DeclareExchange(f.ch, rabbitmq.ExchangeDeclaration{
		Name:    exchange,
		Type:    kind,
		Durable: true,
	})
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.exchanges = append(f.exchanges, exchange)
	f.mu.Unlock()

	q, err := f.ch.QueueDeclare(queue, false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("brokertest: declare queue: %w", err)
	}

	err = rabbitmq.BindQueue(f.ch, rabbitmq.Binding{
		Exchange:   exchange,
		Queue:      q.Name,
		RoutingKey: key,
	})
	if err != nil {
		return "", err
	}

	deliveries, err := f.Consume(q.Name)
	if err != nil {
		return "", err
	}
	f.deliveries = deliveries
	return q.Name, nil
}

// Consume starts an auto-ack consumer on queue
func (f *Fixture) Consume(queue string) (<-chan amqp.Delivery, error) {
	deliveries, err := f.ch.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("brokertest: consume %s: %w", queue, err)
	}
	return deliveries, nil
}

// Receive collects n message bodies from the queue bound last, in arrival
// order. It fails if they do not all arrive within timeout.
func (f *Fixture) Receive(n int, timeout time.Duration) ([]string, error) {
	if f.deliveries == nil {
		return nil, errors.New("brokertest: no queue bound")
	}

	bodies := make([]string, 0, n)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(bodies) < n {
		select {
		case d, ok := <-f.deliveries:
			if !ok {
				return bodies, fmt.Errorf("brokertest: deliveries closed after %d of %d messages", len(bodies), n)
			}
			bodies = append(bodies, string(d.Body))
		case <-timer.C:
			return bodies, fmt.Errorf("brokertest: received %d of %d messages within %s", len(bodies), n, timeout)
		}
	}
	return bodies, nil
}

// Publish sends body to exchange from the fixture's own channel
func (f *Fixture) Publish(ctx context.Context, exchange, key string, body []byte) error {
	return f.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType: "text/plain",
		Body:        body,
	})
}

// ExchangeExists checks for exchange with a passive declare on a
// throwaway channel, since a failed passive declare closes the channel.
func (f *Fixture) ExchangeExists(exchange, kind string) (bool, error) {
	ch, err := f.conn.Channel()
	if err != nil {
		return false, fmt.Errorf("brokertest: open channel: %w", err)
	}
	defer ch.Close()

	err = ch.ExchangeDeclarePassive(exchange, kind, true, false, false, false, nil)
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Track registers an exchange the fixture did not declare for deletion by Close
func (f *Fixture) Track(exchange string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, exchange)
}

// Close deletes the exchanges the fixture declared and releases the
// channel and connection. It is idempotent.
func (f *Fixture) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.mu.Lock()
		exchanges := f.exchanges
		f.mu.Unlock()

		seen := make(map[string]bool, len(exchanges))
		for _, name := range exchanges {
			if seen[name] {
				continue
			}
			seen[name] = true
			if derr := f.ch.ExchangeDelete(name, false, false); derr != nil && err == nil {
				err = fmt.Errorf("brokertest: delete exchange %s: %w", name, derr)
			}
		}
		if cerr := f.ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) && err == nil {
			err = cerr
		}
		if cerr := f.conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) && err == nil {
			err = cerr
		}
	})
	return err
}
