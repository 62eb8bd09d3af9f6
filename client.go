// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rabbitsink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitsink/internal/rabbitmq"
)

// MessagePublisher publishes one serialized log event. *Client implements it.
type MessagePublisher interface {
	Publish(ctx context.Context, message string) error
}

// Client publishes log events to the configured exchange. The connection is
// opened on first use and shared by all goroutines; each publish borrows its
// own channel, so a Client is safe for concurrent use.
type Client struct {
	cfg      ClientConfig
	logger   *slog.Logger
	metrics  *Metrics
	connOpts []rabbitmq.ConnectionOption
	pubOpts  []rabbitmq.PublisherOption

	connectMu sync.Mutex
	mu        sync.RWMutex
	conn      *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	topology  *rabbitmq.TopologyManager
	closed    bool
}

// clientOptions holds collaborators supplied through ClientOption
type clientOptions struct {
	logger   *slog.Logger
	metrics  *Metrics
	connOpts []rabbitmq.ConnectionOption
	pubOpts  []rabbitmq.PublisherOption
}

// ClientOption configures the client
type ClientOption func(*clientOptions)

// WithLogger sets the logger used for connection events
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithMetrics records publish and connection metrics
func WithMetrics(metrics *Metrics) ClientOption {
	return func(o *clientOptions) {
		o.metrics = metrics
	}
}

// WithReconnectDelay sets the initial delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.connOpts = append(o.connOpts, rabbitmq.WithReconnectDelay(delay))
	}
}

// WithMaxReconnectAttempts bounds reconnection after the connection drops.
// Zero or a negative value retries forever.
func WithMaxReconnectAttempts(attempts int) ClientOption {
	return func(o *clientOptions) {
		o.connOpts = append(o.connOpts, rabbitmq.WithMaxRetries(attempts))
	}
}

// WithDialTimeout bounds a single connection attempt to one host
func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.connOpts = append(o.connOpts, rabbitmq.WithDialTimeout(timeout))
	}
}

// WithPublishRetries retries a publish that failed with a retryable error
// this many times, each on a fresh channel. The default is no retry.
func WithPublishRetries(retries int) ClientOption {
	return func(o *clientOptions) {
		o.pubOpts = append(o.pubOpts, rabbitmq.WithPublishRetries(retries))
	}
}

// NewClient validates the configuration and returns a client. No connection
// is made until Connect or the first Publish.
func NewClient(cfg ClientConfig, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &clientOptions{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(opts)
	}

	return &Client{
		cfg:      cfg.withDefaults(),
		logger:   opts.logger,
		metrics:  opts.metrics,
		connOpts: opts.connOpts,
		pubOpts:  opts.pubOpts,
	}, nil
}

// Config returns a copy of the effective configuration, defaults applied
func (c *Client) Config() ClientConfig {
	return c.cfg.withDefaults()
}

// Connect opens the connection and channel pool and declares the exchange
// when AutoCreateExchange is set. It is a no-op while connected. If the
// connection dropped and reconnection gave up, the old connection is
// discarded and the hosts are dialed again; while a reconnection is still
// running Connect returns ErrNotConnected.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.RLock()
	closed, conn := c.closed, c.conn
	c.mu.RUnlock()

	if closed {
		return ErrClientClosed
	}
	if conn != nil {
		switch {
		case conn.IsConnected():
			return nil
		case conn.Reconnecting():
			return fmt.Errorf("rabbitsink: connect: %w", ErrNotConnected)
		}
		c.discardConnection()
	}

	session, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		session.close()
		return ErrClientClosed
	}
	c.conn = session.conn
	c.pool = session.pool
	c.topology = session.topology
	c.publisher = session.publisher
	c.mu.Unlock()

	c.logger.Info("rabbitsink client connected",
		"url", session.conn.ActiveURL(),
		"exchange", c.cfg.Exchange,
		"exchangeType", c.cfg.ExchangeType,
		"deliveryMode", c.cfg.DeliveryMode.String(),
		"autoCreateExchange", c.cfg.AutoCreateExchange)

	return nil
}

// session is one dialed connection and everything built on it
type session struct {
	conn      *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
}

func (s *session) close() error {
	var firstErr error
	if s.pool != nil {
		firstErr = s.pool.Close()
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// dial builds a session without holding c.mu
func (c *Client) dial(ctx context.Context) (*session, error) {
	connOpts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(c.logger),
		rabbitmq.WithDialConfig(c.cfg.DialConfig()),
	}, c.connOpts...)
	conn := rabbitmq.NewConnectionManager(c.cfg.URLs(), connOpts...)
	if c.metrics != nil {
		conn.AddStateListener(connectionMetrics{c.metrics})
	}

	if err := conn.Connect(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitsink: connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(conn,
		rabbitmq.WithMaxSize(c.cfg.MaxChannels),
		rabbitmq.WithConfirmMode(c.cfg.ConfirmPublish),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitsink: open channels: %w", err)
	}

	s := &session{conn: conn, pool: pool, topology: rabbitmq.NewTopologyManager(pool)}
	if c.cfg.AutoCreateExchange {
		err := s.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
			Name:    c.cfg.Exchange,
			Type:    c.cfg.ExchangeType,
			Durable: true,
		})
		if err != nil {
			s.close()
			return nil, fmt.Errorf("rabbitsink: %w", err)
		}
	}

	pubOpts := append([]rabbitmq.PublisherOption{
		rabbitmq.WithPublishConfirms(c.cfg.ConfirmPublish),
	}, c.pubOpts...)
	s.publisher = rabbitmq.NewPublisher(pool, pubOpts...)
	return s, nil
}

// discardConnection drops a connection that stopped reconnecting. In-flight
// publishes finish before it is closed.
func (c *Client) discardConnection() {
	c.mu.Lock()
	stale := &session{conn: c.conn, pool: c.pool}
	c.conn = nil
	c.pool = nil
	c.topology = nil
	c.publisher = nil
	c.mu.Unlock()

	if err := stale.close(); err != nil {
		c.logger.Debug("closing dead connection", "error", err)
	}
	c.logger.Warn("rabbitsink connection lost, dialing again", "exchange", c.cfg.Exchange)
}

// usable reports whether the publisher can be handed out. Callers hold c.mu.
func (c *Client) usable() bool {
	return c.publisher != nil && (c.conn.IsConnected() || c.conn.Reconnecting())
}

// acquire returns the publisher with the read lock held, connecting first if
// needed. The returned func releases the lock.
func (c *Client) acquire(ctx context.Context) (*rabbitmq.Publisher, func(), error) {
	for {
		c.mu.RLock()
		if c.closed {
			c.mu.RUnlock()
			return nil, nil, ErrClientClosed
		}
		if c.usable() {
			return c.publisher, c.mu.RUnlock, nil
		}
		c.mu.RUnlock()

		if err := c.Connect(ctx); err != nil {
			return nil, nil, err
		}
	}
}

// Publish sends message to the configured exchange and routing key with the
// configured delivery mode. It returns once the client library has written
// the message, or once the broker confirmed it when ConfirmPublish is set.
func (c *Client) Publish(ctx context.Context, message string) error {
	return c.PublishBytes(ctx, []byte(message))
}

// PublishBytes is Publish for an already serialized body
func (c *Client) PublishBytes(ctx context.Context, body []byte) error {
	publisher, release, err := c.acquire(ctx)
	if err != nil {
		c.metrics.publishFailed()
		return err
	}
	defer release()

	msg := amqp.Publishing{
		ContentType:  c.cfg.ContentType,
		DeliveryMode: uint8(c.cfg.DeliveryMode),
		Timestamp:    time.Now(),
		AppId:        c.cfg.ClientProvidedName,
		Body:         body,
	}

	if err := publisher.Publish(ctx, c.cfg.Exchange, c.cfg.RouteKey, msg); err != nil {
		c.metrics.publishFailed()
		return fmt.Errorf("rabbitsink: %w", err)
	}

	c.metrics.published()
	return nil
}

// Connected reports whether the broker connection is currently up
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// OpenChannels returns the number of channels currently open
func (c *Client) OpenChannels() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pool == nil {
		return 0
	}
	return c.pool.Size()
}

// BusyChannels returns the number of channels currently borrowed by publishes
func (c *Client) BusyChannels() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pool == nil {
		return 0
	}
	if busy := c.pool.Size() - c.pool.Idle(); busy > 0 {
		return busy
	}
	return 0
}

// Ping checks that the broker answers and the configured exchange exists
func (c *Client) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.topology == nil {
		return ErrNotConnected
	}

	exists, err := c.topology.ExchangeExists(ctx, c.cfg.Exchange, c.cfg.ExchangeType)
	if err != nil {
		return fmt.Errorf("rabbitsink: ping: %w", err)
	}
	if !exists {
		return fmt.Errorf("rabbitsink: ping: exchange %q does not exist", c.cfg.Exchange)
	}
	return nil
}

// Close releases the channels and the connection. In-flight publishes finish
// first; later calls to Publish return ErrClientClosed. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	firstErr := (&session{conn: c.conn, pool: c.pool}).close()
	if c.conn != nil {
		c.logger.Info("rabbitsink client closed", "exchange", c.cfg.Exchange)
	}

	c.publisher = nil
	c.topology = nil
	c.pool = nil
	c.conn = nil

	return firstErr
}
