package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Dialer opens an AMQP connection. It exists so tests can replace amqp.DialConfig.
type Dialer func(url string, config amqp.Config) (*amqp.Connection, error)

// ConnectionManager manages the RabbitMQ connection with automatic reconnection.
// It is given one URL per broker host and uses the first host that accepts a connection.
type ConnectionManager struct {
	urls           []string
	dialConfig     amqp.Config
	dial           Dialer
	dialTimeout    time.Duration
	conn           *amqp.Connection
	activeURL      string
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxDelay       time.Duration
	maxRetries     int
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	reconnecting   bool
	closed         bool
	done           chan struct{}
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnectDelay caps the delay between reconnection attempts
func WithMaxReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts. Zero or a
// negative value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialConfig sets the amqp.Config used for every dial (vhost, heartbeat,
// TLS, client properties).
func WithDialConfig(config amqp.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialConfig = config
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager for the given broker URLs
func NewConnectionManager(urls []string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		urls:           append([]string(nil), urls...),
		dial:           amqp.DialConfig,
		dialTimeout:    30 * time.Second,
		reconnectDelay: 5 * time.Second,
		maxDelay:       5 * time.Minute,
		maxRetries:     -1, // infinite retries by default
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection. Hosts are tried in order and the
// error of the last host is returned when none is reachable.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.isConnected {
		return nil
	}

	conn, url, err := cm.dialAny(ctx)
	if err != nil {
		return err
	}

	cm.attach(conn, url)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(url))
	cm.notifyConnected()

	go cm.handleReconnect(cm.notifyClose)

	return nil
}

// dialAny tries every configured URL once
func (cm *ConnectionManager) dialAny(ctx context.Context) (*amqp.Connection, string, error) {
	if len(cm.urls) == 0 {
		return nil, "", &ConnectionError{
			Op:        "connect",
			Err:       ErrNoHosts,
			Timestamp: time.Now(),
		}
	}

	var lastErr error
	for i, url := range cm.urls {
		conn, err := cm.dialOne(ctx, url)
		if err == nil {
			return conn, url, nil
		}
		cm.logger.Warn("broker host unreachable",
			"url", SanitizeURL(url),
			"error", err)
		lastErr = &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  i + 1,
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", lastErr
}

// dialOne dials a single URL, giving up when the context or dial timeout expires
func (cm *ConnectionManager) dialOne(ctx context.Context, url string) (*amqp.Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	resCh := make(chan result, 1)

	go func() {
		conn, err := cm.dial(url, cm.dialConfig)
		resCh <- result{conn, err}
	}()

	select {
	case res := <-resCh:
		return res.conn, res.err
	case <-connCtx.Done():
		// Close the connection if the dial completes after we gave up on it.
		go func() {
			if res := <-resCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// attach installs a fresh connection. Callers hold cm.mu.
func (cm *ConnectionManager) attach(conn *amqp.Connection, url string) {
	cm.conn = conn
	cm.activeURL = url
	cm.isConnected = true
	cm.reconnecting = false
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Reconnecting reports whether the connection dropped and the manager is
// still trying to re-establish it. It is false once the retry budget is spent.
func (cm *ConnectionManager) Reconnecting() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.reconnecting
}

// ActiveURL returns the sanitized URL of the host currently connected to
func (cm *ConnectionManager) ActiveURL() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.activeURL == "" {
		return ""
	}
	return SanitizeURL(cm.activeURL)
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.isConnected = false
	cm.reconnecting = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if errors.Is(err, amqp.ErrClosed) {
			return nil
		}
		return err
	}

	return nil
}

// handleReconnect waits for the connection to drop and reconnects
func (cm *ConnectionManager) handleReconnect(notifyClose chan *amqp.Error) {
	for {
		select {
		case err, ok := <-notifyClose:
			if !ok && err == nil {
				// Closed by us (Close) or cleanly by the broker; done decides.
				select {
				case <-cm.done:
					cm.logger.Info("connection manager shutting down")
					return
				default:
				}
			}
			if err != nil {
				cm.logger.Error("connection closed", "error", err)
			}

			cm.mu.Lock()
			cm.isConnected = false
			cm.reconnecting = !cm.closed
			cm.conn = nil
			cm.mu.Unlock()

			cm.notifyDisconnected(err)

			next, ok := cm.reconnect()
			if !ok {
				cm.mu.Lock()
				cm.reconnecting = false
				cm.mu.Unlock()
				return
			}
			notifyClose = next

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnectBackOff builds the backoff policy for one reconnection cycle
func (cm *ConnectionManager) reconnectBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cm.reconnectDelay
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = 5 * time.Second
	}
	exp.MaxInterval = cm.maxDelay
	exp.MaxElapsedTime = 0

	var b backoff.BackOff = exp
	if cm.maxRetries > 0 {
		// WithMaxRetries counts retries after the first attempt.
		b = backoff.WithMaxRetries(b, uint64(cm.maxRetries-1))
	}
	return b
}

// reconnect retries until a host accepts the connection, the retry budget is
// exhausted or the manager is closed. It returns the close notification
// channel of the new connection.
func (cm *ConnectionManager) reconnect() (chan *amqp.Error, bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	startTime := time.Now()

	op := func() error {
		attempt++
		cm.logger.Info("attempting to reconnect",
			"attempt", attempt,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempt)

		conn, url, err := cm.dialAny(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}

		cm.mu.Lock()
		defer cm.mu.Unlock()
		if cm.closed {
			conn.Close()
			return backoff.Permanent(ErrConnectionClosed)
		}
		cm.attach(conn, url)
		return nil
	}

	notify := func(err error, delay time.Duration) {
		cm.logger.Error("reconnection failed",
			"error", err,
			"attempt", attempt,
			"nextRetryIn", delay)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(cm.reconnectBackOff(), ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		cm.logger.Error("max reconnection attempts reached",
			"attempts", attempt,
			"duration", time.Since(startTime))
		cm.notifyDisconnected(&ConnectionError{
			Op:        "reconnect",
			Err:       ErrMaxRetriesExceeded,
			Timestamp: time.Now(),
			Attempts:  attempt,
		})
		return nil, false
	}

	cm.logger.Info("successfully reconnected to RabbitMQ",
		"url", cm.ActiveURL(),
		"attempts", attempt,
		"duration", time.Since(startTime))
	cm.notifyConnected()

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.notifyClose, true
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
