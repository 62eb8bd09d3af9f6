package rabbitsink

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitsink/internal/rabbitmq"
)

// DeliveryMode selects whether the broker persists published log events
type DeliveryMode uint8

const (
	// NonDurable messages are kept in memory only
	NonDurable = DeliveryMode(amqp.Transient)
	// Durable messages are written to disk by the broker
	Durable = DeliveryMode(amqp.Persistent)
)

// String implements fmt.Stringer
func (m DeliveryMode) String() string {
	switch m {
	case NonDurable:
		return "non-durable"
	case Durable:
		return "durable"
	}
	return fmt.Sprintf("DeliveryMode(%d)", uint8(m))
}

// ParseDeliveryMode parses "durable" or "non-durable" (case-insensitive)
func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "durable", "persistent", "2":
		return Durable, nil
	case "non-durable", "nondurable", "transient", "1", "":
		return NonDurable, nil
	}
	return 0, fmt.Errorf("%w: unknown delivery mode %q", ErrInvalidConfiguration, s)
}

const (
	defaultPort        = 5672
	defaultTLSPort     = 5671
	defaultUsername    = "guest"
	defaultPassword    = "guest"
	defaultVHost       = "/"
	defaultMaxChannels = 64
	defaultContentType = "text/plain"
	defaultHeartbeat   = 10 * time.Second
	defaultLocale      = "en_US"
)

// ClientConfig describes the broker and exchange a Client publishes to.
// A Client copies the config on construction; later changes have no effect.
type ClientConfig struct {
	// Hostnames are tried in order until one accepts the connection.
	Hostnames []string
	// Port defaults to 5672, or 5671 when TLS is set.
	Port     int
	Username string
	Password string
	VHost    string

	Exchange     string
	ExchangeType string
	DeliveryMode DeliveryMode
	// RouteKey is the routing key of every published event.
	RouteKey string
	// AutoCreateExchange declares the exchange as durable on first use.
	AutoCreateExchange bool

	ClientProvidedName string
	Heartbeat          time.Duration
	TLS                *tls.Config

	// MaxChannels caps the number of channels open for concurrent publishes.
	MaxChannels int
	// ConfirmPublish makes Publish wait for the broker to confirm each message.
	ConfirmPublish bool
	ContentType    string
}

// withDefaults returns a copy with zero values replaced by defaults
func (c ClientConfig) withDefaults() ClientConfig {
	c.Hostnames = append([]string(nil), c.Hostnames...)
	if c.Port == 0 {
		c.Port = defaultPort
		if c.TLS != nil {
			c.Port = defaultTLSPort
		}
	}
	if c.Username == "" && c.Password == "" {
		c.Username = defaultUsername
		c.Password = defaultPassword
	}
	if c.VHost == "" {
		c.VHost = defaultVHost
	}
	if c.ExchangeType == "" {
		c.ExchangeType = rabbitmq.ExchangeFanout
	}
	if c.DeliveryMode == 0 {
		c.DeliveryMode = NonDurable
	}
	if c.MaxChannels == 0 {
		c.MaxChannels = defaultMaxChannels
	}
	if c.ContentType == "" {
		c.ContentType = defaultContentType
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = defaultHeartbeat
	}
	if c.TLS != nil {
		c.TLS = c.TLS.Clone()
	}
	return c
}

// Validate reports configuration that can never connect or publish
func (c ClientConfig) Validate() error {
	if len(c.Hostnames) == 0 {
		return fmt.Errorf("%w: at least one hostname is required", ErrInvalidConfiguration)
	}
	for i, h := range c.Hostnames {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("%w: hostname %d is empty", ErrInvalidConfiguration, i)
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfiguration, c.Port)
	}
	if c.Exchange == "" {
		return fmt.Errorf("%w: exchange is required", ErrInvalidConfiguration)
	}
	if c.ExchangeType != "" && !rabbitmq.ValidExchangeType(c.ExchangeType) {
		return fmt.Errorf("%w: unsupported exchange type %q", ErrInvalidConfiguration, c.ExchangeType)
	}
	switch c.DeliveryMode {
	case 0, NonDurable, Durable:
	default:
		return fmt.Errorf("%w: unsupported delivery mode %d", ErrInvalidConfiguration, uint8(c.DeliveryMode))
	}
	if c.MaxChannels < 0 {
		return fmt.Errorf("%w: max channels must not be negative", ErrInvalidConfiguration)
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("%w: heartbeat must not be negative", ErrInvalidConfiguration)
	}
	return nil
}

// URLs renders one AMQP URL per host, in the configured order
func (c ClientConfig) URLs() []string {
	c = c.withDefaults()
	scheme := "amqp"
	if c.TLS != nil {
		scheme = "amqps"
	}

	urls := make([]string, 0, len(c.Hostnames))
	for _, host := range c.Hostnames {
		uri := amqp.URI{
			Scheme:   scheme,
			Host:     strings.TrimSpace(host),
			Port:     c.Port,
			Username: c.Username,
			Password: c.Password,
			Vhost:    c.VHost,
		}
		urls = append(urls, uri.String())
	}
	return urls
}

// DialConfig builds the amqp.Config shared by every host
func (c ClientConfig) DialConfig() amqp.Config {
	c = c.withDefaults()
	props := amqp.NewConnectionProperties()
	if c.ClientProvidedName != "" {
		props.SetClientConnectionName(c.ClientProvidedName)
	}
	return amqp.Config{
		Vhost:           c.VHost,
		Heartbeat:       c.Heartbeat,
		TLSClientConfig: c.TLS,
		Properties:      props,
		Locale:          defaultLocale,
	}
}
