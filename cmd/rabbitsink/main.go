package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/rabbitsink"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// brokerFlags are shared by every command
type brokerFlags struct {
	hosts        []string
	port         int
	user         string
	password     string
	vhost        string
	exchange     string
	exchangeType string
	routeKey     string
	deliveryMode string
	autoCreate   bool
	confirm      bool
	name         string
	verbose      bool
}

func (f *brokerFlags) clientConfig() (rabbitsink.ClientConfig, error) {
	mode, err := rabbitsink.ParseDeliveryMode(f.deliveryMode)
	if err != nil {
		return rabbitsink.ClientConfig{}, err
	}
	cfg := rabbitsink.ClientConfig{
		Hostnames:          f.hosts,
		Port:               f.port,
		Username:           f.user,
		Password:           f.password,
		VHost:              f.vhost,
		Exchange:           f.exchange,
		ExchangeType:       f.exchangeType,
		DeliveryMode:       mode,
		RouteKey:           f.routeKey,
		AutoCreateExchange: f.autoCreate,
		ConfirmPublish:     f.confirm,
		ClientProvidedName: f.name,
	}
	return cfg, cfg.Validate()
}

func (f *brokerFlags) logger() *slog.Logger {
	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newRootCmd() *cobra.Command {
	flags := &brokerFlags{}

	rootCmd := &cobra.Command{
		Use:   "rabbitsink",
		Short: "Publish log events to a RabbitMQ exchange and watch what arrives",
		Long: `rabbitsink sends log lines to a RabbitMQ exchange through the same batching
sink applications use, and tails an exchange through a temporary queue.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringSliceVarP(&flags.hosts, "host", "H", []string{"localhost"}, "RabbitMQ host, repeat for failover")
	pf.IntVarP(&flags.port, "port", "p", 0, "RabbitMQ port (default 5672, 5671 with TLS)")
	pf.StringVarP(&flags.user, "user", "u", "guest", "RabbitMQ user")
	pf.StringVar(&flags.password, "password", "guest", "RabbitMQ password")
	pf.StringVar(&flags.vhost, "vhost", "/", "RabbitMQ virtual host")
	pf.StringVarP(&flags.exchange, "exchange", "e", "logs", "Exchange log events are published to")
	pf.StringVar(&flags.exchangeType, "exchange-type", "fanout", "Exchange type: direct, fanout, topic or headers")
	pf.StringVarP(&flags.routeKey, "route-key", "r", "", "Routing key")
	pf.StringVar(&flags.deliveryMode, "delivery-mode", "non-durable", "Delivery mode: durable or non-durable")
	pf.BoolVar(&flags.autoCreate, "auto-create", false, "Declare the exchange if it does not exist")
	pf.BoolVar(&flags.confirm, "confirm", false, "Wait for broker confirms")
	pf.StringVar(&flags.name, "name", "rabbitsink-cli", "Client provided connection name")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(
		newSendCmd(flags),
		newTailCmd(flags),
		newHealthCmd(flags),
	)
	return rootCmd
}

const closeTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}
