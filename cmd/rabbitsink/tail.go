package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/glimte/rabbitsink/internal/rabbitmq"
)

func newTailCmd(flags *brokerFlags) *cobra.Command {
	var (
		queue      string
		bindingKey string
		count      int
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print messages arriving at the exchange",
		Long: `Bind a temporary exclusive queue to the exchange and print every message body
as one line until interrupted, or until --count messages were printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := flags.clientConfig()
			if err != nil {
				return err
			}
			logger := flags.logger()

			conn := rabbitmq.NewConnectionManager(cfg.URLs(),
				rabbitmq.WithLogger(logger),
				rabbitmq.WithDialConfig(cfg.DialConfig()))
			if err := conn.Connect(ctx); err != nil {
				return err
			}
			defer conn.Close()

			pool, err := rabbitmq.NewChannelPool(conn, rabbitmq.WithMaxSize(4))
			if err != nil {
				return err
			}
			defer pool.Close()

			topology := rabbitmq.NewTopologyManager(pool)
			if cfg.AutoCreateExchange {
				err := topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
					Name:    cfg.Exchange,
					Type:    cfg.ExchangeType,
					Durable: true,
				})
				if err != nil {
					return err
				}
			}

			q, err := topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
				Name:       queue,
				Exclusive:  true,
				AutoDelete: true,
			})
			if err != nil {
				return err
			}

			key := bindingKey
			if !cmd.Flags().Changed("binding-key") {
				key = cfg.RouteKey
				if cfg.ExchangeType == rabbitmq.ExchangeTopic && key == "" {
					key = "#"
				}
			}
			err = topology.BindQueue(ctx, rabbitmq.Binding{
				Queue:      q.Name,
				Exchange:   cfg.Exchange,
				RoutingKey: key,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			var (
				mu      sync.Mutex
				printed int
			)
			out := cmd.OutOrStdout()
			handler := func(_ context.Context, d amqp.Delivery) error {
				mu.Lock()
				defer mu.Unlock()
				if count > 0 && printed >= count {
					return nil
				}
				fmt.Fprintln(out, string(d.Body))
				printed++
				if count > 0 && printed >= count {
					cancel()
				}
				return nil
			}

			consumer := rabbitmq.NewConsumer(pool,
				rabbitmq.WithAutoAck(true),
				rabbitmq.WithExclusive(true),
				rabbitmq.WithConsumerTagPrefix("rabbitsink-tail"),
				rabbitmq.WithConsumerLogger(logger))
			if err := consumer.Subscribe(ctx, q.Name, handler); err != nil {
				return err
			}
			defer consumer.UnsubscribeAll()

			logger.Info("tailing exchange", "exchange", cfg.Exchange, "queue", q.Name, "bindingKey", key)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue name (default: broker generated)")
	cmd.Flags().StringVarP(&bindingKey, "binding-key", "k", "", "Binding key (default: --route-key, or # for topic exchanges)")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many messages, 0 to run until interrupted")
	return cmd
}
