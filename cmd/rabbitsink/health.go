package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/rabbitsink"
	"github.com/glimte/rabbitsink/health"
)

func newHealthCmd(flags *brokerFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the broker is reachable and the exchange exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.clientConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := rabbitsink.NewClient(cfg, rabbitsink.WithLogger(flags.logger()))
			if err != nil {
				return err
			}
			defer client.Close()

			// A failed connect is reported by the connection check below.
			_ = client.Connect(ctx)

			registry := health.NewRegistry(timeout)
			registry.Register(
				health.NewConnectionChecker(client),
				health.NewChannelPoolChecker(client, client.Config().MaxChannels),
			)
			report := registry.Check(ctx)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("broker is %s", report.Status)
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Overall timeout")
	return cmd
}
