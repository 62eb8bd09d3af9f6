package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/rabbitsink"
	"github.com/glimte/rabbitsink/health"
)

type sendFlags struct {
	batch      int
	period     time.Duration
	queueLimit int
	json       bool
	level      string
	fallback   string
	retries    int
}

func newSendCmd(flags *brokerFlags) *cobra.Command {
	sf := &sendFlags{}

	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Publish log events",
		Long: `Publish each argument as one log event. Without arguments every line read
from stdin is one event. With --json each event is wrapped in a slog JSON record.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSend(ctx, cmd, flags, sf, args)
		},
	}

	cmd.Flags().IntVar(&sf.batch, "batch", 50, "Events per batch")
	cmd.Flags().DurationVar(&sf.period, "period", 2*time.Second, "Longest wait before a batch is posted")
	cmd.Flags().IntVar(&sf.queueLimit, "queue-limit", 0, "Maximum queued events, 0 for unbounded")
	cmd.Flags().BoolVar(&sf.json, "json", false, "Wrap each event in a slog JSON record")
	cmd.Flags().StringVarP(&sf.level, "level", "l", "info", "Record level with --json")
	cmd.Flags().StringVar(&sf.fallback, "fallback", "", "Append events that could not be published to this file")
	cmd.Flags().IntVar(&sf.retries, "publish-retries", 0, "Retry a failed publish this many times on a fresh channel")
	return cmd
}

func runSend(ctx context.Context, cmd *cobra.Command, flags *brokerFlags, sf *sendFlags, args []string) error {
	cfg, err := flags.clientConfig()
	if err != nil {
		return err
	}
	logger := flags.logger()

	var level slog.Level
	if err := level.UnmarshalText([]byte(sf.level)); err != nil {
		return fmt.Errorf("invalid level %q: %w", sf.level, err)
	}

	client, err := rabbitsink.NewClient(cfg,
		rabbitsink.WithLogger(logger),
		rabbitsink.WithPublishRetries(sf.retries))
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return err
	}

	sinkCfg := rabbitsink.SinkConfig{
		BatchPostingLimit: sf.batch,
		Period:            sf.period,
		QueueLimit:        sf.queueLimit,
	}
	if sf.fallback != "" {
		f, err := os.OpenFile(sf.fallback, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open fallback: %w", err)
		}
		defer f.Close()
		sinkCfg.Fallback = f
		sinkCfg.EmitEventFailure = rabbitsink.FailureWriteToSelfLog | rabbitsink.FailureWriteToFallback
	}
	sink := rabbitsink.NewSink(client, sinkCfg, rabbitsink.WithSelfLog(logger))

	sent, dropped, err := publishEvents(ctx, cmd.InOrStdin(), args, sink,
		eventEmitter(ctx, sink, sf.json, level), logger, sf.queueLimit)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "queued %d events to %s", sent, cfg.Exchange)
	if dropped > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), ", dropped %d", dropped)
	}
	fmt.Fprintln(cmd.ErrOrStderr())
	return nil
}

// eventEmitter returns the function each input line goes through. With asJSON
// the line becomes the message of a slog record. It reports false when the
// sink refused the event.
func eventEmitter(ctx context.Context, sink rabbitsink.Emitter, asJSON bool, level slog.Level) func(string) bool {
	if !asJSON {
		return sink.Emit
	}
	handler := rabbitsink.NewHandler(sink, &rabbitsink.HandlerOptions{Level: level})
	return func(line string) bool {
		return handler.Handle(ctx, slog.NewRecord(time.Now(), level, line, 0)) == nil
	}
}

// publishEvents emits args, or every stdin line without args, and closes
// sink on every return path so queued events are posted or handed to
// failure handling.
func publishEvents(ctx context.Context, in io.Reader, args []string, sink *rabbitsink.Sink, emit func(string) bool, logger *slog.Logger, queueLimit int) (sent, dropped int, err error) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := sink.Close(closeCtx); cerr != nil && err == nil {
			err = fmt.Errorf("flush: %w", cerr)
		}
	}()

	count := func(ok bool) {
		if ok {
			sent++
		} else {
			dropped++
		}
	}

	if len(args) > 0 {
		for _, msg := range args {
			count(emit(msg))
		}
	} else {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() && ctx.Err() == nil {
			count(emit(scanner.Text()))
		}
		if err := scanner.Err(); err != nil {
			return sent, dropped, fmt.Errorf("read stdin: %w", err)
		}
	}

	if backlog := health.NewSinkChecker(sink, queueLimit, 0).Check(ctx); backlog.Status != health.StatusHealthy {
		logger.Warn(backlog.Message, "status", backlog.Status, "pending", backlog.Details["pending_events"])
	}
	return sent, dropped, nil
}
