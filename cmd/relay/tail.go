package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rickgao/roomrelay/internal/connection"
	"github.com/rickgao/roomrelay/internal/logging"
)

var (
	tailURL     string
	tailJSON    bool
	tailSend    string
	tailStatsIv time.Duration
)

var tailCmd = &cobra.Command{
	Use:   "tail ROOM [ROOM...]",
	Short: "Connect to a relay, subscribe to rooms and print what arrives",
	Long: `Connect to a running relay as an ordinary client, subscribe to every
ROOM given and print each envelope as it arrives. Press Ctrl+C to stop.

Examples:
  relay tail lobby
  relay tail --url ws://relay.internal:8081/ws --json lobby news
  relay tail --send "hello" lobby          # publish once after subscribing`,
	Args: cobra.MinimumNArgs(1),
	RunE: tailRun,
}

func init() {
	tailCmd.Flags().StringVar(&tailURL, "url", connection.DefaultClientConfig().URL, "relay WebSocket URL")
	tailCmd.Flags().BoolVar(&tailJSON, "json", false, "print envelopes as JSON lines")
	tailCmd.Flags().StringVar(&tailSend, "send", "", "message to publish to each room after subscribing")
	tailCmd.Flags().DurationVar(&tailStatsIv, "stats", 0, "log received counts at this interval (0 = off)")
}

func tailRun(cmd *cobra.Command, rooms []string) error {
	logger := logging.New(cmd.ErrOrStderr(), logLevel, logFormatOr("text"))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := connection.DefaultClientConfig()
	cfg.URL = tailURL
	client := connection.NewClient(cfg, logger)

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", tailURL, err)
	}
	defer client.Close()

	for _, r := range rooms {
		if err := client.Subscribe(r); err != nil {
			return fmt.Errorf("subscribe %q: %w", r, err)
		}
		logger.Info("subscribed", "room", r)
	}

	if tailSend != "" {
		for _, r := range rooms {
			if err := client.Publish(r, tailSend); err != nil {
				return fmt.Errorf("publish %q: %w", r, err)
			}
		}
	}

	logger.Info("streaming started - press Ctrl+C to stop", "url", tailURL)
	return tailLoop(ctx, client, cmd.OutOrStdout(), logger)
}

func tailLoop(ctx context.Context, client connection.Client, out io.Writer, logger *slog.Logger) error {
	var (
		received int
		errored  int
		stats    <-chan time.Time
	)
	if tailStatsIv > 0 {
		ticker := time.NewTicker(tailStatsIv)
		defer ticker.Stop()
		stats = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("tail stopped", "received", received, "errors", errored)
			return nil

		case <-stats:
			logger.Info("stats", "received", received, "errors", errored)

		case err := <-client.Errors():
			if errors.Is(err, connection.ErrStale) {
				return fmt.Errorf("relay went quiet: %w", err)
			}
			return fmt.Errorf("connection lost: %w", err)

		case env, ok := <-client.Messages():
			if !ok {
				return nil
			}
			if env.Error != "" {
				errored++
			} else {
				received++
			}
			printEnvelope(out, env, tailJSON)
		}
	}
}

func printEnvelope(out io.Writer, env connection.Envelope, asJSON bool) {
	if asJSON {
		line, _ := json.Marshal(struct {
			Room       string    `json:"room,omitempty"`
			Data       string    `json:"data,omitempty"`
			Error      string    `json:"error,omitempty"`
			ReceivedAt time.Time `json:"received_at"`
		}{env.Room, env.Data, env.Error, env.ReceivedAt})
		fmt.Fprintf(out, "%s\n", line)
		return
	}

	ts := env.ReceivedAt.Format("15:04:05.000")
	if env.Error != "" {
		fmt.Fprintf(out, "%s [ERROR] %s\n", ts, env.Error)
		return
	}
	fmt.Fprintf(out, "%s [%s] %s\n", ts, env.Room, env.Data)
}

func logFormatOr(fallback string) string {
	if logFormat != "" {
		return logFormat
	}
	return fallback
}
