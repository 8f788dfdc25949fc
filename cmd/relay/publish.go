package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rickgao/roomrelay/internal/bus"
	"github.com/rickgao/roomrelay/internal/logging"
)

var publishBus string

var publishCmd = &cobra.Command{
	Use:   "publish ROOM MESSAGE",
	Short: "Publish one message straight to the bus",
	Long: `Publish MESSAGE to ROOM on the configured bus without going through a
relay. Every relay subscribed to the room delivers it to its clients.

Examples:
  relay publish lobby "maintenance in 5 minutes"
  relay publish --config configs/relay.yaml --bus nats lobby '{"kind":"ping"}'`,
	Args: cobra.ExactArgs(2),
	RunE: publishRun,
}

func init() {
	publishCmd.Flags().StringVar(&publishBus, "bus", "", "bus driver: redis or nats (overrides bus.driver)")
}

func publishRun(cmd *cobra.Command, args []string) error {
	roomName, message := args[0], args[1]
	if roomName == "" {
		return fmt.Errorf("room must not be empty")
	}

	cfg, err := loadConfig(configPath, overrides{
		busDriver: publishBus,
		logLevel:  logLevel,
		logFormat: logFormat,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Bus.Driver == bus.DriverMemory {
		return fmt.Errorf("publish needs a shared bus, got driver %q", cfg.Bus.Driver)
	}

	logger := logging.New(cmd.ErrOrStderr(), cfg.Logging.Level, logFormatOr("text"))

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Bus.PublishTimeout+cfg.Bus.SubscribeTimeout)
	defer cancel()

	b, err := bus.Open(ctx, busConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()

	channel := bus.ChannelKey(cfg.Bus.ChannelPrefix, roomName)
	if err := b.Publish(ctx, channel, message); err != nil {
		return fmt.Errorf("publish to %q: %w", channel, err)
	}

	logger.Info("published", "room", roomName, "channel", channel, "bytes", len(message))
	return nil
}
