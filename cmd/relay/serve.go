package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/roomrelay/internal/bus"
	"github.com/rickgao/roomrelay/internal/config"
	"github.com/rickgao/roomrelay/internal/connection"
	"github.com/rickgao/roomrelay/internal/database"
	"github.com/rickgao/roomrelay/internal/logging"
	"github.com/rickgao/roomrelay/internal/metrics"
	"github.com/rickgao/roomrelay/internal/poller"
	"github.com/rickgao/roomrelay/internal/room"
	"github.com/rickgao/roomrelay/internal/server"
	"github.com/rickgao/roomrelay/internal/version"
	"github.com/rickgao/roomrelay/internal/writer"
)

var (
	serveListen string
	serveBus    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay",
	Long: `Run the relay: accept WebSocket clients, bridge their rooms to the
configured bus and, when enabled, record room activity in TimescaleDB.

Examples:
  relay serve                              # defaults: :8081, redis at 127.0.0.1:6379
  relay serve --config configs/relay.yaml
  relay serve --bus memory --listen :9000  # single node, no external bus`,
	RunE: serveRun,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides server.listen_addr)")
	serveCmd.Flags().StringVar(&serveBus, "bus", "", "bus driver: redis, nats or memory (overrides bus.driver)")
}

func serveRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath, overrides{
		listenAddr: serveListen,
		busDriver:  serveBus,
		logLevel:   logLevel,
		logFormat:  logFormat,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format).With("instance", cfg.Instance.ID)

	logger.Info("starting relay",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
		"bus", cfg.Bus.Driver,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runRelay(ctx, cfg, logger)
}

// runRelay wires every component and blocks until ctx is cancelled or a
// component fails.
func runRelay(ctx context.Context, cfg *config.RelayConfig, logger *slog.Logger) error {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	b, err := bus.Open(ctx, busConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()
	logger.Info("bus connected", "driver", cfg.Bus.Driver)

	var pool *pgxpool.Pool
	if cfg.Database.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Timescale.Host,
			"port", cfg.Database.Timescale.Port,
			"database", cfg.Database.Timescale.Name,
		)
		pool, err = database.Connect(ctx, cfg.Database.Timescale, "roomrelay-"+cfg.Instance.ID)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		logger.Info("database connected")
	}

	registry := room.NewRegistry(roomConfig(cfg), b, logger.With("component", "room"), m)
	manager := connection.NewManager(connectionConfig(cfg), registry, logger.With("component", "connection"), m)

	deps := server.Deps{
		Bus:      b,
		Registry: registry,
		Manager:  manager,
		Metrics:  m,
	}
	if pool != nil {
		deps.Database = pool
	}
	srv := server.New(serverConfig(cfg), deps, logger.With("component", "server"))

	var (
		activity *writer.ActivityWriter
		sampler  *poller.Poller
	)
	if cfg.Activity.Enabled && pool != nil {
		activity = writer.NewActivityWriter(writerConfig(cfg), cfg.Instance.ID, pool, logger.With("component", "activity_writer"))
		if err := activity.Start(ctx); err != nil {
			return fmt.Errorf("start activity writer: %w", err)
		}
		sampler = poller.New(pollerConfig(cfg), registry, activity, logger.With("component", "poller"))
		if err := sampler.Start(ctx); err != nil {
			return fmt.Errorf("start poller: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	logger.Info("relay running",
		"listen_addr", cfg.Server.ListenAddr,
		"ws_path", cfg.Server.Path,
		"metrics", cfg.Metrics.Enabled,
		"activity", activity != nil,
	)

	runErr := g.Wait()

	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if sampler != nil {
		if err := sampler.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop poller: %w", err))
		}
	}
	if activity != nil {
		if err := activity.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop activity writer: %w", err))
		}
		stats := activity.Stats()
		logger.Info("activity writer stopped",
			"inserts", stats.Inserts,
			"errors", stats.Errors,
			"dropped", stats.Dropped,
		)
	}
	if err := registry.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close registry: %w", err))
	}

	logger.Info("relay stopped")
	return errors.Join(errs...)
}
