package main

import (
	"fmt"

	"github.com/rickgao/roomrelay/internal/bus"
	"github.com/rickgao/roomrelay/internal/config"
	"github.com/rickgao/roomrelay/internal/connection"
	"github.com/rickgao/roomrelay/internal/poller"
	"github.com/rickgao/roomrelay/internal/room"
	"github.com/rickgao/roomrelay/internal/server"
	"github.com/rickgao/roomrelay/internal/writer"
)

// overrides are command-line values that replace config file values when set.
type overrides struct {
	listenAddr string
	busDriver  string
	logLevel   string
	logFormat  string
}

// loadConfig reads path (or starts from defaults when empty), applies
// overrides, then validates.
func loadConfig(path string, o overrides) (*config.RelayConfig, error) {
	var (
		cfg *config.RelayConfig
		err error
	)
	if path == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.LoadWithDefaults(path)
		if err != nil {
			return nil, err
		}
	}

	if o.listenAddr != "" {
		cfg.Server.ListenAddr = o.listenAddr
	}
	if o.busDriver != "" {
		cfg.Bus.Driver = o.busDriver
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func busConfig(cfg *config.RelayConfig) bus.Config {
	bc := bus.DefaultConfig()
	bc.Driver = cfg.Bus.Driver
	bc.Redis = bus.RedisConfig{
		Addr:     cfg.Bus.Redis.Addr,
		Username: cfg.Bus.Redis.Username,
		Password: cfg.Bus.Redis.Password,
		DB:       cfg.Bus.Redis.DB,
	}
	bc.NATS = bus.NATSConfig{
		URL:           cfg.Bus.NATS.URL,
		Name:          cfg.Bus.NATS.Name,
		ReconnectWait: cfg.Bus.NATS.ReconnectWait,
		MaxReconnects: cfg.Bus.NATS.MaxReconnects,
	}
	return bc
}

func roomConfig(cfg *config.RelayConfig) room.Config {
	return room.Config{
		ChannelCapacity:  cfg.Rooms.ChannelCapacity,
		ChannelPrefix:    cfg.Bus.ChannelPrefix,
		SubscribeTimeout: cfg.Bus.SubscribeTimeout,
		PublishTimeout:   cfg.Bus.PublishTimeout,
	}
}

func connectionConfig(cfg *config.RelayConfig) connection.Config {
	cc := connection.DefaultConfig()
	cc.ReadLimit = cfg.Server.ReadLimit
	cc.WriteTimeout = cfg.Server.WriteTimeout
	cc.PingInterval = cfg.Server.PingInterval
	cc.PongTimeout = cfg.Server.PongTimeout
	cc.OutboundQueueSize = cfg.Server.OutboundQueueSize
	cc.MaxFramesPerSecond = cfg.Server.MaxFramesPerSecond
	cc.FrameBurst = cfg.Server.FrameBurst
	cc.MaxDecodeErrors = cfg.Server.MaxDecodeErrors
	cc.AllowedOrigins = cfg.Server.AllowedOrigins
	return cc
}

func serverConfig(cfg *config.RelayConfig) server.Config {
	sc := server.DefaultConfig()
	sc.ListenAddr = cfg.Server.ListenAddr
	sc.WSPath = cfg.Server.Path
	sc.ShutdownTimeout = cfg.Server.ShutdownTimeout
	sc.MetricsPath = ""
	if cfg.Metrics.Enabled {
		sc.MetricsPath = cfg.Metrics.Path
	}
	return sc
}

func writerConfig(cfg *config.RelayConfig) writer.WriterConfig {
	wc := writer.DefaultWriterConfig()
	wc.BatchSize = cfg.Activity.BatchSize
	wc.FlushInterval = cfg.Activity.FlushInterval
	return wc
}

func pollerConfig(cfg *config.RelayConfig) poller.Config {
	return poller.Config{Interval: cfg.Activity.Interval}
}
