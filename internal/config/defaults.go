package config

import (
	"os"
	"time"

	"github.com/google/uuid"
)

// Default values for optional configuration fields.
const (
	DefaultListenAddr         = ":8081"
	DefaultPath               = "/ws"
	DefaultReadLimit          = 64 * 1024
	DefaultWriteTimeout       = 5 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultPongTimeout        = 60 * time.Second
	DefaultOutboundQueueSize  = 256
	DefaultMaxFramesPerSecond = 50
	DefaultFrameBurst         = 100
	DefaultMaxDecodeErrors    = 10
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultBusDriver          = "redis"
	DefaultSubscribeTimeout   = 5 * time.Second
	DefaultPublishTimeout     = 5 * time.Second
	DefaultRedisAddr          = "127.0.0.1:6379"
	DefaultNATSURL            = "nats://127.0.0.1:4222"
	DefaultNATSName           = "roomrelay"
	DefaultNATSReconnectWait  = 2 * time.Second
	DefaultNATSMaxReconnects  = 60
	DefaultChannelCapacity    = 100
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 5
	DefaultMinConns           = 1
	DefaultActivityInterval   = time.Minute
	DefaultActivityBatchSize  = 500
	DefaultActivityFlush      = 5 * time.Second
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
)

func (c *RelayConfig) applyDefaults() {
	// Instance defaults
	if c.Instance.ID == "" {
		c.Instance.ID = defaultInstanceID()
	}

	// Server defaults
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.Path == "" {
		c.Server.Path = DefaultPath
	}
	if c.Server.ReadLimit == 0 {
		c.Server.ReadLimit = DefaultReadLimit
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = DefaultPingInterval
	}
	if c.Server.PongTimeout == 0 {
		c.Server.PongTimeout = DefaultPongTimeout
	}
	if c.Server.OutboundQueueSize == 0 {
		c.Server.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if c.Server.MaxFramesPerSecond == 0 {
		c.Server.MaxFramesPerSecond = DefaultMaxFramesPerSecond
	}
	if c.Server.FrameBurst == 0 {
		c.Server.FrameBurst = DefaultFrameBurst
	}
	if c.Server.MaxDecodeErrors == 0 {
		c.Server.MaxDecodeErrors = DefaultMaxDecodeErrors
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Bus defaults
	if c.Bus.Driver == "" {
		c.Bus.Driver = DefaultBusDriver
	}
	if c.Bus.SubscribeTimeout == 0 {
		c.Bus.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.Bus.PublishTimeout == 0 {
		c.Bus.PublishTimeout = DefaultPublishTimeout
	}
	if c.Bus.Redis.Addr == "" {
		c.Bus.Redis.Addr = DefaultRedisAddr
	}
	if c.Bus.NATS.URL == "" {
		c.Bus.NATS.URL = DefaultNATSURL
	}
	if c.Bus.NATS.Name == "" {
		c.Bus.NATS.Name = DefaultNATSName
	}
	if c.Bus.NATS.ReconnectWait == 0 {
		c.Bus.NATS.ReconnectWait = DefaultNATSReconnectWait
	}
	if c.Bus.NATS.MaxReconnects == 0 {
		c.Bus.NATS.MaxReconnects = DefaultNATSMaxReconnects
	}

	// Rooms defaults
	if c.Rooms.ChannelCapacity == 0 {
		c.Rooms.ChannelCapacity = DefaultChannelCapacity
	}

	// Database defaults
	applyDBDefaults(&c.Database.Timescale)

	// Activity defaults
	if c.Activity.Interval == 0 {
		c.Activity.Interval = DefaultActivityInterval
	}
	if c.Activity.BatchSize == 0 {
		c.Activity.BatchSize = DefaultActivityBatchSize
	}
	if c.Activity.FlushInterval == 0 {
		c.Activity.FlushInterval = DefaultActivityFlush
	}

	// Metrics defaults
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

// defaultInstanceID is the hostname, or a random id when it is unavailable.
func defaultInstanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "relay-" + uuid.NewString()[:8]
}
