package config

import "time"

// RelayConfig is the root configuration for a relay instance.
type RelayConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Server   ServerConfig   `yaml:"server"`
	Bus      BusConfig      `yaml:"bus"`
	Rooms    RoomsConfig    `yaml:"rooms"`
	Database DatabaseConfig `yaml:"database"`
	Activity ActivityConfig `yaml:"activity"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// InstanceConfig identifies this relay.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds the client-facing WebSocket settings.
type ServerConfig struct {
	ListenAddr         string        `yaml:"listen_addr"`
	Path               string        `yaml:"path"`
	ReadLimit          int64         `yaml:"read_limit"` // Max inbound frame size in bytes
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PongTimeout        time.Duration `yaml:"pong_timeout"`
	OutboundQueueSize  int           `yaml:"outbound_queue_size"`
	MaxFramesPerSecond float64       `yaml:"max_frames_per_second"`
	FrameBurst         int           `yaml:"frame_burst"`
	MaxDecodeErrors    int           `yaml:"max_decode_errors"`
	AllowedOrigins     []string      `yaml:"allowed_origins"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// BusConfig selects the pub/sub backend.
type BusConfig struct {
	Driver           string        `yaml:"driver"` // "redis", "nats" or "memory"
	ChannelPrefix    string        `yaml:"channel_prefix"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
	Redis            RedisConfig   `yaml:"redis"`
	NATS             NATSConfig    `yaml:"nats"`
}

// RedisConfig holds the Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig holds the NATS connection.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

// RoomsConfig holds Room Registry settings.
type RoomsConfig struct {
	ChannelCapacity int `yaml:"channel_capacity"`
}

// DatabaseConfig holds the TimescaleDB connection for room activity.
type DatabaseConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// ActivityConfig holds room activity sampling settings.
type ActivityConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}
