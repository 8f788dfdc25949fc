package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Errors
var (
	ErrClosed        = errors.New("bus closed")
	ErrDisconnected  = errors.New("bus connection lost")
	ErrUnknownDriver = errors.New("unknown bus driver")
)

// Driver names accepted by Open.
const (
	DriverRedis  = "redis"
	DriverNATS   = "nats"
	DriverMemory = "memory"
)

// Bus is the external distributed pub/sub transport.
type Bus interface {
	// Publish sends payload to every subscriber of channel, in every process.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe opens a subscription on channel. It returns only after the
	// bus confirmed the subscription, so a failure here means no messages
	// will ever be delivered.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connection(s).
	Close() error
}

// Subscription is a live subscription to one bus channel.
type Subscription interface {
	// Messages returns the payload stream. It is closed when the
	// subscription ends, either through Close or a bus failure.
	Messages() <-chan string

	// Err returns the terminal error after Messages is closed, or nil if
	// the subscription was closed by its owner.
	Err() error

	// Close unsubscribes. Close is idempotent.
	Close() error
}

// ChannelKey derives the bus channel for a room.
func ChannelKey(prefix, room string) string {
	return prefix + room
}

// Config selects and configures a backend.
type Config struct {
	Driver     string
	Redis      RedisConfig
	NATS       NATSConfig
	BufferSize int // Per-subscription delivery buffer
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string // host:port
	Username string
	Password string
	DB       int
}

// NATSConfig configures the NATS backend.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver: DriverRedis,
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Name:          "roomrelay",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: 60,
		},
		BufferSize: 256,
	}
}

// Open connects the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	switch cfg.Driver {
	case DriverRedis:
		return NewRedis(ctx, cfg.Redis, cfg.BufferSize, logger.With("bus", DriverRedis))
	case DriverNATS:
		return NewNATS(cfg.NATS, cfg.BufferSize, logger.With("bus", DriverNATS))
	case DriverMemory:
		return NewMemory(cfg.BufferSize), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
