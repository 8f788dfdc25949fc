package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /, got %q", c.Server.Path)
	}
	if c.Server.ReadLimit < 1 {
		return errors.New("server.read_limit must be >= 1")
	}
	if c.Server.WriteTimeout <= 0 {
		return errors.New("server.write_timeout must be > 0")
	}
	if c.Server.PingInterval < 0 {
		return errors.New("server.ping_interval must be >= 0")
	}
	if c.Server.PongTimeout > 0 && c.Server.PingInterval >= c.Server.PongTimeout {
		return fmt.Errorf("server.ping_interval (%s) must be less than server.pong_timeout (%s)",
			c.Server.PingInterval, c.Server.PongTimeout)
	}
	if c.Server.OutboundQueueSize < 1 {
		return errors.New("server.outbound_queue_size must be >= 1")
	}
	if c.Server.MaxFramesPerSecond < 0 {
		return errors.New("server.max_frames_per_second must be >= 0")
	}
	if c.Server.FrameBurst < 1 {
		return errors.New("server.frame_burst must be >= 1")
	}
	if c.Server.MaxDecodeErrors < 0 {
		return errors.New("server.max_decode_errors must be >= 0")
	}

	switch c.Bus.Driver {
	case "redis":
		if c.Bus.Redis.Addr == "" {
			return errors.New("bus.redis.addr is required")
		}
	case "nats":
		if c.Bus.NATS.URL == "" {
			return errors.New("bus.nats.url is required")
		}
	case "memory":
	default:
		return fmt.Errorf("bus.driver must be redis, nats or memory, got %q", c.Bus.Driver)
	}

	if c.Rooms.ChannelCapacity < 1 {
		return errors.New("rooms.channel_capacity must be >= 1")
	}

	if c.Database.Enabled {
		if err := c.Database.Timescale.validate("database.timescale"); err != nil {
			return err
		}
	}
	if c.Activity.Enabled {
		if !c.Database.Enabled {
			return errors.New("activity.enabled requires database.enabled")
		}
		if c.Activity.Interval <= 0 {
			return errors.New("activity.interval must be > 0")
		}
		if c.Activity.BatchSize < 1 {
			return errors.New("activity.batch_size must be >= 1")
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
