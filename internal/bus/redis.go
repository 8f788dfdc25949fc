package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis is a Bus backed by Redis PUBLISH/SUBSCRIBE.
type Redis struct {
	client     *redis.Client
	bufferSize int
	logger     *slog.Logger
}

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(ctx context.Context, cfg RedisConfig, bufferSize int, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	logger.Debug("redis bus connected", "addr", cfg.Addr, "db", cfg.DB)

	return &Redis{
		client:     client,
		bufferSize: bufferSize,
		logger:     logger,
	}, nil
}

// Publish sends payload on channel.
func (r *Redis) Publish(ctx context.Context, channel, payload string) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to redis channel '%s': %w", channel, err)
	}
	return nil
}

// Subscribe opens a dedicated pub/sub connection for channel.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)

	// Wait for the subscribe confirmation so connection errors surface here.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to redis channel '%s': %w", channel, err)
	}

	sub := newSubscription(r.bufferSize, func() error {
		return ps.Close()
	})
	sub.start(func(ctx context.Context) (string, error) {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return "", err
		}
		return msg.Payload, nil
	})

	return sub, nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client and every pooled connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
