package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClientOptions configures NewRedisClient
type RedisClientOptions struct {
	RedisURL    string
	DB          int // Overrides the DB in the URL when > 0
	PingTimeout time.Duration
	Logger      Logger
}

// NewRedisClient parses a redis:// URL (falling back to treating it as a
// bare host:port) and verifies connectivity with a bounded Ping.
func NewRedisClient(ctx context.Context, opts RedisClientOptions) (*redis.Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}

	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		// Accept "localhost:6379" style addresses as well
		redisOpt = &redis.Options{Addr: opts.RedisURL}
	}
	if opts.DB > 0 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		logger.Error("Failed to connect to Redis", map[string]interface{}{
			"operation": "redis_connect",
			"addr":      redisOpt.Addr,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("failed to connect to Redis at %s: %v: %w", redisOpt.Addr, err, ErrConnectionFailed)
	}

	logger.Debug("Connected to Redis", map[string]interface{}{
		"operation": "redis_connect",
		"addr":      redisOpt.Addr,
		"db":        redisOpt.DB,
	})
	return client, nil
}
