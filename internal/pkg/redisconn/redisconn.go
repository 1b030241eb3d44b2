// Package redisconn provides the Redis connection used by the queue backend.
package redisconn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotReady is returned when Redis cannot be reached within the configured
// retry budget.
var ErrNotReady = errors.New("redis is not ready")

// Config contains Redis connection configuration.
type Config struct {
	Addr           string
	Password       string
	DB             int
	ConnectTimeout time.Duration
	RetryAttempts  int
	RetryInterval  time.Duration
}

// Connect establishes a Redis connection, retrying up to RetryAttempts times
// with RetryInterval between attempts.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err == nil {
			slog.Info("connected to redis", "addr", cfg.Addr, "attempts", attempt)
			return client, nil
		} else {
			lastErr = err
		}
		_ = client.Close()

		if attempt < attempts {
			slog.Warn("failed to ping redis, retrying",
				"attempt", attempt,
				"max_attempts", attempts,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return nil, errors.Join(ErrNotReady, ctx.Err())
			case <-time.After(cfg.RetryInterval):
			}
		}
	}

	return nil, errors.Join(ErrNotReady, lastErr)
}
