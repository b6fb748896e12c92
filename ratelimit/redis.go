package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig points at the Redis instance backing the rate limiter in
// multi-instance deployments. When the config has no redis block, the
// storage.Storage-backed counters (Limiter) are used instead.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisLimiter checks fixed-window counters in Redis via INCR+EXPIRE,
// grounded on the growth-server cache client's connection pattern. Every
// replica shares the same window, unlike the per-process storage.Storage
// backend.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter dials Redis and verifies connectivity before returning.
func NewRedisLimiter(ctx context.Context, cfg RedisConfig) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisLimiter{client: client}, nil
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

// Check increments scope:subject in Redis, setting the window's expiry only
// on the first increment of a window so the TTL never resets on every hit.
func (r *RedisLimiter) Check(ctx context.Context, scope Scope, subject string, limit int, window time.Duration) (Result, error) {
	key := fmt.Sprintf("groveauth:ratelimit:%s:%s", scope, subject)

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("incr %s: %w", key, err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return Result{}, fmt.Errorf("expire %s: %w", key, err)
		}
	}

	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ttl %s: %w", key, err)
	}
	if ttl < 0 {
		ttl = window
	}

	remaining := int(limit) - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		ResetAt:   time.Now().Add(ttl),
	}, nil
}
