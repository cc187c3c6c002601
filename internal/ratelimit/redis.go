package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"storefront/internal/clock"
	"storefront/internal/model"
)

const redisMaxRetries = 10

// RedisLimiter keeps counters in Redis under WATCH/MULTI so concurrent
// increments of one key never under-count.
type RedisLimiter struct {
	client    *redis.Client
	namespace string
	Limit     int
	Window    time.Duration
	Now       func() time.Time
}

// NewRedisLimiter parses a redis:// URL.
func NewRedisLimiter(redisURL string, limit int, window time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLimiterWith(redis.NewClient(opts), limit, window), nil
}

func NewRedisLimiterWith(c *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: c, namespace: "storefront:ratelimit", Limit: limit, Window: window, Now: clock.Now}
}

func (l *RedisLimiter) Close() error { return l.client.Close() }

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	rk := l.namespace + ":" + key
	var dec Decision
	txf := func(tx *redis.Tx) error {
		now := l.Now()
		var cur model.RateLimitCounter
		found := true
		data, err := tx.Get(ctx, rk).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			found = false
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, &cur); err != nil {
				found = false
			}
		}
		next, d, write := step(cur, found, now, l.Limit, l.Window)
		dec = d
		if !write {
			return nil
		}
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		ttl := next.WindowResetAt.Sub(now)
		if ttl <= 0 {
			ttl = l.Window
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rk, b, ttl)
			return nil
		})
		return err
	}
	for i := 0; i < redisMaxRetries; i++ {
		err := l.client.Watch(ctx, txf, rk)
		if err == nil {
			return dec, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Decision{}, fmt.Errorf("redis rate limit: %w", err)
	}
	return Decision{}, fmt.Errorf("redis rate limit: too much contention on %s", key)
}
