package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window limiter shared across gateway replicas.
type Redis struct {
	rdb    redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

func NewRedis(rdb redis.UniversalClient, limit int, window time.Duration) *Redis {
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{
		rdb:    rdb,
		limit:  limit,
		window: window,
		prefix: "gw:ratelimit",
		now:    time.Now,
	}
}

func (r *Redis) windowKey(key string, now time.Time) (string, time.Duration) {
	slot := now.UnixNano() / int64(r.window)
	reset := time.Duration((slot+1)*int64(r.window) - now.UnixNano())
	return fmt.Sprintf("%s:%s:%d", r.prefix, key, slot), reset
}

func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	k, reset := r.windowKey(key, r.now())

	var incr *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, r.window+time.Second)
		return nil
	})
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("redis rate limit: %w", err)
	}
	count := int(incr.Val())
	if count > r.limit {
		return Decision{Allowed: false, ResetIn: reset}, nil
	}
	return Decision{Allowed: true, Remaining: r.limit - count, ResetIn: reset}, nil
}
