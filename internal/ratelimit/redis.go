package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter keeps a sliding one-minute window per key in a sorted set
// scored by arrival time. Rejected requests are removed again so they do not
// extend the caller's lockout.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisLimiter(redisURL string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisLimiterWithClient(client), nil
}

func NewRedisLimiterWithClient(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	now := l.now()
	d := Decision{Limit: limit, ResetAt: now.Add(window)}
	if limit < 1 {
		d.Allowed = true
		return d, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-window).UnixNano(), 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		d.ResetAt = time.Unix(0, int64(oldest[0].Score)).Add(window)
	}

	count := int(countCmd.Val())
	if count > limit {
		if err := l.client.ZRem(ctx, key, member).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
		}
		return d, nil
	}
	d.Allowed = true
	d.Remaining = limit - count
	return d, nil
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
