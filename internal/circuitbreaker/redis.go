package circuitbreaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript replaces a health record only if it still holds the value the
// caller read, so concurrent gateway instances do not interleave updates.
// Keys: [record_key]
// Args: [expected ('' when absent), next, ttl_ms]
// Returns: 1 when written, 0 on conflict
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1]) or ''
if cur ~= ARGV[1] then
    return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', tonumber(ARGV[3]))
return 1
`)

const casRetries = 5

// RedisStore shares health records across gateway instances.
type RedisStore struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
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

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient shares an existing connection pool.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, keyPrefix: "health:"}
}

func (s *RedisStore) recordKey(key Key) string {
	return s.keyPrefix + key.String()
}

func (s *RedisStore) probeKey(key Key) string {
	return s.keyPrefix + "probe:" + key.String()
}

func (s *RedisStore) Load(ctx context.Context, keys ...Key) (map[Key]Health, error) {
	out := make(map[Key]Health, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = s.recordKey(k)
	}

	vals, err := s.client.MGet(ctx, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("load health: %w", err)
	}

	for i, k := range keys {
		out[k] = decodeHealth(k, vals[i])
	}
	return out, nil
}

func decodeHealth(key Key, v any) Health {
	raw, ok := v.(string)
	if !ok || raw == "" {
		return Fresh(key)
	}
	var h Health
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return Fresh(key)
	}
	h.Key = key
	return h
}

// Update retries on conflict and falls back to an unconditional write, which
// is acceptable for advisory data.
func (s *RedisStore) Update(ctx context.Context, key Key, fn func(Health) Health) (Health, Health, error) {
	name := s.recordKey(key)
	ttl := s.ttl.Milliseconds()
	if ttl <= 0 {
		ttl = (24 * time.Hour).Milliseconds()
	}

	for attempt := 0; ; attempt++ {
		cur, err := s.client.Get(ctx, name).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Health{}, Health{}, fmt.Errorf("read health: %w", err)
		}

		before := decodeHealth(key, cur)
		after := fn(before)
		next, err := json.Marshal(after)
		if err != nil {
			return Health{}, Health{}, fmt.Errorf("encode health: %w", err)
		}

		if attempt >= casRetries {
			if err := s.client.Set(ctx, name, next, time.Duration(ttl)*time.Millisecond).Err(); err != nil {
				return Health{}, Health{}, fmt.Errorf("write health: %w", err)
			}
			return before, after, nil
		}

		written, err := casScript.Run(ctx, s.client, []string{name}, cur, string(next), ttl).Int()
		if err != nil {
			return Health{}, Health{}, fmt.Errorf("write health: %w", err)
		}
		if written == 1 {
			return before, after, nil
		}
	}
}

func (s *RedisStore) AcquireProbe(ctx context.Context, key Key, lease time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.probeKey(key), "1", lease).Result()
}

func (s *RedisStore) ReleaseProbe(ctx context.Context, key Key) error {
	return s.client.Del(ctx, s.probeKey(key)).Err()
}

// Reset deletes the record for key.
func (s *RedisStore) Reset(ctx context.Context, key Key) error {
	return s.client.Del(ctx, s.recordKey(key), s.probeKey(key)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
