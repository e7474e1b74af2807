package quotastore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slideWindowScript implements the atomic prune+count+append over a sorted
// set of millisecond timestamps. EVAL serializes per key on the server, so
// two racing admissions can never both observe the last free slot.
//
// Returns {count, oldest_ms, admitted}.
var slideWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < capacity then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  return {count + 1, 0, 1}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {count, oldest[2], 0}
`)

// RedisStore is the Redis-backed Store.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: connect %s: %v", ErrUnavailable, opts.Addr, err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) SlideWindow(ctx context.Context, key string, nowMs, windowMs, capacity int64, member string) (WindowSlot, error) {
	res, err := slideWindowScript.Run(ctx, s.client, []string{key}, nowMs, windowMs, capacity, member).Result()
	if err != nil {
		return WindowSlot{}, fmt.Errorf("%w: slide window %s: %v", ErrUnavailable, key, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return WindowSlot{}, fmt.Errorf("%w: slide window %s: unexpected reply %v", ErrUnavailable, key, res)
	}
	return WindowSlot{
		Count:    toInt64(vals[0]),
		OldestMs: toInt64(vals[1]),
		Admitted: toInt64(vals[2]) == 1,
	}, nil
}

func (s *RedisStore) CountWindow(ctx context.Context, key string, nowMs, windowMs int64) (int64, error) {
	min := fmt.Sprintf("(%d", nowMs-windowMs)
	n, err := s.client.ZCount(ctx, key, min, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("%w: count window %s: %v", ErrUnavailable, key, err)
	}
	return n, nil
}

func (s *RedisStore) GetEntry(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return val, true, nil
}

func (s *RedisStore) SetEntry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// toInt64 normalizes Lua reply numbers. Redis returns integers; the WITHSCORES
// score comes back as a string.
func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		var parsed int64
		_, _ = fmt.Sscanf(n, "%d", &parsed)
		return parsed
	default:
		return 0
	}
}
