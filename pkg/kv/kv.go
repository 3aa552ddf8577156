// Package kv wraps the shared Redis instance behind the small primitive set
// the platform needs: atomic counters, TTL keys, SET NX locks, and the
// list/zset operations the task queue transport is built on. Every call
// carries a bounded timeout so a stalled Redis never wedges a worker.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the process-wide KV adapter.
type Store struct {
	rdb     *redis.Client
	timeout time.Duration
}

// New connects to Redis at url (redis:// form) with the given pool size.
func New(url string, maxConns int, timeout time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.PoolSize = maxConns
	return &Store{rdb: redis.NewClient(opts), timeout: timeout}, nil
}

// NewFromClient wraps an existing client (used by tests with miniredis).
func NewFromClient(rdb *redis.Client, timeout time.Duration) *Store {
	return &Store{rdb: rdb, timeout: timeout}
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.rdb.Close() }

// Ping checks reachability, used by /health.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// IncrWithTTL atomically increments key and sets its expiry, returning the
// new count. The expiry is refreshed on every call; sliding-window buckets
// get window+slack so late reads still see the bucket.
func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// SetNX sets key to value with ttl only if absent. Returns true when the
// key was set (lock acquired / first writer).
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Set stores value with ttl unconditionally.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Get fetches value; ("", false, nil) when absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// GetInt64 fetches an integer value; (0, false, nil) when absent.
func (s *Store) GetInt64(ctx context.Context, key string) (int64, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	v, err := s.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// Incr increments key without touching its TTL.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	v, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return v, nil
}

// Expire refreshes the TTL of key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// --- queue transport primitives ---
//
// Lists hold ready tasks, a zset per queue holds delayed tasks scored by
// fire time, and a per-pod processing list implements late ack.

// LPush prepends payloads to a list.
func (s *Store) LPush(ctx context.Context, key string, payloads ...string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	values := make([]interface{}, len(payloads))
	for i, p := range payloads {
		values[i] = p
	}
	if err := s.rdb.LPush(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", key, err)
	}
	return nil
}

// BLMoveTail blocks up to wait for a task, atomically moving it from the
// tail of src to the head of dst (claim with late ack). ("", false, nil) on
// timeout. The blocking window intentionally ignores the store timeout.
func (s *Store) BLMoveTail(ctx context.Context, src, dst string, wait time.Duration) (string, bool, error) {
	v, err := s.rdb.BLMove(ctx, src, dst, "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("blmove %s: %w", src, err)
	}
	return v, true, nil
}

// LRem removes count occurrences of value from a list (the ack).
func (s *Store) LRem(ctx context.Context, key string, count int64, value string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.rdb.LRem(ctx, key, count, value).Err(); err != nil {
		return fmt.Errorf("lrem %s: %w", key, err)
	}
	return nil
}

// LRange returns list entries in [start, stop].
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	vs, err := s.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	return vs, nil
}

// LLen returns the list length (queue depth).
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return n, nil
}

// ZAdd schedules payload at the given unix-seconds score.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, payload string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: payload}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

// ZPopDue atomically removes and returns up to limit members with score
// <= max. Members lost between read and remove are retried next sweep.
func (s *Store) ZPopDue(ctx context.Context, key string, max float64, limit int64) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	members, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", max), Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	// Claim member-by-member: ZREM returning 1 means this pod won the
	// member against concurrent sweepers.
	claimed := make([]string, 0, len(members))
	for _, m := range members {
		n, err := s.rdb.ZRem(ctx, key, m).Result()
		if err != nil {
			return claimed, fmt.Errorf("zrem %s: %w", key, err)
		}
		if n == 1 {
			claimed = append(claimed, m)
		}
	}
	return claimed, nil
}
