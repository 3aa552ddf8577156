// Package ratelimit implements the sliding-window limiter, short cooldowns,
// and named distributed locks, all backed by the shared KV store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/vkultra/mitski/pkg/config"
	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/kv"
)

// Limiter gates actions per (bot, user, action) bucket.
type Limiter struct {
	kv     *kv.Store
	limits config.RateLimits
}

// NewLimiter builds a Limiter over the shared KV store.
func NewLimiter(store *kv.Store, limits config.RateLimits) *Limiter {
	return &Limiter{kv: store, limits: limits}
}

// Allow checks and consumes one slot in the current window for
// (bot, user, action). Over-limit returns a faults.RateLimited error whose
// RetryAfter is the time until the window rolls over.
func (l *Limiter) Allow(ctx context.Context, botID, userID int64, action string) error {
	budget := l.limits.For(action)
	window := int64(budget.Window)
	now := time.Now().Unix()
	bucket := now / window

	key := fmt.Sprintf("rl:%d:%d:%s:%d", botID, userID, action, bucket)
	count, err := l.kv.IncrWithTTL(ctx, key, time.Duration(window+5)*time.Second)
	if err != nil {
		return faults.Transient(err)
	}
	if count > int64(budget.Limit) {
		retryAfter := time.Duration((bucket+1)*window-now) * time.Second
		return faults.RateLimited(retryAfter)
	}
	return nil
}

// Cooldown suppresses rapid duplicates of the same action: the first call
// within ttl wins, later ones report false. Used against double button taps.
func (l *Limiter) Cooldown(ctx context.Context, botID, userID int64, action string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("cd:%d:%d:%s", botID, userID, action)
	ok, err := l.kv.SetNX(ctx, key, "1", ttl)
	if err != nil {
		return false, faults.Transient(err)
	}
	return ok, nil
}

// LockManager hands out named distributed locks.
type LockManager struct {
	kv *kv.Store
}

// NewLockManager builds a LockManager over the shared KV store.
func NewLockManager(store *kv.Store) *LockManager {
	return &LockManager{kv: store}
}

// Lock is a held distributed lock. Release it in a defer.
type Lock struct {
	kv  *kv.Store
	key string
}

// Acquire takes lock:{name} with ttl. Returns (nil, false, nil) when
// another holder has it.
func (m *LockManager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	key := "lock:" + name
	ok, err := m.kv.SetNX(ctx, key, "1", ttl)
	if err != nil {
		return nil, false, faults.Transient(err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{kv: m.kv, key: key}, true, nil
}

// Release frees the lock. Safe to call when the TTL already expired.
func (l *Lock) Release(ctx context.Context) {
	// Best effort: the TTL is the backstop if this fails.
	_ = l.kv.Del(ctx, l.key)
}
