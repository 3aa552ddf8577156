package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromClient(rdb, time.Second), mr
}

func TestIncrWithTTL(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	n, err := s.IncrWithTTL(ctx, "bucket", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.IncrWithTTL(ctx, "bucket", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.Greater(t, mr.TTL("bucket"), time.Duration(0))

	mr.FastForward(2 * time.Minute)
	n, err = s.IncrWithTTL(ctx, "bucket", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSetNX(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	won, err := s.SetNX(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	v, found, err := s.Get(ctx, "lock")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "a", v)

	mr.FastForward(2 * time.Minute)
	won, err = s.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestGetMissingKey(t *testing.T) {
	s, _ := testStore(t)

	v, found, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, v)

	n, found, err := s.GetInt64(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, n)
}

func TestSetGetDelExists(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Del(ctx, "k"))
	ok, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListClaimAndAck(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.LPush(ctx, "q:ready", "t1", "t2"))

	// t1 was pushed first, so it comes off the tail first
	v, ok, err := s.BLMoveTail(ctx, "q:ready", "q:proc", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", v)

	proc, err := s.LRange(ctx, "q:proc", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, proc)

	require.NoError(t, s.LRem(ctx, "q:proc", 1, "t1"))
	n, err := s.LLen(ctx, "q:proc")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.LLen(ctx, "q:ready")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBLMoveTailTimeout(t *testing.T) {
	s, _ := testStore(t)

	_, ok, err := s.BLMoveTail(context.Background(), "q:empty", "q:proc", 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestZPopDue(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "delayed", 100, "due-a"))
	require.NoError(t, s.ZAdd(ctx, "delayed", 150, "due-b"))
	require.NoError(t, s.ZAdd(ctx, "delayed", 900, "future"))

	claimed, err := s.ZPopDue(ctx, "delayed", 200, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"due-a", "due-b"}, claimed)

	// future member stays until its score passes
	claimed, err = s.ZPopDue(ctx, "delayed", 200, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = s.ZPopDue(ctx, "delayed", 1000, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"future"}, claimed)
}
