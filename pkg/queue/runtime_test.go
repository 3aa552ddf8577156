package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkultra/mitski/pkg/config"
	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/kv"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.QueueConfig {
	return &config.QueueConfig{
		Concurrency:             map[string]int{config.QueueDefault: 1},
		Deadline:                map[string]time.Duration{config.QueueDefault: 5 * time.Second},
		MaxRetries:              2,
		BackoffBase:             10 * time.Millisecond,
		BackoffCap:              50 * time.Millisecond,
		PollInterval:            20 * time.Millisecond,
		PollIntervalJitter:      10 * time.Millisecond,
		SweepInterval:           time.Minute,
		OrphanThreshold:         time.Minute,
		OrphanDetectionInterval: time.Minute,
		GracefulShutdownTimeout: 2 * time.Second,
	}
}

func testRuntime(t *testing.T) (*Runtime, *kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := kv.NewFromClient(rdb, time.Second)
	return New(testConfig(), store, discardLogger()), store
}

type testPayload struct {
	Value string `json:"value"`
}

func TestTaskEnvelopeRoundTrip(t *testing.T) {
	task, err := newTask("demo.task", config.QueueDefault, 3, testPayload{Value: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "demo.task", task.Type)
	assert.Equal(t, 3, task.MaxRetries)
	assert.Zero(t, task.Attempt)

	raw, err := json.Marshal(task)
	require.NoError(t, err)

	var decoded Task
	require.NoError(t, json.Unmarshal(raw, &decoded))

	var p testPayload
	require.NoError(t, decoded.Decode(&p))
	assert.Equal(t, "hi", p.Value)
}

func TestQueueKeys(t *testing.T) {
	assert.Equal(t, "q:ai", readyKey("ai"))
	assert.Equal(t, "q:ai:delayed", delayedKey("ai"))
	assert.Equal(t, "q:ai:dead", deadKey("ai"))
	assert.Equal(t, "q:ai:proc:pod-1", procKey("ai", "pod-1"))
}

func TestBackoffBounds(t *testing.T) {
	rt, _ := testRuntime(t)

	for attempt := 1; attempt <= 10; attempt++ {
		d := rt.backoff(attempt)
		// cap plus the 20% jitter ceiling
		assert.LessOrEqual(t, d, rt.cfg.BackoffCap+rt.cfg.BackoffCap/5)
		assert.Greater(t, d, time.Duration(0))
	}
}

func TestProcessSuccess(t *testing.T) {
	rt, store := testRuntime(t)

	var handled atomic.Int32
	rt.Register("demo.task", config.QueueDefault, func(ctx context.Context, task *Task) error {
		var p testPayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		handled.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Stop()

	require.NoError(t, rt.Enqueue(ctx, "demo.task", testPayload{Value: "x"}))

	require.Eventually(t, func() bool { return handled.Load() == 1 },
		3*time.Second, 10*time.Millisecond)

	// ready list and processing lists drained after the ack
	assert.Eventually(t, func() bool {
		n, err := store.LLen(ctx, readyKey(config.QueueDefault))
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestProcessRetriesTransientErrors(t *testing.T) {
	rt, _ := testRuntime(t)

	var attempts atomic.Int32
	rt.Register("flaky.task", config.QueueDefault, func(ctx context.Context, task *Task) error {
		if attempts.Add(1) == 1 {
			return faults.Transient(errors.New("first try fails"))
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Stop()

	require.NoError(t, rt.Enqueue(ctx, "flaky.task", testPayload{}))

	require.Eventually(t, func() bool { return attempts.Load() >= 2 },
		5*time.Second, 10*time.Millisecond)
}

func TestProcessDeadLettersPermanentErrors(t *testing.T) {
	rt, store := testRuntime(t)

	var attempts atomic.Int32
	rt.Register("broken.task", config.QueueDefault, func(ctx context.Context, task *Task) error {
		attempts.Add(1)
		return faults.Permanent(errors.New("unfixable"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Stop()

	require.NoError(t, rt.Enqueue(ctx, "broken.task", testPayload{}))

	require.Eventually(t, func() bool {
		n, err := store.LLen(ctx, deadKey(config.QueueDefault))
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)

	// permanent errors never retry
	assert.Equal(t, int32(1), attempts.Load())
}

func TestProcessDropsSilentErrors(t *testing.T) {
	rt, store := testRuntime(t)

	var attempts atomic.Int32
	rt.Register("banned.task", config.QueueDefault, func(ctx context.Context, task *Task) error {
		attempts.Add(1)
		return faults.Consistency("user banned")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Stop()

	require.NoError(t, rt.Enqueue(ctx, "banned.task", testPayload{}))

	require.Eventually(t, func() bool { return attempts.Load() == 1 },
		3*time.Second, 10*time.Millisecond)

	// neither retried nor dead-lettered
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
	n, err := store.LLen(ctx, deadKey(config.QueueDefault))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueueInSchedulesDelayed(t *testing.T) {
	rt, store := testRuntime(t)

	rt.Register("later.task", config.QueueDefault, func(ctx context.Context, task *Task) error {
		return nil
	})

	ctx := context.Background()
	require.NoError(t, rt.EnqueueIn(ctx, "later.task", testPayload{}, time.Hour))

	due, err := store.ZPopDue(ctx, delayedKey(config.QueueDefault), float64(time.Now().Unix()), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.ZPopDue(ctx, delayedKey(config.QueueDefault),
		float64(time.Now().Add(2*time.Hour).Unix()), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestEnqueueUnknownTypeFails(t *testing.T) {
	rt, _ := testRuntime(t)
	err := rt.Enqueue(context.Background(), "never.registered", testPayload{})
	assert.Error(t, err)
}
