// Package queue is the asynchronous task runtime: named queues over Redis
// lists with late acknowledgement, exponential-backoff retries, per-queue
// worker pools, delayed tasks, and orphan recovery across pods.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vkultra/mitski/pkg/config"
	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/kv"
	"github.com/vkultra/mitski/pkg/metrics"
)

// Enqueuer is the producer-side surface handed to services and the API.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload any) error
	EnqueueIn(ctx context.Context, taskType string, payload any, delay time.Duration) error
	EnqueueAt(ctx context.Context, taskType string, payload any, at time.Time) error
}

type route struct {
	queue   string
	handler Handler
}

// Runtime owns the worker pools for every queue.
type Runtime struct {
	cfg    *config.QueueConfig
	store  *kv.Store
	logger *slog.Logger
	podID  string

	mu     sync.RWMutex
	routes map[string]route

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds the runtime. podID defaults to hostname plus a random
// suffix so replicas never collide on processing lists.
func New(cfg *config.QueueConfig, store *kv.Store, logger *slog.Logger) *Runtime {
	host, _ := os.Hostname()
	if host == "" {
		host = "pod"
	}
	return &Runtime{
		cfg:    cfg,
		store:  store,
		logger: logger,
		podID:  fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		routes: make(map[string]route),
	}
}

// Register binds a task type to a queue and handler. All registrations
// happen before Start.
func (r *Runtime) Register(taskType, queue string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[taskType] = route{queue: queue, handler: handler}
}

func (r *Runtime) routeFor(taskType string) (route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[taskType]
	return rt, ok
}

// Enqueue pushes a task onto its registered queue for immediate pickup.
func (r *Runtime) Enqueue(ctx context.Context, taskType string, payload any) error {
	return r.EnqueueIn(ctx, taskType, payload, 0)
}

// EnqueueIn schedules a task after delay.
func (r *Runtime) EnqueueIn(ctx context.Context, taskType string, payload any, delay time.Duration) error {
	return r.EnqueueAt(ctx, taskType, payload, time.Now().Add(delay))
}

// EnqueueAt schedules a task at an absolute time. Times at or before now
// go straight to the ready list.
func (r *Runtime) EnqueueAt(ctx context.Context, taskType string, payload any, at time.Time) error {
	rt, ok := r.routeFor(taskType)
	if !ok {
		return fmt.Errorf("no handler registered for task type %q", taskType)
	}
	task, err := newTask(taskType, rt.queue, r.cfg.MaxRetries, payload)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", taskType, err)
	}
	return r.push(ctx, task, at)
}

func (r *Runtime) push(ctx context.Context, task *Task, at time.Time) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if at.After(time.Now()) {
		return r.store.ZAdd(ctx, delayedKey(task.Queue), float64(at.Unix()), string(raw))
	}
	return r.store.LPush(ctx, readyKey(task.Queue), string(raw))
}

// Start launches workers, the delayed-task promoter, the queue depth
// gauge, the heartbeat and the orphan detector. It returns immediately.
func (r *Runtime) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	for _, queue := range config.QueueNames {
		for i := 0; i < r.cfg.Concurrency[queue]; i++ {
			r.wg.Add(1)
			go r.worker(ctx, queue)
		}
		r.wg.Add(1)
		go r.promoter(ctx, queue)
	}

	r.wg.Add(2)
	go r.heartbeat(ctx)
	go r.orphanDetector(ctx)

	r.logger.Info("task runtime started", "pod", r.podID)
}

// Stop cancels workers and waits up to the graceful-shutdown timeout.
// Claimed tasks that do not finish stay in the processing list and are
// requeued by another pod's orphan detector.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("task runtime drained")
	case <-time.After(r.cfg.GracefulShutdownTimeout):
		r.logger.Warn("task runtime shutdown timed out, orphan recovery will requeue in-flight tasks")
	}
}

func (r *Runtime) worker(ctx context.Context, queue string) {
	defer r.wg.Done()
	proc := procKey(queue, r.podID)
	for {
		if ctx.Err() != nil {
			return
		}
		wait := r.cfg.PollInterval +
			time.Duration(rand.Int63n(int64(r.cfg.PollIntervalJitter)))
		raw, ok, err := r.store.BLMoveTail(ctx, readyKey(queue), proc, wait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("queue poll failed", "queue", queue, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}
		r.process(ctx, queue, proc, raw)
	}
}

func (r *Runtime) process(ctx context.Context, queue, proc, raw string) {
	// ack removes the claimed payload from the processing list; it runs
	// on every terminal outcome, including retries (the retry is a new
	// delayed entry, not the original payload).
	ack := func() {
		if err := r.store.LRem(context.WithoutCancel(ctx), proc, 1, raw); err != nil {
			r.logger.Error("task ack failed", "queue", queue, "error", err)
		}
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		r.logger.Error("dropping undecodable task", "queue", queue, "error", err)
		ack()
		metrics.TasksProcessed.WithLabelValues(queue, "dead_letter").Inc()
		return
	}

	rt, ok := r.routeFor(task.Type)
	if !ok {
		r.logger.Error("dropping task with unknown type", "queue", queue, "type", task.Type)
		ack()
		metrics.TasksProcessed.WithLabelValues(queue, "dead_letter").Inc()
		return
	}

	start := time.Now()
	taskCtx, cancel := context.WithTimeout(ctx, r.cfg.DeadlineFor(queue))
	err := rt.handler(taskCtx, &task)
	cancel()
	metrics.TaskDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		ack()
		metrics.TasksProcessed.WithLabelValues(queue, "ok").Inc()

	case faults.IsSilent(err):
		ack()
		metrics.TasksProcessed.WithLabelValues(queue, "silent").Inc()
		r.logger.Debug("task dropped silently",
			"queue", queue, "type", task.Type, "task_id", task.ID, "error", err)

	case faults.IsRetriable(err) && task.Attempt < task.MaxRetries:
		ack()
		r.retry(ctx, &task, err)
		metrics.TasksProcessed.WithLabelValues(queue, "retried").Inc()

	default:
		ack()
		r.deadLetter(ctx, &task, raw)
		metrics.TasksProcessed.WithLabelValues(queue, "dead_letter").Inc()
		r.logger.Error("task dead-lettered",
			"queue", queue, "type", task.Type, "task_id", task.ID,
			"attempt", task.Attempt, "error", err)
	}
}

func (r *Runtime) retry(ctx context.Context, task *Task, cause error) {
	task.Attempt++
	delay := r.backoff(task.Attempt)
	if hint := faults.RetryAfterOf(cause); hint > delay {
		delay = hint
	}
	if err := r.push(context.WithoutCancel(ctx), task, time.Now().Add(delay)); err != nil {
		r.logger.Error("retry enqueue failed",
			"type", task.Type, "task_id", task.ID, "error", err)
	} else {
		r.logger.Warn("task scheduled for retry",
			"queue", task.Queue, "type", task.Type, "task_id", task.ID,
			"attempt", task.Attempt, "delay", delay, "error", cause)
	}
}

// backoff doubles per attempt from the base, capped, with ±20% jitter.
func (r *Runtime) backoff(attempt int) time.Duration {
	d := r.cfg.BackoffBase << uint(attempt-1)
	if d > r.cfg.BackoffCap || d <= 0 {
		d = r.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}

func (r *Runtime) deadLetter(ctx context.Context, task *Task, raw string) {
	if err := r.store.LPush(context.WithoutCancel(ctx), deadKey(task.Queue), raw); err != nil {
		r.logger.Error("dead-letter push failed",
			"type", task.Type, "task_id", task.ID, "error", err)
	}
}

// promoter moves due delayed tasks onto the ready list and refreshes the
// depth gauge.
func (r *Runtime) promoter(ctx context.Context, queue string) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := r.store.ZPopDue(ctx, delayedKey(queue), float64(time.Now().Unix()), 100)
			if err != nil {
				r.logger.Error("delayed promotion failed", "queue", queue, "error", err)
				continue
			}
			if len(due) > 0 {
				if err := r.store.LPush(ctx, readyKey(queue), due...); err != nil {
					r.logger.Error("delayed push failed", "queue", queue, "error", err)
				}
			}
			if depth, err := r.store.LLen(ctx, readyKey(queue)); err == nil {
				metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
			}
		}
	}
}
