package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Queue names. Every task is routed to exactly one of these.
const (
	QueueDefault       = "default"
	QueueAI            = "ai"
	QueueAudio         = "audio"
	QueueMedia         = "media"
	QueueRecovery      = "recovery"
	QueueNotifications = "notifications"
	QueueScheduler     = "scheduler"
)

// QueueNames lists all queues in a stable order.
var QueueNames = []string{
	QueueDefault, QueueAI, QueueAudio, QueueMedia,
	QueueRecovery, QueueNotifications, QueueScheduler,
}

// QueueConfig controls the task runtime: per-queue concurrency, task
// deadlines, retry budget, polling and orphan recovery.
type QueueConfig struct {
	// Concurrency is the number of worker goroutines per queue.
	Concurrency map[string]int

	// Deadline is the hard per-task deadline per queue. Tasks exceeding it
	// are cancelled and treated as transient failures.
	Deadline map[string]time.Duration

	// MaxRetries is the default retry budget for tasks that do not declare
	// their own.
	MaxRetries int

	// BackoffBase is the base of the exponential backoff (doubles per
	// attempt), capped at BackoffCap, with ±20% jitter.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// PollInterval is the blocking-pop timeout for idle workers; jitter is
	// applied to desynchronize replicas.
	PollInterval       time.Duration
	PollIntervalJitter time.Duration

	// SweepInterval is how often the scheduler queue promotes delayed tasks
	// and scans due upsell deliveries / pending payments.
	SweepInterval time.Duration

	// OrphanThreshold is how long a claimed task may sit in a processing
	// list without completion before another pod requeues it.
	OrphanThreshold         time.Duration
	OrphanDetectionInterval time.Duration

	GracefulShutdownTimeout time.Duration
}

var defaultConcurrency = map[string]int{
	QueueDefault:       10,
	QueueAI:            4,
	QueueAudio:         4,
	QueueMedia:         4,
	QueueRecovery:      2,
	QueueNotifications: 2,
	QueueScheduler:     2,
}

var defaultDeadlines = map[string]time.Duration{
	QueueDefault:       120 * time.Second,
	QueueAI:            180 * time.Second,
	QueueAudio:         180 * time.Second,
	QueueMedia:         300 * time.Second,
	QueueRecovery:      120 * time.Second,
	QueueNotifications: 120 * time.Second,
	QueueScheduler:     120 * time.Second,
}

// loadQueueConfig builds QueueConfig from defaults plus optional
// QUEUE_CONCURRENCY overrides ("ai=8,media=2").
func loadQueueConfig() (*QueueConfig, error) {
	concurrency := make(map[string]int, len(defaultConcurrency))
	for q, n := range defaultConcurrency {
		concurrency[q] = n
	}
	if raw := os.Getenv("QUEUE_CONCURRENCY"); raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				return nil, fmt.Errorf("invalid QUEUE_CONCURRENCY entry %q", pair)
			}
			if _, known := concurrency[name]; !known {
				return nil, fmt.Errorf("unknown queue %q in QUEUE_CONCURRENCY", name)
			}
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid concurrency for queue %q: %q", name, value)
			}
			concurrency[name] = n
		}
	}

	deadlines := make(map[string]time.Duration, len(defaultDeadlines))
	for q, d := range defaultDeadlines {
		deadlines[q] = d
	}

	sweep, err := getEnvSeconds("SCHEDULER_SWEEP_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, err
	}

	return &QueueConfig{
		Concurrency:             concurrency,
		Deadline:                deadlines,
		MaxRetries:              3,
		BackoffBase:             1 * time.Second,
		BackoffCap:              5 * time.Minute,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		SweepInterval:           sweep,
		OrphanThreshold:         5 * time.Minute,
		OrphanDetectionInterval: 1 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
	}, nil
}

// DeadlineFor returns the hard deadline for a queue.
func (q *QueueConfig) DeadlineFor(queue string) time.Duration {
	if d, ok := q.Deadline[queue]; ok {
		return d
	}
	return defaultDeadlines[QueueDefault]
}
