package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Task is the wire envelope for one unit of asynchronous work. The
// payload is opaque to the runtime; handlers decode it themselves.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Queue      string          `json:"queue"`
	Attempt    int             `json:"attempt"`
	MaxRetries int             `json:"max_retries"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Handler processes one task. The context carries the queue's hard
// deadline. Returned errors are classified through the fault taxonomy:
// retriable kinds are re-enqueued with backoff, silent kinds are dropped,
// the rest dead-letter.
type Handler func(ctx context.Context, task *Task) error

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v any) error {
	return json.Unmarshal(t.Payload, v)
}

func newTask(taskType, queue string, maxRetries int, payload any) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Queue:      queue,
		MaxRetries: maxRetries,
		EnqueuedAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Redis key layout. Ready tasks live in a list per queue, delayed tasks
// in a zset scored by fire time, claimed tasks in a per-pod processing
// list until the late ack, failures past their budget in a dead list.
func readyKey(queue string) string     { return "q:" + queue }
func delayedKey(queue string) string   { return "q:" + queue + ":delayed" }
func deadKey(queue string) string      { return "q:" + queue + ":dead" }
func procKey(queue, pod string) string { return "q:" + queue + ":proc:" + pod }

const podsKey = "q:pods"
