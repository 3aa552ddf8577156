package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkultra/mitski/pkg/config"
	"github.com/vkultra/mitski/pkg/kv"
	"github.com/vkultra/mitski/pkg/pricing"
	"github.com/vkultra/mitski/pkg/services"
)

type enqueued struct {
	taskType string
	payload  any
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []enqueued
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, taskType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, enqueued{taskType: taskType, payload: payload})
	return nil
}

func (f *fakeEnqueuer) EnqueueIn(ctx context.Context, taskType string, payload any, delay time.Duration) error {
	return f.Enqueue(ctx, taskType, payload)
}

func (f *fakeEnqueuer) EnqueueAt(ctx context.Context, taskType string, payload any, at time.Time) error {
	return f.Enqueue(ctx, taskType, payload)
}

func (f *fakeEnqueuer) all() []enqueued {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]enqueued(nil), f.tasks...)
}

func testServer(t *testing.T) (*Server, *fakeEnqueuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	kvStore := kv.NewFromClient(rdb, time.Second)

	cfg := &config.Config{
		AppEnv:                "dev",
		TelegramWebhookSecret: "manager-secret",
	}
	enq := &fakeEnqueuer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := services.New(cfg, nil, kvStore, nil, nil, nil, nil, nil, enq, nil, nil,
		pricing.Rates{}, logger)
	return NewServer(cfg, nil, kvStore, nil, svc, enq, logger), enq
}

func postJSON(t *testing.T, router *gin.Engine, path, secret string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func managerUpdate(updateID int, text string) map[string]any {
	return map[string]any{
		"update_id": updateID,
		"message": map[string]any{
			"message_id": 1,
			"from":       map[string]any{"id": 42},
			"chat":       map[string]any{"id": 42},
			"text":       text,
		},
	}
}

func TestManagerWebhookRejectsBadSecret(t *testing.T) {
	srv, enq := testServer(t)
	router := srv.Router()

	w := postJSON(t, router, "/webhook/manager", "wrong", managerUpdate(1, "/saldo"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, enq.all())

	w = postJSON(t, router, "/webhook/manager", "", managerUpdate(1, "/saldo"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestManagerWebhookEnqueuesCommand(t *testing.T) {
	srv, enq := testServer(t)
	router := srv.Router()

	w := postJSON(t, router, "/webhook/manager", "manager-secret", managerUpdate(1, "/saldo"))
	require.Equal(t, http.StatusOK, w.Code)

	tasks := enq.all()
	require.Len(t, tasks, 1)
	assert.Equal(t, services.TaskManagerUpdate, tasks[0].taskType)
	payload, ok := tasks[0].payload.(services.ManagerUpdatePayload)
	require.True(t, ok)
	assert.Equal(t, int64(42), payload.AdminID)
	assert.Equal(t, "/saldo", payload.Text)
}

func TestManagerWebhookDeduplicatesUpdates(t *testing.T) {
	srv, enq := testServer(t)
	router := srv.Router()

	first := postJSON(t, router, "/webhook/manager", "manager-secret", managerUpdate(7, "/saldo"))
	second := postJSON(t, router, "/webhook/manager", "manager-secret", managerUpdate(7, "/saldo"))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Len(t, enq.all(), 1)
}

func TestManagerWebhookRoutesCallbacks(t *testing.T) {
	srv, enq := testServer(t)
	router := srv.Router()

	update := map[string]any{
		"update_id": 9,
		"callback_query": map[string]any{
			"id":   "cbq-1",
			"from": map[string]any{"id": 42},
			"data": "cb:deadbeef",
		},
	}
	w := postJSON(t, router, "/webhook/manager", "manager-secret", update)
	require.Equal(t, http.StatusOK, w.Code)

	tasks := enq.all()
	require.Len(t, tasks, 1)
	payload, ok := tasks[0].payload.(services.ManagerUpdatePayload)
	require.True(t, ok)
	assert.Equal(t, "cbq-1", payload.CallbackID)
	assert.Equal(t, "cb:deadbeef", payload.CallbackData)
	assert.Equal(t, int64(42), payload.AdminID)
}

func TestManagerWebhookIgnoresNonMessageUpdates(t *testing.T) {
	srv, enq := testServer(t)
	router := srv.Router()

	w := postJSON(t, router, "/webhook/manager", "manager-secret", map[string]any{"update_id": 3})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, enq.all())
}

func TestPixWebhook(t *testing.T) {
	srv, enq := testServer(t)
	router := srv.Router()

	t.Run("valid event enqueues confirmation", func(t *testing.T) {
		w := postJSON(t, router, "/webhook/pix", "", map[string]any{
			"id":     "9C1A2B3C",
			"status": "paid",
		})
		require.Equal(t, http.StatusOK, w.Code)

		tasks := enq.all()
		require.Len(t, tasks, 1)
		assert.Equal(t, services.TaskPaymentConfirm, tasks[0].taskType)
	})

	t.Run("missing id is rejected", func(t *testing.T) {
		w := postJSON(t, router, "/webhook/pix", "", map[string]any{"status": "paid"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("non-json is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhook/pix", bytes.NewReader([]byte("not json")))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestBotWebhookUnknownRoute(t *testing.T) {
	srv, enq := testServer(t)
	router := srv.Router()

	w := postJSON(t, router, "/webhook/not-a-number", "", managerUpdate(1, "oi"))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, enq.all())
}
