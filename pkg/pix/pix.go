// Package pix integrates the PushinPay cash-in API. Each admin charges
// with their own gateway token; the platform's top-up token is configured
// separately. Webhook callbacks are never trusted on their own, the
// handler re-fetches the transaction before acting.
package pix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/metrics"
	"github.com/vkultra/mitski/pkg/store"
)

// Charge is one created PIX charge.
type Charge struct {
	ExternalID   string
	QRCode       string
	QRCodeBase64 string
	Status       string
}

// Client calls the gateway behind a circuit breaker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
}

// New builds the client.
func New(baseURL string, timeout time.Duration, failMax int, breakerReset time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:    "pix",
			Timeout: breakerReset,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(failMax)
			},
		}),
	}
}

// CreateCharge opens a charge of amountCents under the given gateway token.
func (c *Client) CreateCharge(ctx context.Context, token string, amountCents int64, webhookURL string) (*Charge, error) {
	body, err := json.Marshal(map[string]any{
		"value":       amountCents,
		"webhook_url": webhookURL,
	})
	if err != nil {
		return nil, err
	}
	payload, err := c.do(ctx, http.MethodPost, "/pix/cashIn", token, body)
	if err != nil {
		return nil, err
	}
	var out struct {
		ID           string `json:"id"`
		QRCode       string `json:"qr_code"`
		QRCodeBase64 string `json:"qr_code_base64"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, faults.Permanent(fmt.Errorf("decoding charge: %w", err))
	}
	if out.ID == "" || out.QRCode == "" {
		return nil, faults.Permanent(fmt.Errorf("gateway returned incomplete charge: %s", payload))
	}
	return &Charge{
		ExternalID:   out.ID,
		QRCode:       out.QRCode,
		QRCodeBase64: out.QRCodeBase64,
		Status:       NormalizeStatus(out.Status),
	}, nil
}

// GetStatus fetches the authoritative state of a charge.
func (c *Client) GetStatus(ctx context.Context, token, externalID string) (string, error) {
	payload, err := c.do(ctx, http.MethodGet, "/transactions/"+externalID, token, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", faults.Permanent(fmt.Errorf("decoding status: %w", err))
	}
	return NormalizeStatus(out.Status), nil
}

// NormalizeStatus maps gateway status strings onto our transaction states.
func NormalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case "paid", "approved", "completed":
		return store.PixPaid
	case "created", "pending", "waiting_payment":
		return store.PixPending
	case "expired", "canceled", "cancelled":
		return store.PixExpired
	default:
		return store.PixFailed
	}
}

// WebhookEvent is the callback body the gateway posts. Only the id is
// used; the status is re-fetched before any state change.
type WebhookEvent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ParseWebhook decodes a callback body.
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, faults.Validation("invalid pix webhook body: %v", err)
	}
	if ev.ID == "" {
		return nil, faults.Validation("pix webhook missing transaction id")
	}
	return &ev, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body []byte) ([]byte, error) {
	payload, err := c.breaker.Execute(func() ([]byte, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 300 {
			return nil, &statusError{code: resp.StatusCode, body: string(data)}
		}
		return data, nil
	})
	if err != nil {
		cerr := classify(err)
		metrics.ExternalErrors.WithLabelValues("pix", faults.KindOf(cerr).String()).Inc()
		return nil, cerr
	}
	return payload, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("pix gateway returned %d: %s", e.code, e.body)
}

func classify(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &faults.Error{Kind: faults.KindRateLimited, RetryAfter: 30 * time.Second, Err: err}
	}
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.code == 429:
			return &faults.Error{Kind: faults.KindRateLimited, RetryAfter: 15 * time.Second, Err: err}
		case se.code == 401 || se.code == 403:
			return faults.New(faults.KindAuth, err)
		case se.code >= 500:
			return faults.Transient(err)
		default:
			return faults.Permanent(err)
		}
	}
	return faults.Transient(err)
}
