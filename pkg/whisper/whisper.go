// Package whisper transcribes voice notes through an OpenAI-compatible
// audio endpoint. The request is a plain multipart POST; langchaingo has
// no audio surface, so this client speaks HTTP directly.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/metrics"
)

// Client calls the transcription endpoint behind a circuit breaker.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[string]
}

// Config carries the client settings.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	Timeout      time.Duration
	FailMax      int
	BreakerReset time.Duration
}

// New builds the client.
func New(cfg Config) *Client {
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
			Name:    "whisper",
			Timeout: cfg.BreakerReset,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.FailMax)
			},
		}),
	}
}

// Transcribe sends the audio bytes and returns the recognized text.
// filename carries the extension the endpoint uses to sniff the codec.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	text, err := c.breaker.Execute(func() (string, error) {
		return c.transcribeOnce(ctx, audio, filename)
	})
	if err != nil {
		cerr := classify(err)
		metrics.ExternalErrors.WithLabelValues("whisper", faults.KindOf(cerr).String()).Inc()
		return "", cerr
	}
	return text, nil
}

func (c *Client) transcribeOnce(ctx context.Context, audio []byte, filename string) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := w.WriteField("model", c.model); err != nil {
		return "", err
	}
	if err := w.WriteField("response_format", "json"); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{code: resp.StatusCode, body: string(payload)}
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("decoding transcription: %w", err)
	}
	return out.Text, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("transcription returned %d: %s", e.code, e.body)
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
