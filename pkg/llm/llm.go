// Package llm wraps the OpenAI-compatible chat endpoint used for bot
// conversations. The upstream is Grok, addressed through its OpenAI
// surface, so any compatible deployment works via GROK_API_BASE_URL.
package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/metrics"
)

// Message is one turn handed to the model.
type Message struct {
	Role    string // system | user | assistant
	Content string
}

// Usage reports token consumption for one completion. When the upstream
// omits usage data the estimated fields are derived from character counts.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	Estimated        bool
}

// Result is one completion with its usage.
type Result struct {
	Text  string
	Usage Usage
}

// Client calls the chat endpoint behind a circuit breaker.
type Client struct {
	model         *openai.LLM
	modelName     string
	charsPerToken float64
	breaker       *gobreaker.CircuitBreaker[*llms.ContentResponse]
}

// Config carries the client settings.
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	Timeout       time.Duration
	CharsPerToken float64
	FailMax       int
	BreakerReset  time.Duration
}

// New builds the client. The HTTP timeout bounds each completion call in
// addition to the caller's context.
func New(cfg Config) (*Client, error) {
	model, err := openai.New(
		openai.WithToken(cfg.APIKey),
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("building llm client: %w", err)
	}
	charsPerToken := cfg.CharsPerToken
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	return &Client{
		model:         model,
		modelName:     cfg.Model,
		charsPerToken: charsPerToken,
		breaker: gobreaker.NewCircuitBreaker[*llms.ContentResponse](gobreaker.Settings{
			Name:    "llm",
			Timeout: cfg.BreakerReset,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.FailMax)
			},
		}),
	}, nil
}

// Complete runs one chat completion over the given turns.
func (c *Client) Complete(ctx context.Context, msgs []Message, temperature float64, maxTokens int) (*Result, error) {
	content := make([]llms.MessageContent, 0, len(msgs))
	promptChars := 0
	for _, m := range msgs {
		promptChars += len(m.Content)
		content = append(content, llms.TextParts(chatType(m.Role), m.Content))
	}
	resp, err := c.breaker.Execute(func() (*llms.ContentResponse, error) {
		return c.model.GenerateContent(ctx, content,
			llms.WithTemperature(temperature),
			llms.WithMaxTokens(maxTokens),
		)
	})
	if err != nil {
		cerr := classify(err)
		metrics.ExternalErrors.WithLabelValues("llm", faults.KindOf(cerr).String()).Inc()
		return nil, cerr
	}
	if len(resp.Choices) == 0 {
		return nil, faults.Transient(errors.New("llm returned no choices"))
	}
	choice := resp.Choices[0]
	usage := c.extractUsage(choice.GenerationInfo, promptChars, len(choice.Content))
	return &Result{Text: choice.Content, Usage: usage}, nil
}

func chatType(role string) llms.ChatMessageType {
	switch role {
	case "system":
		return llms.ChatMessageTypeSystem
	case "assistant":
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

// extractUsage reads the provider usage counters, tolerating the key
// variants different OpenAI-compatible backends emit. Missing counters
// fall back to the character estimate.
func (c *Client) extractUsage(info map[string]any, promptChars, completionChars int) Usage {
	u := Usage{
		PromptTokens:     intFrom(info, "PromptTokens", "prompt_tokens"),
		CompletionTokens: intFrom(info, "CompletionTokens", "completion_tokens"),
		CachedTokens:     intFrom(info, "CachedTokens", "cached_tokens", "PromptCachedTokens"),
	}
	if u.PromptTokens == 0 {
		u.PromptTokens = c.estimate(promptChars)
		u.Estimated = true
	}
	if u.CompletionTokens == 0 {
		u.CompletionTokens = c.estimate(completionChars)
		u.Estimated = true
	}
	return u
}

func (c *Client) estimate(chars int) int {
	if chars <= 0 {
		return 0
	}
	return int(math.Ceil(float64(chars) / c.charsPerToken))
}

func intFrom(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}

// classify maps upstream failures onto the fault taxonomy. langchaingo
// surfaces HTTP failures as opaque errors, so status codes are matched
// from the message text.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return faults.Transient(err)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &faults.Error{Kind: faults.KindRateLimited, RetryAfter: 30 * time.Second, Err: err}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "status code: 429"), strings.Contains(msg, "rate limit"):
		return &faults.Error{Kind: faults.KindRateLimited, RetryAfter: 15 * time.Second, Err: err}
	case strings.Contains(msg, "status code: 401"), strings.Contains(msg, "status code: 403"),
		strings.Contains(msg, "invalid api key"):
		return faults.New(faults.KindAuth, err)
	case strings.Contains(msg, "status code: 400"), strings.Contains(msg, "status code: 404"),
		strings.Contains(msg, "context length"):
		return faults.Permanent(err)
	default:
		return faults.Transient(err)
	}
}
