// Package masking redacts secret-shaped substrings from log output. Every
// slog line passes through Handler before reaching the sink, so a bot token
// or signed callback accidentally carried in an attribute never lands in
// storage.
package masking

import (
	"context"
	"log/slog"
	"regexp"
)

// CompiledPattern is a pre-compiled redaction rule.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns covers the secret shapes this platform handles: Telegram
// bot tokens, bearer headers, and long base64url blobs (signed callbacks,
// encrypted tokens).
var builtinPatterns = []*CompiledPattern{
	{
		Name:        "telegram_bot_token",
		Regex:       regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{35}\b`),
		Replacement: "***MASKED_BOT_TOKEN***",
	},
	{
		Name:        "bearer_token",
		Regex:       regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]{16,}`),
		Replacement: "***MASKED_BEARER***",
	},
	{
		Name:        "base64url_blob",
		Regex:       regexp.MustCompile(`\b[A-Za-z0-9_-]{48,}={0,2}\b`),
		Replacement: "***MASKED_BLOB***",
	},
}

// MaskString applies all built-in patterns to s.
func MaskString(s string) string {
	for _, p := range builtinPatterns {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return s
}

// Handler wraps a slog.Handler and masks message text and string attribute
// values.
type Handler struct {
	inner slog.Handler
}

// NewHandler wraps inner with redaction.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	masked := slog.NewRecord(record.Time, record.Level, MaskString(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		masked.AddAttrs(maskAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, masked)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	maskedAttrs := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		maskedAttrs[i] = maskAttr(attr)
	}
	return &Handler{inner: h.inner.WithAttrs(maskedAttrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}

func maskAttr(attr slog.Attr) slog.Attr {
	switch attr.Value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, MaskString(attr.Value.String()))
	case slog.KindGroup:
		group := attr.Value.Group()
		masked := make([]any, 0, len(group))
		for _, a := range group {
			masked = append(masked, maskAttr(a))
		}
		return slog.Group(attr.Key, masked...)
	default:
		return attr
	}
}
