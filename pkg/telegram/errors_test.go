package telegram

import (
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"

	"github.com/vkultra/mitski/pkg/faults"
)

func apiError(code int, message string, retryAfter int) *tgbotapi.Error {
	return &tgbotapi.Error{
		Code:    code,
		Message: message,
		ResponseParameters: tgbotapi.ResponseParameters{
			RetryAfter: retryAfter,
		},
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind faults.Kind
	}{
		{"flood wait", apiError(429, "Too Many Requests", 7), faults.KindRateLimited},
		{"revoked token", apiError(401, "Unauthorized", 0), faults.KindAuth},
		{"not found", apiError(404, "Not Found", 0), faults.KindAuth},
		{"blocked by user", apiError(403, "Forbidden: bot was blocked by the user", 0), faults.KindPermanent},
		{"server error", apiError(502, "Bad Gateway", 0), faults.KindTransient},
		{"other 400", apiError(400, "Bad Request: chat not found", 0), faults.KindPermanent},
		{"transport error", errors.New("dial tcp: connection refused"), faults.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantKind, faults.KindOf(classify(tt.err)))
		})
	}
}

func TestClassifyRetryAfter(t *testing.T) {
	err := classify(apiError(429, "Too Many Requests", 7))
	assert.Equal(t, 7*time.Second, faults.RetryAfterOf(err))

	// missing hint falls back to a sane default
	err = classify(apiError(429, "Too Many Requests", 0))
	assert.Equal(t, 5*time.Second, faults.RetryAfterOf(err))
}

func TestClassifySentinels(t *testing.T) {
	assert.ErrorIs(t, classify(apiError(400, "Bad Request: wrong file identifier/HTTP URL specified", 0)), ErrBadFileID)
	assert.ErrorIs(t, classify(apiError(400, "Bad Request: file is temporarily unavailable", 0)), ErrBadFileID)
	assert.ErrorIs(t, classify(apiError(400, "Bad Request: can't parse entities: unmatched bold", 0)), ErrParseEntities)
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, classify(nil))
}
