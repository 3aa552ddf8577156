package telegram

import (
	"errors"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/vkultra/mitski/pkg/faults"
)

// ErrBadFileID marks a send rejected because a cached file id went stale;
// the caller drops the cache entry and re-resolves from the original.
var ErrBadFileID = errors.New("telegram: stale file id")

// ErrParseEntities marks a send rejected by the Bot API entity parser;
// the caller retries the same text without a parse mode.
var ErrParseEntities = errors.New("telegram: cannot parse entities")

// classify maps a Bot API error onto the shared fault taxonomy so the
// queue runtime can decide between retry, dead-letter and silent drop.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		// transport-level failure: timeouts, connection resets
		return faults.Transient(err)
	}
	msg := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.Code == 429:
		retryAfter := time.Duration(apiErr.RetryAfter) * time.Second
		if retryAfter <= 0 {
			retryAfter = 5 * time.Second
		}
		return &faults.Error{Kind: faults.KindRateLimited, RetryAfter: retryAfter, Err: err}
	case apiErr.Code == 401 || apiErr.Code == 404:
		// revoked or mistyped token
		return faults.New(faults.KindAuth, err)
	case apiErr.Code == 403:
		// user blocked the bot or kicked it from the chat
		return faults.Permanent(err)
	case apiErr.Code >= 500:
		return faults.Transient(err)
	case strings.Contains(msg, "wrong file identifier"),
		strings.Contains(msg, "wrong remote file identifier"),
		strings.Contains(msg, "file is temporarily unavailable"):
		return ErrBadFileID
	case strings.Contains(msg, "can't parse entities"):
		return ErrParseEntities
	default:
		return faults.Permanent(err)
	}
}
