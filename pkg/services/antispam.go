package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/vkultra/mitski/pkg/engine"
	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/store"
)

var linkRe = regexp.MustCompile(`(?i)\b(?:https?://|t\.me/|www\.)\S+`)

// antiSpamCheck applies the bot's spam policy to one inbound message and
// bans the offender when a rule trips. The returned error is silent so
// the pipeline drops the message without replying.
func (s *Services) antiSpamCheck(ctx context.Context, bot *store.Bot, token string, userTG int64, text string, forwarded bool) error {
	cfg, err := s.store.GetAntiSpamConfig(ctx, bot.ID)
	if err != nil {
		return err
	}
	if !cfg.IsActive {
		return nil
	}

	var reason string
	switch {
	case cfg.BanForwards && forwarded:
		reason = "forwarded message"
	case cfg.BanLinks && linkRe.MatchString(text):
		reason = "link"
	default:
		if term := engine.FirstMatch(text, normalizeForbiddenTerms(cfg.ForbiddenTerms)); term != "" {
			reason = fmt.Sprintf("forbidden term %q", term)
		}
	}

	if reason == "" && cfg.MaxMsgsPerMinute > 0 {
		key := fmt.Sprintf("spam:%d:%d:%d", bot.ID, userTG, time.Now().Unix()/60)
		count, err := s.kv.IncrWithTTL(ctx, key, 65*time.Second)
		if err != nil {
			return err
		}
		if count > int64(cfg.MaxMsgsPerMinute) {
			reason = "flood"
		}
	}

	if reason == "" {
		return nil
	}

	if err := s.store.InsertBan(ctx, bot.ID, userTG, reason); err != nil {
		return err
	}
	if err := s.tg.BanChatMember(ctx, token, userTG, userTG); err != nil {
		// private chats cannot always be "banned" via the API; the DB
		// ban already silences the user
		s.logger.Debug("api ban failed", "bot_id", bot.ID, "user", userTG, "error", err)
	}
	s.logger.Info("user banned", "bot_id", bot.ID, "user", userTG, "reason", reason)
	return faults.Consistency("user %d banned: %s", userTG, reason)
}

// normalizeForbiddenTerms trims and lowercases a configured term list.
func normalizeForbiddenTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
