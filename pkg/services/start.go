package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/queue"
	"github.com/vkultra/mitski/pkg/store"
)

// StartPayload handles one /start on a secondary bot.
type StartPayload struct {
	BotID   int64  `json:"bot_id"`
	UserTG  int64  `json:"user_tg"`
	Payload string `json:"payload"` // deep-link argument, may be empty
}

// handleStart runs the /start flow: tracker attribution, forced-tracking
// gate, and the versioned start sequence (sent once per template version).
func (s *Services) handleStart(ctx context.Context, task *queue.Task) error {
	var p StartPayload
	if err := task.Decode(&p); err != nil {
		return faults.New(faults.KindPermanent, err)
	}
	bot, token, err := s.loadBot(ctx, p.BotID)
	if err != nil {
		return err
	}
	if banned, err := s.store.IsBanned(ctx, bot.ID, p.UserTG); err != nil {
		return err
	} else if banned {
		return faults.Consistency("user %d banned on bot %d", p.UserTG, bot.ID)
	}

	if _, err := s.store.GetOrCreateUser(ctx, bot.ID, p.UserTG); err != nil {
		return err
	}
	if _, err := s.store.GetOrCreateSession(ctx, bot.ID, p.UserTG); err != nil {
		return err
	}
	s.touchActivity(ctx, bot.ID, p.UserTG)

	code := strings.TrimSpace(p.Payload)
	tracked := false
	if code != "" {
		var err error
		tracked, err = s.attributeStart(ctx, bot.ID, p.UserTG, code)
		if err != nil {
			s.logger.Error("tracker attribution failed", "bot_id", bot.ID, "error", err)
		}
	}
	if !tracked {
		tracking, err := s.store.GetTrackingConfig(ctx, bot.ID)
		if err != nil {
			return err
		}
		// forced tracking: a /start without a valid code gets no
		// content, whether the payload was missing or just wrong
		if tracking.RequireTrackedStart {
			return faults.Consistency("untracked start dropped for bot %d", bot.ID)
		}
	}

	template, err := s.store.GetStartTemplate(ctx, bot.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // bot has no start sequence configured
		}
		return err
	}
	if !template.IsActive {
		return nil
	}
	first, err := s.store.MarkStartSent(ctx, bot.ID, p.UserTG, template.Version)
	if err != nil {
		return err
	}
	if !first {
		return nil // user already saw this version
	}
	return s.sender.Send(ctx, token, bot.ID, p.UserTG,
		store.ContainerStartTemplate, template.ID, nil)
}

// attributeStart resolves a deep-link code and records the attribution.
// It reports whether the code matched a tracker; unknown codes are not
// an error so the caller can apply the forced-tracking gate.
func (s *Services) attributeStart(ctx context.Context, botID, userTG int64, code string) (bool, error) {
	tracker, err := s.store.GetTrackerByCode(ctx, botID, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	created, err := s.store.Attribute(ctx, botID, userTG, tracker.ID)
	if err != nil {
		return true, err
	}
	if created {
		if err := s.store.IncrStarts(ctx, botID, tracker.ID, time.Now().UTC()); err != nil {
			return true, err
		}
	}
	return true, nil
}
