package services

import (
	"context"
	"fmt"

	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/metrics"
	"github.com/vkultra/mitski/pkg/queue"
	"github.com/vkultra/mitski/pkg/store"
)

// UserMessagePayload carries one inbound text into the conversation
// pipeline.
type UserMessagePayload struct {
	BotID     int64  `json:"bot_id"`
	UserTG    int64  `json:"user_tg"`
	Text      string `json:"text"`
	Forwarded bool   `json:"forwarded,omitempty"`
}

// AudioMessagePayload carries one inbound voice note.
type AudioMessagePayload struct {
	BotID    int64  `json:"bot_id"`
	UserTG   int64  `json:"user_tg"`
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"` // seconds
}

// handleUserMessage runs anti-spam and the owner debug shortcuts,
// records activity, then hands the text to the conversation engine.
func (s *Services) handleUserMessage(ctx context.Context, task *queue.Task) error {
	var p UserMessagePayload
	if err := task.Decode(&p); err != nil {
		return faults.New(faults.KindPermanent, err)
	}
	bot, token, err := s.loadBot(ctx, p.BotID)
	if err != nil {
		return err
	}
	if err := s.antiSpamCheck(ctx, bot, token, p.UserTG, p.Text, p.Forwarded); err != nil {
		return err
	}
	if handled, err := s.debugCommand(ctx, bot, token, p.UserTG, p.Text); handled {
		return err
	}
	s.touchActivity(ctx, bot.ID, p.UserTG)
	return s.engine.HandleMessage(ctx, bot, token, p.UserTG, p.Text, nil)
}

// handleAudioMessage downloads the voice note, transcribes it, debits
// the owner, then runs the transcript through the text pipeline.
func (s *Services) handleAudioMessage(ctx context.Context, task *queue.Task) error {
	var p AudioMessagePayload
	if err := task.Decode(&p); err != nil {
		return faults.New(faults.KindPermanent, err)
	}
	bot, token, err := s.loadBot(ctx, p.BotID)
	if err != nil {
		return err
	}
	if err := s.antiSpamCheck(ctx, bot, token, p.UserTG, "", false); err != nil {
		return err
	}
	if p.Duration > s.cfg.AudioMaxDuration {
		return faults.Consistency("voice note of %ds exceeds limit %ds",
			p.Duration, s.cfg.AudioMaxDuration)
	}

	// pre-check the whisper cost before touching the network
	cost := s.rates.WhisperCostCents(p.Duration)
	if !s.cfg.IsUnlimitedAdmin(bot.OwnerAdminID) {
		balance, err := s.store.GetBalance(ctx, bot.OwnerAdminID)
		if err != nil {
			return err
		}
		if balance < cost {
			metrics.CreditDrops.Inc()
			return faults.InsufficientCredits(bot.OwnerAdminID, cost, balance)
		}
	}

	maxBytes := int64(s.cfg.AudioMaxSizeMB) << 20
	audio, err := s.tg.DownloadFile(ctx, token, p.FileID, maxBytes)
	if err != nil {
		return err
	}
	transcript, err := s.whisper.Transcribe(ctx, audio, "voice.ogg")
	if err != nil {
		return err
	}
	if transcript == "" {
		return faults.Consistency("empty transcription for file %s", p.FileID)
	}

	if !s.cfg.IsUnlimitedAdmin(bot.OwnerAdminID) && cost > 0 {
		ref := fmt.Sprintf("bot:%d file:%s", bot.ID, p.FileID)
		if err := s.store.Debit(ctx, bot.OwnerAdminID, cost, store.LedgerWhisper, ref); err != nil {
			return err
		}
		metrics.CreditDebits.WithLabelValues(store.LedgerWhisper).Inc()
	}

	s.touchActivity(ctx, bot.ID, p.UserTG)
	mediaRef := p.FileID
	return s.engine.HandleMessage(ctx, bot, token, p.UserTG, transcript, &mediaRef)
}
