// Package blocks delivers the ordered content sequences attached to
// start templates, offers, actions, upsells, recovery steps and discounts.
// One failed block aborts the rest of its sequence so a user never sees a
// gap in the middle of a pitch.
package blocks

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/vkultra/mitski/pkg/metrics"
	"github.com/vkultra/mitski/pkg/queue"
	"github.com/vkultra/mitski/pkg/store"
	"github.com/vkultra/mitski/pkg/telegram"
)

// TaskAutoDelete is the task type that removes an expired message. The
// payload never carries the bot token; the handler decrypts it fresh.
const TaskAutoDelete = "blocks.auto_delete"

// PreviewPixCode stands in for {pix} in admin previews.
const PreviewPixCode = "PREVIEW_PIX_CODE"

// AutoDeletePayload is the queue payload for TaskAutoDelete.
type AutoDeletePayload struct {
	BotID     int64 `json:"bot_id"`
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
}

// maxMediaFetchBytes bounds the origin-bot download used to re-resolve
// a rejected file id. The Bot API refuses getFile beyond 20 MB anyway.
const maxMediaFetchBytes = 20 << 20

// Sender walks a container's blocks in order. originToken is the manager
// bot's token: media references are minted there when the admin uploads,
// so it is the bot the bytes can always be streamed back from.
type Sender struct {
	store       *store.Store
	tg          *telegram.Client
	enqueuer    queue.Enqueuer
	originToken string
	logger      *slog.Logger
}

// NewSender builds the sender.
func NewSender(st *store.Store, tg *telegram.Client, enq queue.Enqueuer, originToken string, logger *slog.Logger) *Sender {
	return &Sender{store: st, tg: tg, enqueuer: enq, originToken: originToken, logger: logger}
}

// Send delivers every block of the container to chatID through the bot
// owning token. vars are substituted into text and captions as {name}.
func (s *Sender) Send(ctx context.Context, token string, botID, chatID int64, containerKind string, containerID int64, vars map[string]string) error {
	return s.sendAll(ctx, token, botID, chatID, containerKind, containerID, vars, false)
}

// Preview delivers the container to a requesting admin as a dry run:
// {pix} renders as PreviewPixCode, the media cache is read but never
// written, and no auto-delete is scheduled.
func (s *Sender) Preview(ctx context.Context, token string, botID, chatID int64, containerKind string, containerID int64) error {
	return s.sendAll(ctx, token, botID, chatID, containerKind, containerID,
		map[string]string{"pix": PreviewPixCode}, true)
}

func (s *Sender) sendAll(ctx context.Context, token string, botID, chatID int64, containerKind string, containerID int64, vars map[string]string, preview bool) error {
	list, err := s.store.ListBlocks(ctx, containerKind, containerID)
	if err != nil {
		return err
	}
	for _, b := range list {
		if err := s.sendBlock(ctx, token, botID, chatID, containerKind, b, vars, preview); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendBlock(ctx context.Context, token string, botID, chatID int64, containerKind string, b *store.Block, vars map[string]string, preview bool) error {
	if b.DelaySeconds > 0 {
		action := telegram.ActionTyping
		if b.MediaKind != nil {
			action = uploadAction(*b.MediaKind)
		}
		if err := s.tg.SendChatAction(ctx, token, chatID, action); err != nil {
			s.logger.Debug("chat action failed", "bot_id", botID, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(b.DelaySeconds) * time.Second):
		}
	}

	text := substitute(deref(b.Text), vars)

	var messageID int
	var err error
	if b.MediaRef != nil && b.MediaKind != nil {
		messageID, err = s.sendMedia(ctx, token, botID, chatID, *b.MediaKind, *b.MediaRef, text, preview)
	} else if text != "" {
		messageID, err = s.tg.SendText(ctx, token, chatID, text, "Markdown")
	} else {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.BlocksSent.WithLabelValues(containerKind).Inc()

	if b.AutoDeleteSeconds > 0 && messageID != 0 && !preview {
		payload := AutoDeletePayload{BotID: botID, ChatID: chatID, MessageID: messageID}
		delay := time.Duration(b.AutoDeleteSeconds) * time.Second
		if err := s.enqueuer.EnqueueIn(ctx, TaskAutoDelete, payload, delay); err != nil {
			s.logger.Error("auto-delete enqueue failed",
				"bot_id", botID, "message_id", messageID, "error", err)
		}
	}
	return nil
}

// sendMedia resolves the block's original media reference through the
// per-bot cache. A rejected id, cached or original, is re-resolved once
// by streaming the bytes from the origin bot and resending as an upload.
// File ids are bot-scoped, so the first send through a new bot always
// lands here.
func (s *Sender) sendMedia(ctx context.Context, token string, botID, chatID int64, kind, originalRef, caption string, preview bool) (int, error) {
	ref := originalRef
	cached, err := s.store.GetCachedMedia(ctx, botID, originalRef)
	if err == nil {
		ref = cached
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	messageID, newFileID, err := s.tg.SendMedia(ctx, token, chatID, kind, ref, caption)
	if errors.Is(err, telegram.ErrBadFileID) {
		if ref != originalRef && !preview {
			if derr := s.store.DropCachedMedia(ctx, botID, originalRef); derr != nil {
				s.logger.Error("dropping stale media cache failed", "bot_id", botID, "error", derr)
			}
		}
		data, derr := s.tg.DownloadFile(ctx, s.originToken, originalRef, maxMediaFetchBytes)
		if derr != nil {
			return 0, derr
		}
		messageID, newFileID, err = s.tg.SendMediaBytes(ctx, token, chatID, kind, data, caption)
	}
	if err != nil {
		return 0, err
	}

	if newFileID != "" && newFileID != ref && !preview {
		if cerr := s.store.PutCachedMedia(ctx, botID, originalRef, newFileID); cerr != nil {
			s.logger.Error("caching media id failed", "bot_id", botID, "error", cerr)
		}
	}
	return messageID, nil
}

func substitute(text string, vars map[string]string) string {
	for name, value := range vars {
		text = strings.ReplaceAll(text, "{"+name+"}", value)
	}
	return text
}

func uploadAction(kind string) string {
	switch kind {
	case telegram.MediaPhoto:
		return telegram.ActionUploadPhoto
	case telegram.MediaVideo, telegram.MediaAnimation:
		return telegram.ActionUploadVideo
	case telegram.MediaVoice:
		return telegram.ActionUploadVoice
	case telegram.MediaDocument:
		return telegram.ActionUploadDocument
	default:
		return telegram.ActionTyping
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
