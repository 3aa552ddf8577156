package api

import (
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gin-gonic/gin"

	"github.com/vkultra/mitski/pkg/metrics"
	"github.com/vkultra/mitski/pkg/services"
)

// secretHeader is the header Telegram echoes back when a webhook was
// registered with a secret token.
const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// dedupTTL is how long a processed update id stays remembered. Telegram
// retries failed deliveries well within this window.
const dedupTTL = 5 * time.Minute

func secretMatches(c *gin.Context, want string) bool {
	got := c.GetHeader(secretHeader)
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// seenUpdate marks an update id as processed and reports whether it was
// already seen. Errors count as unseen so a Redis blip never drops
// updates.
func (s *Server) seenUpdate(c *gin.Context, scope string, updateID int) bool {
	key := fmt.Sprintf("update:seen:%s:%d", scope, updateID)
	fresh, err := s.kv.SetNX(c.Request.Context(), key, "1", dedupTTL)
	if err != nil {
		s.logger.Error("update dedup failed", "scope", scope, "update_id", updateID, "error", err)
		return false
	}
	return !fresh
}

// BotWebhook ingests one update for a secondary bot. Telegram retries
// on non-2xx, so everything past authentication answers 200 and any
// drop is recorded in metrics instead.
func (s *Server) BotWebhook(c *gin.Context) {
	botID, err := strconv.ParseInt(c.Param("botID"), 10, 64)
	if err != nil {
		metrics.UpdatesReceived.WithLabelValues("bot", "bad_route").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bot"})
		return
	}
	bot, err := s.store.GetBot(c.Request.Context(), botID)
	if err != nil {
		metrics.UpdatesReceived.WithLabelValues("bot", "unknown_bot").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bot"})
		return
	}
	if !secretMatches(c, bot.WebhookSecret) {
		metrics.UpdatesReceived.WithLabelValues("bot", "bad_secret").Inc()
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var update tgbotapi.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		metrics.UpdatesReceived.WithLabelValues("bot", "bad_payload").Inc()
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	if s.seenUpdate(c, strconv.FormatInt(botID, 10), update.UpdateID) {
		metrics.UpdatesReceived.WithLabelValues("bot", "duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	outcome := s.dispatchBotUpdate(c, bot.ID, &update)
	metrics.UpdatesReceived.WithLabelValues("bot", outcome).Inc()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// dispatchBotUpdate routes one update to its queue and returns the
// metrics outcome label.
func (s *Server) dispatchBotUpdate(c *gin.Context, botID int64, update *tgbotapi.Update) string {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return "ignored"
	}
	ctx := c.Request.Context()
	userTG := msg.From.ID

	switch {
	case msg.Voice != nil:
		err := s.enq.Enqueue(ctx, services.TaskAudioMessage, services.AudioMessagePayload{
			BotID:    botID,
			UserTG:   userTG,
			FileID:   msg.Voice.FileID,
			Duration: msg.Voice.Duration,
		})
		if err != nil {
			s.logger.Error("audio enqueue failed", "bot_id", botID, "error", err)
			return "enqueue_error"
		}
		return "audio"

	case msg.IsCommand() && msg.Command() == "start":
		err := s.enq.Enqueue(ctx, services.TaskStart, services.StartPayload{
			BotID:   botID,
			UserTG:  userTG,
			Payload: msg.CommandArguments(),
		})
		if err != nil {
			s.logger.Error("start enqueue failed", "bot_id", botID, "error", err)
			return "enqueue_error"
		}
		return "start"

	case msg.Text != "":
		err := s.enq.Enqueue(ctx, services.TaskUserMessage, services.UserMessagePayload{
			BotID:     botID,
			UserTG:    userTG,
			Text:      msg.Text,
			Forwarded: msg.ForwardDate != 0 || msg.ForwardFrom != nil || msg.ForwardFromChat != nil,
		})
		if err != nil {
			s.logger.Error("message enqueue failed", "bot_id", botID, "error", err)
			return "enqueue_error"
		}
		return "message"
	}
	return "ignored"
}

// ManagerWebhook ingests updates for the manager bot: admin commands
// and inline-keyboard presses.
func (s *Server) ManagerWebhook(c *gin.Context) {
	if !secretMatches(c, s.cfg.TelegramWebhookSecret) {
		metrics.UpdatesReceived.WithLabelValues("manager", "bad_secret").Inc()
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var update tgbotapi.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		metrics.UpdatesReceived.WithLabelValues("manager", "bad_payload").Inc()
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	if s.seenUpdate(c, "manager", update.UpdateID) {
		metrics.UpdatesReceived.WithLabelValues("manager", "duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	var payload services.ManagerUpdatePayload
	switch {
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		payload = services.ManagerUpdatePayload{
			AdminID:      update.CallbackQuery.From.ID,
			CallbackID:   update.CallbackQuery.ID,
			CallbackData: update.CallbackQuery.Data,
		}
	case update.Message != nil && update.Message.From != nil && update.Message.Text != "":
		payload = services.ManagerUpdatePayload{
			AdminID: update.Message.From.ID,
			Text:    update.Message.Text,
		}
	default:
		metrics.UpdatesReceived.WithLabelValues("manager", "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	if err := s.enq.Enqueue(c.Request.Context(), services.TaskManagerUpdate, payload); err != nil {
		s.logger.Error("manager enqueue failed", "admin", payload.AdminID, "error", err)
		metrics.UpdatesReceived.WithLabelValues("manager", "enqueue_error").Inc()
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	metrics.UpdatesReceived.WithLabelValues("manager", "accepted").Inc()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// PixWebhook ingests the gateway payment callback. The callback body is
// only a hint: the worker re-queries the gateway before changing state,
// so no signature check is required here beyond shape validation.
func (s *Server) PixWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		metrics.UpdatesReceived.WithLabelValues("pix", "bad_payload").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	event, err := services.ParseGatewayWebhook(body)
	if err != nil {
		metrics.UpdatesReceived.WithLabelValues("pix", "bad_payload").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}
	if err := s.svc.EnqueuePaymentConfirm(c.Request.Context(), event.ID); err != nil {
		s.logger.Error("payment confirm enqueue failed", "external_id", event.ID, "error", err)
		metrics.UpdatesReceived.WithLabelValues("pix", "enqueue_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}
	metrics.UpdatesReceived.WithLabelValues("pix", "accepted").Inc()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
