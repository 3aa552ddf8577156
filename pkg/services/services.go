// Package services implements the platform workflows on top of the
// store, the KV state, the task runtime and the external adapters:
// start sequences, the audio pipeline, payments and fan-out, upsell
// scheduling, recovery episodes, anti-spam and the manager bot.
package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vkultra/mitski/pkg/blocks"
	"github.com/vkultra/mitski/pkg/config"
	"github.com/vkultra/mitski/pkg/crypto"
	"github.com/vkultra/mitski/pkg/engine"
	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/kv"
	"github.com/vkultra/mitski/pkg/pix"
	"github.com/vkultra/mitski/pkg/pricing"
	"github.com/vkultra/mitski/pkg/queue"
	"github.com/vkultra/mitski/pkg/ratelimit"
	"github.com/vkultra/mitski/pkg/store"
	"github.com/vkultra/mitski/pkg/telegram"
	"github.com/vkultra/mitski/pkg/whisper"
)

// Task types, grouped by queue.
const (
	TaskUserMessage    = "message.user"     // ai
	TaskAudioMessage   = "message.audio"    // audio
	TaskStart          = "start.user"       // default
	TaskManagerUpdate  = "manager.update"   // default
	TaskPaymentConfirm = "payment.confirm"  // default
	TaskPaymentPoll    = "payment.poll"     // scheduler
	TaskSaleFanout     = "sale.fanout"      // notifications
	TaskUpsellSend     = "upsell.send"      // default
	TaskRecoverySend   = "recovery.send"    // recovery
)

// Services bundles the platform workflows over shared dependencies.
type Services struct {
	cfg     *config.Config
	store   *store.Store
	kv      *kv.Store
	tg      *telegram.Client
	sender  *blocks.Sender
	pix     *pix.Client
	whisper *whisper.Client
	box     *crypto.Box
	enq     queue.Enqueuer
	limiter *ratelimit.Limiter
	locks   *ratelimit.LockManager
	rates   pricing.Rates
	logger  *slog.Logger

	engine *engine.Engine
}

// New wires the service layer. SetEngine completes the cycle after the
// engine (which depends on Services for payments) is built.
func New(cfg *config.Config, st *store.Store, kvStore *kv.Store, tg *telegram.Client,
	sender *blocks.Sender, pixClient *pix.Client, whisperClient *whisper.Client,
	box *crypto.Box, enq queue.Enqueuer, limiter *ratelimit.Limiter,
	locks *ratelimit.LockManager, rates pricing.Rates, logger *slog.Logger) *Services {
	return &Services{
		cfg: cfg, store: st, kv: kvStore, tg: tg, sender: sender,
		pix: pixClient, whisper: whisperClient, box: box, enq: enq,
		limiter: limiter, locks: locks, rates: rates, logger: logger,
	}
}

// SetEngine injects the conversation engine.
func (s *Services) SetEngine(e *engine.Engine) { s.engine = e }

// Register binds every task type to its queue and handler.
func (s *Services) Register(rt *queue.Runtime) {
	rt.Register(TaskUserMessage, config.QueueAI, s.handleUserMessage)
	rt.Register(TaskAudioMessage, config.QueueAudio, s.handleAudioMessage)
	rt.Register(TaskStart, config.QueueDefault, s.handleStart)
	rt.Register(TaskManagerUpdate, config.QueueDefault, s.handleManagerUpdate)
	rt.Register(TaskPaymentConfirm, config.QueueDefault, s.handlePaymentConfirm)
	rt.Register(TaskPaymentPoll, config.QueueScheduler, s.handlePaymentPoll)
	rt.Register(TaskSaleFanout, config.QueueNotifications, s.handleSaleFanout)
	rt.Register(TaskUpsellSend, config.QueueDefault, s.handleUpsellSend)
	rt.Register(TaskRecoverySend, config.QueueRecovery, s.handleRecoverySend)
	rt.Register(blocks.TaskAutoDelete, config.QueueMedia, s.handleAutoDelete)
}

// loadBot fetches an active bot and decrypts its token.
func (s *Services) loadBot(ctx context.Context, botID int64) (*store.Bot, string, error) {
	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		return nil, "", faults.Consistency("bot %d not found: %v", botID, err)
	}
	if !bot.IsActive {
		return nil, "", faults.Consistency("bot %d is inactive", botID)
	}
	token, err := s.box.Decrypt(bot.TokenEncrypted)
	if err != nil {
		return nil, "", fmt.Errorf("decrypting token for bot %d: %w", botID, err)
	}
	return bot, token, nil
}

func (s *Services) handleAutoDelete(ctx context.Context, task *queue.Task) error {
	var p blocks.AutoDeletePayload
	if err := task.Decode(&p); err != nil {
		return faults.New(faults.KindPermanent, err)
	}
	_, token, err := s.loadBot(ctx, p.BotID)
	if err != nil {
		return err
	}
	return s.tg.DeleteMessage(ctx, token, p.ChatID, p.MessageID)
}
