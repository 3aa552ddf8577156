// Package engine runs the conversation pipeline: pre-checks, prompt
// assembly, the model call, accounting, and the post-scan that turns
// trigger terms in the reply into phase changes, pitches, actions and
// upsell announcements.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vkultra/mitski/pkg/config"
	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/llm"
	"github.com/vkultra/mitski/pkg/metrics"
	"github.com/vkultra/mitski/pkg/pricing"
	"github.com/vkultra/mitski/pkg/ratelimit"
	"github.com/vkultra/mitski/pkg/store"
	"github.com/vkultra/mitski/pkg/telegram"
)

// completionAvgWindow is the history sample used for the pre-check
// completion estimate.
const completionAvgWindow = 10

// manualVerificationMaxAge bounds how far back a "let me check your
// payment" claim looks for a pending charge.
const manualVerificationMaxAge = 15 * time.Minute

// Payments is the charge surface the engine needs; pkg/services
// implements it.
type Payments interface {
	// CreateCharge opens a charge for the offer (or discounted amount)
	// and returns the copy-paste PIX code for the pitch.
	CreateCharge(ctx context.Context, bot *store.Bot, userTG int64, offer *store.Offer, amountCents int64) (string, error)
	// CreateUpsellCharge opens a charge for an upsell announcement.
	CreateUpsellCharge(ctx context.Context, bot *store.Bot, userTG int64, upsell *store.Upsell) (string, error)
	// VerifyPending re-checks the user's newest pending charge for the
	// offer at the gateway. paid reports the authoritative answer;
	// found is false when there is nothing to verify. A charge verified
	// as paid is delivered by the sale fan-out, never by the caller.
	VerifyPending(ctx context.Context, bot *store.Bot, userTG int64, offerID int64, maxAge time.Duration) (found, paid bool, tx *store.PixTransaction, err error)
}

// BlockSender is the content delivery surface (pkg/blocks implements it).
type BlockSender interface {
	Send(ctx context.Context, token string, botID, chatID int64, containerKind string, containerID int64, vars map[string]string) error
}

// Store is the persistence surface the pipeline reads and writes;
// *store.Store implements it.
type Store interface {
	IsBanned(ctx context.Context, botID, userTG int64) (bool, error)
	GetAIConfig(ctx context.Context, botID int64) (*store.AIConfig, error)
	GetOrCreateUser(ctx context.Context, botID, telegramID int64) (*store.User, error)
	GetOrCreateSession(ctx context.Context, botID, userTG int64) (*store.Session, error)
	GetPhase(ctx context.Context, id int64) (*store.Phase, error)
	ListPhases(ctx context.Context, botID int64) ([]*store.Phase, error)
	UpdatePhaseCAS(ctx context.Context, botID, userTG int64, phaseID *int64, expectVersion int) error
	BumpSession(ctx context.Context, botID, userTG int64) error
	AppendHistory(ctx context.Context, botID, userTG int64, e store.HistoryEntry) error
	RecentHistory(ctx context.Context, botID, userTG int64, limit int) ([]store.HistoryEntry, error)
	TrimHistory(ctx context.Context, botID, userTG int64, keep int) error
	AvgCompletionTokens(ctx context.Context, botID, userTG int64, window int) (int, error)
	ListActiveOffers(ctx context.Context, botID int64) ([]*store.Offer, error)
	ListActiveActions(ctx context.Context, botID int64) ([]*store.Action, error)
	ActionStatuses(ctx context.Context, botID, userTG int64) (map[int64]string, error)
	MarkActionActivated(ctx context.Context, botID, userTG, actionID int64) error
	ListActiveUpsells(ctx context.Context, botID int64) ([]*store.Upsell, error)
	AnnouncedUpsell(ctx context.Context, botID, userTG int64) (*store.Upsell, error)
	GetDelivery(ctx context.Context, botID, userTG, upsellID int64) (*store.UpsellDelivery, error)
	ClaimUpsellDelivery(ctx context.Context, deliveryID int64, toStatus string) (bool, error)
	GetBalance(ctx context.Context, adminID int64) (int64, error)
	Debit(ctx context.Context, adminID, amountCents int64, category, ref string) error
}

// Engine executes the message pipeline for secondary bots.
type Engine struct {
	cfg      *config.Config
	store    Store
	llm      *llm.Client
	tg       *telegram.Client
	sender   BlockSender
	payments Payments
	limiter  *ratelimit.Limiter
	rates    pricing.Rates
	logger   *slog.Logger
}

// New builds the engine.
func New(cfg *config.Config, st Store, model *llm.Client, tg *telegram.Client,
	sender BlockSender, payments Payments, limiter *ratelimit.Limiter, rates pricing.Rates,
	logger *slog.Logger) *Engine {
	return &Engine{
		cfg: cfg, store: st, llm: model, tg: tg,
		sender: sender, payments: payments, limiter: limiter,
		rates: rates, logger: logger,
	}
}

// HandleMessage runs the full pipeline for one inbound user text. token
// is the bot's decrypted token; mediaRef is set for transcribed audio.
func (e *Engine) HandleMessage(ctx context.Context, bot *store.Bot, token string, userTG int64, text string, mediaRef *string) error {
	if banned, err := e.store.IsBanned(ctx, bot.ID, userTG); err != nil {
		return err
	} else if banned {
		return faults.Consistency("user %d banned on bot %d", userTG, bot.ID)
	}

	if err := e.limiter.Allow(ctx, bot.ID, userTG, "message"); err != nil {
		return err
	}

	aiCfg, err := e.store.GetAIConfig(ctx, bot.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return faults.Consistency("bot %d has no ai config", bot.ID)
		}
		return err
	}
	if !aiCfg.IsEnabled {
		return faults.Consistency("ai disabled on bot %d", bot.ID)
	}

	if _, err := e.store.GetOrCreateUser(ctx, bot.ID, userTG); err != nil {
		return err
	}
	session, err := e.store.GetOrCreateSession(ctx, bot.ID, userTG)
	if err != nil {
		return err
	}

	var phase *store.Phase
	if session.CurrentPhaseID != nil {
		phase, err = e.store.GetPhase(ctx, *session.CurrentPhaseID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	actions, err := e.store.ListActiveActions(ctx, bot.ID)
	if err != nil {
		return err
	}
	statuses, err := e.store.ActionStatuses(ctx, bot.ID, userTG)
	if err != nil {
		return err
	}
	history, err := e.store.RecentHistory(ctx, bot.ID, userTG, e.cfg.AIHistoryLimit*2)
	if err != nil {
		return err
	}

	general := aiCfg.GeneralPrompt
	// an announced upsell overlays its phase prompt until it settles
	if up, err := e.store.AnnouncedUpsell(ctx, bot.ID, userTG); err == nil && up.PhasePrompt != "" {
		general += "\n\n" + up.PhasePrompt
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	msgs := BuildMessages(general, phase, actions, statuses, history, text)

	// credit pre-check: silently drop instead of replying when the
	// owner's balance cannot cover the estimated cost.
	if !e.cfg.IsUnlimitedAdmin(bot.OwnerAdminID) {
		avg, err := e.store.AvgCompletionTokens(ctx, bot.ID, userTG, completionAvgWindow)
		if err != nil {
			return err
		}
		estimate := e.rates.EstimateTextCents(PromptChars(msgs), avg, aiCfg.MaxTokens)
		balance, err := e.store.GetBalance(ctx, bot.OwnerAdminID)
		if err != nil {
			return err
		}
		if balance < estimate {
			metrics.CreditDrops.Inc()
			return faults.InsufficientCredits(bot.OwnerAdminID, estimate, balance)
		}
	}

	if err := e.tg.SendChatAction(ctx, token, userTG, telegram.ActionTyping); err != nil {
		e.logger.Debug("typing action failed", "bot_id", bot.ID, "error", err)
	}

	result, err := e.llm.Complete(ctx, msgs, aiCfg.Temperature, aiCfg.MaxTokens)
	if err != nil {
		return err
	}

	if !e.cfg.IsUnlimitedAdmin(bot.OwnerAdminID) {
		cost := e.rates.TextCostCents(result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Usage.CachedTokens)
		if cost > 0 {
			ref := fmt.Sprintf("bot:%d user:%d", bot.ID, userTG)
			if err := e.store.Debit(ctx, bot.OwnerAdminID, cost, store.LedgerText, ref); err != nil {
				// The completion already happened; log and deliver anyway.
				e.logger.Error("text debit failed", "admin_id", bot.OwnerAdminID, "cents", cost, "error", err)
			} else {
				metrics.CreditDebits.WithLabelValues(store.LedgerText).Inc()
			}
		}
	}

	if err := e.store.AppendHistory(ctx, bot.ID, userTG, store.HistoryEntry{
		Role: "user", Content: text, MediaRef: mediaRef,
	}); err != nil {
		return err
	}
	if err := e.store.AppendHistory(ctx, bot.ID, userTG, store.HistoryEntry{
		Role:             "assistant",
		Content:          result.Text,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		CachedTokens:     result.Usage.CachedTokens,
	}); err != nil {
		return err
	}
	if err := e.store.TrimHistory(ctx, bot.ID, userTG, e.cfg.AIHistoryLimit*2); err != nil {
		e.logger.Error("history trim failed", "bot_id", bot.ID, "error", err)
	}
	if err := e.store.BumpSession(ctx, bot.ID, userTG); err != nil {
		e.logger.Error("session bump failed", "bot_id", bot.ID, "error", err)
	}

	visible, err := e.postScan(ctx, bot, token, userTG, session, result.Text)
	if err != nil {
		return err
	}

	return e.sendReply(ctx, token, userTG, visible)
}

// sendReply splits the reply on "|" and sends the fragments with a
// typing pause scaled to fragment length.
func (e *Engine) sendReply(ctx context.Context, token string, chatID int64, reply string) error {
	for i, fragment := range SplitReply(reply) {
		if i > 0 {
			if err := e.tg.SendChatAction(ctx, token, chatID, telegram.ActionTyping); err == nil {
				pause := time.Duration(len(fragment)/30+1) * time.Second
				if pause > 3*time.Second {
					pause = 3 * time.Second
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(pause):
				}
			}
		}
		if _, err := e.tg.SendText(ctx, token, chatID, fragment, "Markdown"); err != nil {
			return err
		}
	}
	return nil
}

var discountAmountRe = regexp.MustCompile(`(\d+)`)

// postScan inspects the raw model reply for trigger terms, fires the
// matching side effects, and returns the text the user actually sees.
// Internal trigger words are stripped; offer and action mentions either
// suppress the reply or leave it intact per ShouldReplace.
func (e *Engine) postScan(ctx context.Context, bot *store.Bot, token string, userTG int64, session *store.Session, reply string) (string, error) {
	visible := reply

	// phase transitions first: a stale version means a concurrent
	// message already moved the session, which is fine.
	phases, err := e.store.ListPhases(ctx, bot.ID)
	if err != nil {
		return "", err
	}
	for _, p := range phases {
		term := FirstMatch(reply, p.TriggerTerms)
		if term == "" {
			continue
		}
		id := p.ID
		if err := e.store.UpdatePhaseCAS(ctx, bot.ID, userTG, &id, session.HistoryVersion); err != nil {
			if !errors.Is(err, store.ErrVersionConflict) {
				return "", err
			}
			e.logger.Debug("phase change lost CAS race", "bot_id", bot.ID, "user", userTG)
		}
		visible = StripTerm(visible, term)
		break
	}

	offers, err := e.store.ListActiveOffers(ctx, bot.ID)
	if err != nil {
		return "", err
	}

	// discount before offer: a discount trigger embeds the offer pitch
	// at a reduced amount, and must win over the plain pitch.
	handledOffer := false
	for _, offer := range offers {
		if offer.DiscountTrigger == nil || !Matches(reply, *offer.DiscountTrigger) {
			continue
		}
		amount := offer.PriceCents
		if m := discountAmountRe.FindString(afterTerm(reply, *offer.DiscountTrigger)); m != "" {
			if reais, err := strconv.ParseInt(m, 10, 64); err == nil && reais > 0 {
				amount = reais * 100
			}
		}
		visible = StripTerm(visible, *offer.DiscountTrigger)
		if err := e.sendPitch(ctx, bot, token, userTG, offer, amount, store.ContainerDiscount); err != nil {
			return "", err
		}
		handledOffer = true
		break
	}

	// offer mentions follow the replace-or-append rule: a reply that is
	// effectively just the mention is suppressed, anything longer stays
	// intact and the pitch blocks land after it.
	if !handledOffer {
		for _, offer := range offers {
			if !Matches(reply, offer.Name) {
				continue
			}
			if ShouldReplace(visible, offer.Name) {
				visible = ""
			}
			if err := e.sendPitch(ctx, bot, token, userTG, offer, offer.PriceCents, store.ContainerOfferPitch); err != nil {
				return "", err
			}
			break
		}
	}

	actions, err := e.store.ListActiveActions(ctx, bot.ID)
	if err != nil {
		return "", err
	}
	for _, a := range actions {
		if !Matches(reply, a.Name) {
			continue
		}
		if ShouldReplace(visible, a.Name) {
			visible = ""
		}
		if err := e.sender.Send(ctx, token, bot.ID, userTG, store.ContainerAction, a.ID, nil); err != nil {
			return "", err
		}
		if a.TrackUsage {
			if err := e.store.MarkActionActivated(ctx, bot.ID, userTG, a.ID); err != nil {
				return "", err
			}
		}
	}

	upsells, err := e.store.ListActiveUpsells(ctx, bot.ID)
	if err != nil {
		return "", err
	}
	for _, u := range upsells {
		if u.TriggerTerm == nil || !Matches(reply, *u.TriggerTerm) {
			continue
		}
		visible = StripTerm(visible, *u.TriggerTerm)
		if err := e.announceUpsell(ctx, bot, token, userTG, u); err != nil {
			return "", err
		}
		break
	}

	for _, offer := range offers {
		if offer.ManualVerificationTrigger == nil || !Matches(reply, *offer.ManualVerificationTrigger) {
			continue
		}
		visible = StripTerm(visible, *offer.ManualVerificationTrigger)
		if err := e.manualVerification(ctx, bot, token, userTG, offer); err != nil {
			return "", err
		}
		break
	}

	return visible, nil
}

func afterTerm(text, term string) string {
	lower := strings.ToLower(text)
	i := strings.Index(lower, strings.ToLower(term))
	if i < 0 {
		return ""
	}
	rest := text[i+len(term):]
	if len(rest) > 20 {
		rest = rest[:20]
	}
	return rest
}

func (e *Engine) sendPitch(ctx context.Context, bot *store.Bot, token string, userTG int64, offer *store.Offer, amountCents int64, container string) error {
	code, err := e.payments.CreateCharge(ctx, bot, userTG, offer, amountCents)
	if err != nil {
		return err
	}
	return e.sender.Send(ctx, token, bot.ID, userTG, container, offer.ID,
		map[string]string{"pix": code})
}

// announceUpsell sends the announcement for a trigger-term upsell,
// claiming the delivery row so one user sees each upsell once.
func (e *Engine) announceUpsell(ctx context.Context, bot *store.Bot, token string, userTG int64, u *store.Upsell) error {
	delivery, err := e.store.GetDelivery(ctx, bot.ID, userTG, u.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // upsells not armed for this user yet
		}
		return err
	}
	if delivery.Status != store.UpsellArmed && delivery.Status != store.UpsellScheduled {
		return nil
	}
	won, err := e.store.ClaimUpsellDelivery(ctx, delivery.ID, store.UpsellAnnounced)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	code, err := e.payments.CreateUpsellCharge(ctx, bot, userTG, u)
	if err != nil {
		return err
	}
	return e.sender.Send(ctx, token, bot.ID, userTG, store.ContainerUpsellAnnouncement, u.ID,
		map[string]string{"pix": code})
}

// manualVerification answers a "checking your payment" claim: a charge
// verified as paid is left to the sale fan-out, which owns the single
// deliverable dispatch; anything else falls back to the offer's
// manual-verification blocks.
func (e *Engine) manualVerification(ctx context.Context, bot *store.Bot, token string, userTG int64, offer *store.Offer) error {
	found, paid, _, err := e.payments.VerifyPending(ctx, bot, userTG, offer.ID, manualVerificationMaxAge)
	if err != nil {
		return err
	}
	if found && paid {
		return nil
	}
	return e.sender.Send(ctx, token, bot.ID, userTG, store.ContainerOfferManualVerification, offer.ID, nil)
}
