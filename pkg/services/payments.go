package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/metrics"
	"github.com/vkultra/mitski/pkg/pix"
	"github.com/vkultra/mitski/pkg/queue"
	"github.com/vkultra/mitski/pkg/store"
)

// saleLockTTL bounds the exactly-once window of the sale fan-out.
const saleLockTTL = 30 * time.Second

// pendingPollAfter is how old a pending charge must be before the
// scheduler starts polling the gateway for it.
const pendingPollAfter = 2 * time.Minute

// PaymentConfirmPayload carries a gateway callback into the queue.
type PaymentConfirmPayload struct {
	ExternalID string `json:"external_id"`
}

// PaymentPollPayload re-checks one stuck pending charge.
type PaymentPollPayload struct {
	TransactionID int64 `json:"transaction_id"`
}

// SaleFanoutPayload runs the post-payment side effects for a transaction.
type SaleFanoutPayload struct {
	TransactionID int64 `json:"transaction_id"`
}

// gatewayToken resolves the token a charge should be created with:
// top-ups use the platform token, everything else the admin's own.
func (s *Services) gatewayToken(ctx context.Context, adminID int64, category string) (string, error) {
	if category == store.PixCategoryTopup {
		if s.cfg.PixRechargeToken == "" {
			return "", faults.Auth("top-up gateway token not configured")
		}
		return s.cfg.PixRechargeToken, nil
	}
	encrypted, err := s.store.GetGatewayToken(ctx, adminID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", faults.Auth("admin %d has no gateway token", adminID)
		}
		return "", err
	}
	return s.box.Decrypt(encrypted)
}

func (s *Services) webhookURL() string {
	return s.cfg.WebhookBaseURL + "/webhook/pix"
}

// CreateCharge opens a sale charge for an offer and returns the
// copy-paste PIX code. Implements engine.Payments.
func (s *Services) CreateCharge(ctx context.Context, bot *store.Bot, userTG int64, offer *store.Offer, amountCents int64) (string, error) {
	token, err := s.gatewayToken(ctx, bot.OwnerAdminID, store.PixCategorySale)
	if err != nil {
		return "", err
	}
	trackerID, err := s.store.AttributionFor(ctx, bot.ID, userTG)
	if err != nil {
		return "", err
	}
	offerID := offer.ID
	tx, err := s.store.CreatePixTransaction(ctx, &store.PixTransaction{
		BotID:          bot.ID,
		UserTelegramID: userTG,
		AdminID:        bot.OwnerAdminID,
		OfferID:        &offerID,
		TrackerID:      trackerID,
		Category:       store.PixCategorySale,
		AmountCents:    amountCents,
	})
	if err != nil {
		return "", err
	}
	return s.openCharge(ctx, token, tx)
}

// CreateUpsellCharge opens a charge for an upsell announcement.
func (s *Services) CreateUpsellCharge(ctx context.Context, bot *store.Bot, userTG int64, upsell *store.Upsell) (string, error) {
	token, err := s.gatewayToken(ctx, bot.OwnerAdminID, store.PixCategoryUpsell)
	if err != nil {
		return "", err
	}
	upsellID := upsell.ID
	tx, err := s.store.CreatePixTransaction(ctx, &store.PixTransaction{
		BotID:          bot.ID,
		UserTelegramID: userTG,
		AdminID:        bot.OwnerAdminID,
		UpsellID:       &upsellID,
		Category:       store.PixCategoryUpsell,
		AmountCents:    upsell.PriceCents,
	})
	if err != nil {
		return "", err
	}
	return s.openCharge(ctx, token, tx)
}

// CreateTopupCharge opens a credit top-up charge for an admin.
func (s *Services) CreateTopupCharge(ctx context.Context, botID, adminID, amountCents int64) (*store.PixTransaction, string, error) {
	token, err := s.gatewayToken(ctx, adminID, store.PixCategoryTopup)
	if err != nil {
		return nil, "", err
	}
	tx, err := s.store.CreatePixTransaction(ctx, &store.PixTransaction{
		BotID:          botID,
		UserTelegramID: adminID,
		AdminID:        adminID,
		Category:       store.PixCategoryTopup,
		AmountCents:    amountCents,
	})
	if err != nil {
		return nil, "", err
	}
	code, err := s.openCharge(ctx, token, tx)
	if err != nil {
		return nil, "", err
	}
	return tx, code, nil
}

func (s *Services) openCharge(ctx context.Context, token string, tx *store.PixTransaction) (string, error) {
	charge, err := s.pix.CreateCharge(ctx, token, tx.AmountCents, s.webhookURL())
	if err != nil {
		if ferr := s.store.MarkPixStatus(ctx, tx.ID, store.PixFailed); ferr != nil {
			s.logger.Error("marking failed charge", "tx", tx.ID, "error", ferr)
		}
		return "", err
	}
	if err := s.store.SetPixExternal(ctx, tx.ID, charge.ExternalID, charge.QRCode); err != nil {
		return "", err
	}
	// stuck charges get re-checked by the scheduler even if the
	// gateway callback never arrives
	if err := s.enq.EnqueueIn(ctx, TaskPaymentPoll,
		PaymentPollPayload{TransactionID: tx.ID}, pendingPollAfter); err != nil {
		s.logger.Error("payment poll enqueue failed", "tx", tx.ID, "error", err)
	}
	return charge.QRCode, nil
}

// handlePaymentConfirm processes a gateway callback. The callback status
// is never trusted: the gateway is re-queried before any state change.
func (s *Services) handlePaymentConfirm(ctx context.Context, task *queue.Task) error {
	var p PaymentConfirmPayload
	if err := task.Decode(&p); err != nil {
		return faults.New(faults.KindPermanent, err)
	}
	tx, err := s.store.GetPixByExternalID(ctx, p.ExternalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return faults.Consistency("unknown pix transaction %s", p.ExternalID)
		}
		return err
	}
	return s.confirmTransaction(ctx, tx)
}

// handlePaymentPoll re-checks one pending transaction at the gateway.
func (s *Services) handlePaymentPoll(ctx context.Context, task *queue.Task) error {
	var p PaymentPollPayload
	if err := task.Decode(&p); err != nil {
		return faults.New(faults.KindPermanent, err)
	}
	tx, err := s.store.GetPixTransaction(ctx, p.TransactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return faults.Consistency("pix transaction %d gone", p.TransactionID)
		}
		return err
	}
	if tx.Status != store.PixPending && tx.Status != store.PixCreated {
		return nil
	}
	return s.confirmTransaction(ctx, tx)
}

// confirmTransaction fetches the authoritative status and, on paid,
// claims the sale lock and enqueues the fan-out.
func (s *Services) confirmTransaction(ctx context.Context, tx *store.PixTransaction) error {
	token, err := s.gatewayToken(ctx, tx.AdminID, tx.Category)
	if err != nil {
		return err
	}
	status, err := s.pix.GetStatus(ctx, token, tx.ExternalID)
	if err != nil {
		return err
	}
	switch status {
	case store.PixPaid:
	case store.PixExpired:
		return s.store.MarkPixStatus(ctx, tx.ID, store.PixExpired)
	default:
		// still pending: check again later
		return s.enq.EnqueueIn(ctx, TaskPaymentPoll,
			PaymentPollPayload{TransactionID: tx.ID}, pendingPollAfter)
	}

	lock, won, err := s.locks.Acquire(ctx, fmt.Sprintf("sale:%d", tx.ID), saleLockTTL)
	if err != nil {
		return err
	}
	if !won {
		return faults.Conflict("sale %d already being confirmed", tx.ID)
	}
	defer lock.Release(ctx)

	paid, err := s.store.MarkPixPaid(ctx, tx.ID)
	if err != nil {
		return err
	}
	if !paid {
		return faults.Conflict("sale %d already paid", tx.ID)
	}
	return s.enq.Enqueue(ctx, TaskSaleFanout, SaleFanoutPayload{TransactionID: tx.ID})
}

// VerifyPending implements engine.Payments: re-check the user's newest
// pending charge for an offer at the gateway.
func (s *Services) VerifyPending(ctx context.Context, bot *store.Bot, userTG int64, offerID int64, maxAge time.Duration) (bool, bool, *store.PixTransaction, error) {
	tx, err := s.store.PendingByUserAndOffer(ctx, bot.ID, userTG, offerID, maxAge)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, false, nil, nil
		}
		return false, false, nil, err
	}
	token, err := s.gatewayToken(ctx, tx.AdminID, tx.Category)
	if err != nil {
		return true, false, tx, err
	}
	status, err := s.pix.GetStatus(ctx, token, tx.ExternalID)
	if err != nil {
		return true, false, tx, err
	}
	if status != store.PixPaid {
		return true, false, tx, nil
	}
	if _, err := s.store.MarkPixPaid(ctx, tx.ID); err != nil {
		return true, true, tx, err
	}
	// the fan-out owns delivery and the remaining side effects; its
	// claim keeps them exactly-once no matter who verified the charge
	if err := s.enq.Enqueue(ctx, TaskSaleFanout, SaleFanoutPayload{TransactionID: tx.ID}); err != nil {
		s.logger.Error("fanout enqueue failed", "tx", tx.ID, "error", err)
	}
	return true, true, tx, nil
}

// Deliver implements engine.Payments: send the deliverable blocks for a
// paid transaction and finalize it.
func (s *Services) Deliver(ctx context.Context, tx *store.PixTransaction) error {
	bot, token, err := s.loadBot(ctx, tx.BotID)
	if err != nil {
		return err
	}
	switch {
	case tx.OfferID != nil:
		if err := s.sender.Send(ctx, token, bot.ID, tx.UserTelegramID,
			store.ContainerOfferDeliverable, *tx.OfferID, nil); err != nil {
			return err
		}
	case tx.UpsellID != nil:
		if err := s.sender.Send(ctx, token, bot.ID, tx.UserTelegramID,
			store.ContainerUpsellDeliverable, *tx.UpsellID, nil); err != nil {
			return err
		}
		if err := s.store.SetDeliveryStatus(ctx, bot.ID, tx.UserTelegramID,
			*tx.UpsellID, store.UpsellDelivered); err != nil {
			return err
		}
	default:
		return faults.Consistency("transaction %d has nothing to deliver", tx.ID)
	}
	return s.store.MarkPixStatus(ctx, tx.ID, store.PixDelivered)
}

// handleSaleFanout runs the exactly-once post-payment side effects:
// delivery, credit top-up, tracker stats, upsell activation, recovery
// cancellation and the owner notification. The unique insert on
// sale_notifications is the claim.
func (s *Services) handleSaleFanout(ctx context.Context, task *queue.Task) error {
	var p SaleFanoutPayload
	if err := task.Decode(&p); err != nil {
		return faults.New(faults.KindPermanent, err)
	}
	tx, err := s.store.GetPixTransaction(ctx, p.TransactionID)
	if err != nil {
		return err
	}
	if tx.Status != store.PixPaid && tx.Status != store.PixDelivered {
		return faults.Consistency("transaction %d not paid (%s)", tx.ID, tx.Status)
	}

	channel := s.notificationChannel(ctx, tx.AdminID)
	won, err := s.store.InsertSaleNotification(ctx, tx.ID, tx.AdminID, channel)
	if err != nil {
		return err
	}
	if !won {
		metrics.SaleFanouts.WithLabelValues("duplicate").Inc()
		return faults.Conflict("fanout for %d already claimed", tx.ID)
	}
	metrics.SaleFanouts.WithLabelValues("won").Inc()

	if tx.Category == store.PixCategoryTopup {
		ref := fmt.Sprintf("pix:%s", tx.ExternalID)
		if err := s.store.Credit(ctx, tx.AdminID, tx.AmountCents, store.LedgerTopup, ref); err != nil {
			return err
		}
		if err := s.store.MarkPixStatus(ctx, tx.ID, store.PixDelivered); err != nil {
			return err
		}
		return s.notifyTopup(ctx, tx)
	}

	if tx.Status == store.PixPaid {
		if err := s.Deliver(ctx, tx); err != nil {
			// record the miss; delivery retries must not re-run the
			// rest of the fan-out
			s.logger.Error("delivery failed during fanout", "tx", tx.ID, "error", err)
		}
	}

	if tx.TrackerID != nil {
		if err := s.store.IncrSales(ctx, tx.BotID, *tx.TrackerID, time.Now().UTC(), tx.AmountCents); err != nil {
			s.logger.Error("tracker sale stat failed", "tx", tx.ID, "error", err)
		}
	}

	if tx.Category == store.PixCategorySale || s.cfg.UpsellActivateOnAnyPaid {
		if err := s.activateUpsells(ctx, tx.BotID, tx.UserTelegramID); err != nil {
			s.logger.Error("upsell activation failed", "tx", tx.ID, "error", err)
		}
	}

	s.cancelRecoveryEpisode(ctx, tx.BotID, tx.UserTelegramID)

	if !s.cfg.EnableSaleNotifications {
		return s.store.SetSaleNotificationStatus(ctx, tx.ID, store.NotifSkipped)
	}
	if err := s.notifySale(ctx, tx, channel); err != nil {
		if uerr := s.store.SetSaleNotificationStatus(ctx, tx.ID, store.NotifFailed); uerr != nil {
			s.logger.Error("notification status update failed", "tx", tx.ID, "error", uerr)
		}
		return err
	}
	return s.store.SetSaleNotificationStatus(ctx, tx.ID, store.NotifSent)
}

// ParseGatewayWebhook is re-exported for the ingress layer.
func ParseGatewayWebhook(body []byte) (*pix.WebhookEvent, error) {
	return pix.ParseWebhook(body)
}

// EnqueuePaymentConfirm pushes a callback event into the queue.
func (s *Services) EnqueuePaymentConfirm(ctx context.Context, externalID string) error {
	return s.enq.Enqueue(ctx, TaskPaymentConfirm, PaymentConfirmPayload{ExternalID: externalID})
}
