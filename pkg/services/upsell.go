package services

import (
	"context"
	"errors"
	"time"

	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/queue"
	"github.com/vkultra/mitski/pkg/scheduler"
	"github.com/vkultra/mitski/pkg/store"
)

// UpsellSendPayload announces one due upsell delivery.
type UpsellSendPayload struct {
	DeliveryID int64 `json:"delivery_id"`
}

// activateUpsells arms the bot's upsell ladder for a user after their
// first delivered purchase, and schedules the next step if it has a
// relative schedule. Trigger-term upsells stay armed until the engine
// sees the term.
func (s *Services) activateUpsells(ctx context.Context, botID, userTG int64) error {
	if !s.cfg.UpsellActivateOnAnyPaid {
		delivered, err := s.store.UserHasDeliveredSale(ctx, botID, userTG)
		if err != nil {
			return err
		}
		if !delivered {
			return nil
		}
	}
	if err := s.store.EnsureDeliveries(ctx, botID, userTG); err != nil {
		return err
	}
	return s.scheduleNextUpsell(ctx, botID, userTG)
}

// scheduleNextUpsell finds the lowest armed schedule-based upsell for
// the user and stamps its fire time.
func (s *Services) scheduleNextUpsell(ctx context.Context, botID, userTG int64) error {
	delivery, err := s.store.NextArmedDelivery(ctx, botID, userTG)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	upsell, err := s.store.GetUpsell(ctx, delivery.UpsellID)
	if err != nil {
		return err
	}
	// trigger-term upsells are announced by the engine, not the clock
	if upsell.TriggerTerm != nil && *upsell.TriggerTerm != "" {
		return nil
	}
	delay := scheduler.UpsellDelay(upsell.ScheduleDays, upsell.ScheduleHours, upsell.ScheduleMinutes)
	at := time.Now().UTC().Add(delay)
	if err := s.store.ScheduleDelivery(ctx, delivery.ID, at); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // lost the race to another worker
		}
		return err
	}
	return s.enq.EnqueueAt(ctx, TaskUpsellSend, UpsellSendPayload{DeliveryID: delivery.ID}, at)
}

// handleUpsellSend announces one scheduled upsell. The sent_at claim
// makes duplicate task deliveries harmless.
func (s *Services) handleUpsellSend(ctx context.Context, task *queue.Task) error {
	var p UpsellSendPayload
	if err := task.Decode(&p); err != nil {
		return faults.New(faults.KindPermanent, err)
	}
	delivery, err := s.store.GetUpsellDeliveryByID(ctx, p.DeliveryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return faults.Consistency("upsell delivery %d gone", p.DeliveryID)
		}
		return err
	}
	if delivery.Status != store.UpsellScheduled || delivery.SentAt != nil {
		return faults.Conflict("upsell delivery %d already handled", p.DeliveryID)
	}
	if delivery.ScheduledFor != nil && delivery.ScheduledFor.After(time.Now()) {
		return faults.Consistency("upsell delivery %d not due yet", p.DeliveryID)
	}
	return s.announceScheduledUpsell(ctx, delivery)
}

func (s *Services) announceScheduledUpsell(ctx context.Context, delivery *store.UpsellDelivery) error {
	if banned, err := s.store.IsBanned(ctx, delivery.BotID, delivery.UserTelegramID); err != nil {
		return err
	} else if banned {
		_, err := s.store.ClaimUpsellDelivery(ctx, delivery.ID, store.UpsellSkipped)
		return err
	}
	won, err := s.store.ClaimUpsellDelivery(ctx, delivery.ID, store.UpsellAnnounced)
	if err != nil {
		return err
	}
	if !won {
		return faults.Conflict("upsell delivery %d already announced", delivery.ID)
	}
	bot, token, err := s.loadBot(ctx, delivery.BotID)
	if err != nil {
		return err
	}
	upsell, err := s.store.GetUpsell(ctx, delivery.UpsellID)
	if err != nil {
		return err
	}
	code, err := s.CreateUpsellCharge(ctx, bot, delivery.UserTelegramID, upsell)
	if err != nil {
		return err
	}
	if err := s.sender.Send(ctx, token, bot.ID, delivery.UserTelegramID,
		store.ContainerUpsellAnnouncement, upsell.ID,
		map[string]string{"pix": code}); err != nil {
		return err
	}
	// chain: arm the next ordinal's clock once this one is out
	return s.scheduleNextUpsell(ctx, bot.ID, delivery.UserTelegramID)
}

// sweepDueUpsells backstops lost EnqueueAt tasks by scanning the due
// index directly. Runs under the sweeper lock.
func (s *Services) sweepDueUpsells(ctx context.Context) error {
	due, err := s.store.DueUpsellDeliveries(ctx, time.Now().UTC(), 200)
	if err != nil {
		return err
	}
	for _, d := range due {
		if err := s.enq.Enqueue(ctx, TaskUpsellSend, UpsellSendPayload{DeliveryID: d.ID}); err != nil {
			s.logger.Error("upsell sweep enqueue failed", "delivery", d.ID, "error", err)
		}
	}
	return nil
}
