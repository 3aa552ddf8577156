package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vkultra/mitski/pkg/store"
)

// formatBRL renders cents as "R$ 12,34".
func formatBRL(cents int64) string {
	v := decimal.NewFromInt(cents).Div(decimal.NewFromInt(100))
	return "R$ " + v.StringFixed(2)
}

// notificationChannel resolves the admin's configured sale channel, nil
// when unset or on lookup failure (the DM fallback still fires).
func (s *Services) notificationChannel(ctx context.Context, adminID int64) *int64 {
	channelID, err := s.store.GetNotificationChannel(ctx, adminID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("notification channel lookup failed", "admin", adminID, "error", err)
		}
		return nil
	}
	return &channelID
}

// notifySale tells the owner that a sale or upsell was paid, in their
// configured channel when one is set, otherwise by DM from the manager
// bot.
func (s *Services) notifySale(ctx context.Context, tx *store.PixTransaction, channel *int64) error {
	bot, err := s.store.GetBot(ctx, tx.BotID)
	if err != nil {
		return err
	}
	kind := "Venda"
	if tx.Category == store.PixCategoryUpsell {
		kind = "Upsell"
	}
	text := fmt.Sprintf("✅ %s aprovada!\n\nBot: @%s\nValor: %s\nTransação: %s",
		kind, bot.Username, formatBRL(tx.AmountCents), tx.ExternalID)
	chatID := tx.AdminID
	if channel != nil {
		chatID = *channel
	}
	_, err = s.tg.SendText(ctx, s.cfg.ManagerBotToken, chatID, text, "")
	return err
}

// notifyTopup confirms a credit top-up to the admin.
func (s *Services) notifyTopup(ctx context.Context, tx *store.PixTransaction) error {
	balance, err := s.store.GetBalance(ctx, tx.AdminID)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("✅ Recarga de %s confirmada!\n\nSaldo atual: %s",
		formatBRL(tx.AmountCents), formatBRL(balance))
	_, err = s.tg.SendText(ctx, s.cfg.ManagerBotToken, tx.AdminID, text, "")
	return err
}
