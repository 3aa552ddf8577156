package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vkultra/mitski/pkg/store"
)

// debugCommand short-circuits slash commands the bot owner types into
// their own secondary bot: force-approving the latest charge, listing
// the shortcuts, and previewing a container by its verbatim offer or
// action name. Returns true when the message was consumed.
func (s *Services) debugCommand(ctx context.Context, bot *store.Bot, token string, userTG int64, text string) (bool, error) {
	if userTG != bot.OwnerAdminID || !strings.HasPrefix(text, "/") {
		return false, nil
	}
	name := strings.TrimSpace(strings.TrimPrefix(text, "/"))

	var reply string
	switch strings.ToLower(name) {
	case "venda_aprovada":
		var err error
		reply, err = s.debugApproveLatest(ctx, bot, userTG)
		if err != nil {
			return true, err
		}
	case "debug_help":
		var err error
		reply, err = s.debugHelp(ctx, bot)
		if err != nil {
			return true, err
		}
	default:
		return s.debugPreview(ctx, bot, token, userTG, name)
	}

	_, err := s.tg.SendText(ctx, token, userTG, reply, "")
	return true, err
}

// debugApproveLatest marks the owner's newest open charge paid and runs
// the regular fan-out, so the whole paid path can be exercised without
// the gateway.
func (s *Services) debugApproveLatest(ctx context.Context, bot *store.Bot, userTG int64) (string, error) {
	tx, err := s.store.LatestPendingByUser(ctx, bot.ID, userTG)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "Nenhuma transação pendente para aprovar.", nil
		}
		return "", err
	}
	paid, err := s.store.MarkPixPaid(ctx, tx.ID)
	if err != nil {
		return "", err
	}
	if !paid {
		return "Transação já estava paga.", nil
	}
	if err := s.enq.Enqueue(ctx, TaskSaleFanout, SaleFanoutPayload{TransactionID: tx.ID}); err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Transação %d aprovada manualmente.", tx.ID), nil
}

func (s *Services) debugHelp(ctx context.Context, bot *store.Bot) (string, error) {
	offers, err := s.store.ListActiveOffers(ctx, bot.ID)
	if err != nil {
		return "", err
	}
	actions, err := s.store.ListActiveActions(ctx, bot.ID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Atalhos do dono:\n\n/venda_aprovada — aprova a última transação pendente")
	for _, o := range offers {
		fmt.Fprintf(&b, "\n/%s — prévia do pitch", o.Name)
	}
	for _, a := range actions {
		fmt.Fprintf(&b, "\n/%s — prévia da ação", a.Name)
	}
	return b.String(), nil
}

// debugPreview matches the command against offer and action names and
// sends the container as a dry run.
func (s *Services) debugPreview(ctx context.Context, bot *store.Bot, token string, userTG int64, name string) (bool, error) {
	offers, err := s.store.ListActiveOffers(ctx, bot.ID)
	if err != nil {
		return true, err
	}
	for _, o := range offers {
		if strings.EqualFold(o.Name, name) {
			return true, s.sender.Preview(ctx, token, bot.ID, userTG, store.ContainerOfferPitch, o.ID)
		}
	}
	actions, err := s.store.ListActiveActions(ctx, bot.ID)
	if err != nil {
		return true, err
	}
	for _, a := range actions {
		if strings.EqualFold(a.Name, name) {
			return true, s.sender.Preview(ctx, token, bot.ID, userTG, store.ContainerAction, a.ID)
		}
	}
	return false, nil
}
