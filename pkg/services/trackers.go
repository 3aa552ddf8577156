package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/store"
)

// trackerStatsWindow is the reporting window of /rastreios.
const trackerStatsWindow = 7 * 24 * time.Hour

var trackerCodeRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// ownedBot loads a bot and checks the calling admin owns it.
func (s *Services) ownedBot(ctx context.Context, adminID, botID int64) (*store.Bot, error) {
	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, faults.Validation("bot %d não encontrado", botID)
		}
		return nil, err
	}
	if bot.OwnerAdminID != adminID {
		return nil, faults.Auth("o bot %d não pertence a você", botID)
	}
	return bot, nil
}

// cmdTrackerCreate registers a deep-link code and answers with the
// ready-to-share link.
func (s *Services) cmdTrackerCreate(ctx context.Context, adminID int64, args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return "", faults.Validation("uso: /rastreio <bot_id> <código> [nome]")
	}
	botID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return "", faults.Validation("uso: /rastreio <bot_id> <código> [nome]")
	}
	code := fields[1]
	if !trackerCodeRe.MatchString(code) {
		return "", faults.Validation("código inválido: use letras, números, _ ou - (máx. 32)")
	}
	name := code
	if len(fields) > 2 {
		name = strings.Join(fields[2:], " ")
	}
	bot, err := s.ownedBot(ctx, adminID, botID)
	if err != nil {
		return "", err
	}
	if _, err := s.store.CreateTracker(ctx, bot.ID, code, name); err != nil {
		if errors.Is(err, store.ErrDuplicateCode) {
			return "", faults.Validation("o código %q já existe neste bot", code)
		}
		return "", err
	}
	return fmt.Sprintf("✅ Rastreador %q criado:\nhttps://t.me/%s?start=%s", name, bot.Username, code), nil
}

// cmdTrackerStats lists the bot's trackers with their totals over the
// reporting window.
func (s *Services) cmdTrackerStats(ctx context.Context, adminID int64, args string) (string, error) {
	botID, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		return "", faults.Validation("uso: /rastreios <bot_id>")
	}
	bot, err := s.ownedBot(ctx, adminID, botID)
	if err != nil {
		return "", err
	}
	trackers, err := s.store.ListTrackers(ctx, bot.ID)
	if err != nil {
		return "", err
	}
	if len(trackers) == 0 {
		return "Nenhum rastreador neste bot. Crie com /rastreio.", nil
	}
	since := time.Now().UTC().Add(-trackerStatsWindow)
	stats, err := s.store.TrackerStatsSince(ctx, bot.ID, since)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Rastreadores de @%s (últimos 7 dias):\n", bot.Username)
	for _, t := range trackers {
		var starts, sales int
		var revenue int64
		if st := stats[t.ID]; st != nil {
			starts, sales, revenue = st.Starts, st.Sales, st.RevenueCents
		}
		fmt.Fprintf(&b, "\n%s (%s): %d starts, %d vendas, %s",
			t.Name, t.Code, starts, sales, formatBRL(revenue))
	}
	return b.String(), nil
}

// cmdForcedTracking flips the bot's tracked-start requirement.
func (s *Services) cmdForcedTracking(ctx context.Context, adminID int64, args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return "", faults.Validation("uso: /rastreio_forcado <bot_id> <on|off>")
	}
	botID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return "", faults.Validation("uso: /rastreio_forcado <bot_id> <on|off>")
	}
	var required bool
	switch strings.ToLower(fields[1]) {
	case "on":
		required = true
	case "off":
	default:
		return "", faults.Validation("uso: /rastreio_forcado <bot_id> <on|off>")
	}
	bot, err := s.ownedBot(ctx, adminID, botID)
	if err != nil {
		return "", err
	}
	if err := s.store.SetRequireTrackedStart(ctx, bot.ID, required); err != nil {
		return "", err
	}
	if required {
		return "✅ Rastreamento obrigatório ativado: /start sem código será ignorado.", nil
	}
	return "✅ Rastreamento obrigatório desativado.", nil
}
