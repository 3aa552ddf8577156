package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vkultra/mitski/pkg/crypto"
	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/metrics"
	"github.com/vkultra/mitski/pkg/queue"
	"github.com/vkultra/mitski/pkg/store"
	"github.com/vkultra/mitski/pkg/telegram"
)

// callbackTTL bounds how long a manager-bot button stays pressable.
const callbackTTL = time.Hour

// ManagerUpdatePayload carries one manager-bot message or button press
// into the queue.
type ManagerUpdatePayload struct {
	AdminID      int64  `json:"admin_id"`
	Text         string `json:"text,omitempty"`
	CallbackID   string `json:"callback_id,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

// handleManagerUpdate dispatches manager-bot commands. Every command is
// admin-scoped; there is no anonymous surface on the manager bot.
func (s *Services) handleManagerUpdate(ctx context.Context, task *queue.Task) error {
	var p ManagerUpdatePayload
	if err := task.Decode(&p); err != nil {
		return faults.New(faults.KindPermanent, err)
	}
	if err := s.limiter.Allow(ctx, 0, p.AdminID, "manager"); err != nil {
		return err
	}
	if p.CallbackData != "" {
		return s.handleManagerCallback(ctx, &p)
	}

	text := strings.TrimSpace(p.Text)
	cmd, args, _ := strings.Cut(text, " ")
	args = strings.TrimSpace(args)

	var reply string
	var err error
	switch strings.ToLower(cmd) {
	case "/start", "/help":
		reply = managerHelp
	case "/addbot":
		reply, err = s.cmdAddBot(ctx, p.AdminID, args)
	case "/gateway":
		reply, err = s.cmdGateway(ctx, p.AdminID, args)
	case "/saldo":
		reply, err = s.cmdBalance(ctx, p.AdminID)
	case "/recarga":
		reply, err = s.cmdTopup(ctx, p.AdminID, args)
	case "/canal":
		reply, err = s.cmdChannel(ctx, p.AdminID, args)
	case "/rastreio":
		reply, err = s.cmdTrackerCreate(ctx, p.AdminID, args)
	case "/rastreios":
		reply, err = s.cmdTrackerStats(ctx, p.AdminID, args)
	case "/rastreio_forcado":
		reply, err = s.cmdForcedTracking(ctx, p.AdminID, args)
	case "/estorno":
		reply, err = s.cmdManualCredit(ctx, p.AdminID, args)
	case "/venda_aprovada":
		reply, err = s.cmdDebugApprove(ctx, p.AdminID, args)
	case "/debug_help":
		reply, err = s.cmdDebugHelp(p.AdminID)
	default:
		reply = "Comando desconhecido. Use /help."
	}
	if err != nil {
		if faults.KindOf(err) == faults.KindValidation || faults.KindOf(err) == faults.KindAuth {
			reply = "⚠️ " + err.Error()
		} else {
			return err
		}
	}
	if reply == "" {
		// the command already sent its own message (keyboard flows)
		return nil
	}
	_, serr := s.tg.SendText(ctx, s.cfg.ManagerBotToken, p.AdminID, reply, "")
	return serr
}

const managerHelp = `Comandos disponíveis:

/addbot <token> — registrar um bot secundário
/gateway <token> — configurar seu token PIX
/saldo — consultar saldo de créditos
/recarga <valor> — recarregar créditos (R$)
/canal <@canal> — canal de notificações de venda
/rastreio <bot_id> <código> [nome] — criar link rastreado
/rastreios <bot_id> — estatísticas dos rastreadores (7 dias)
/rastreio_forcado <bot_id> <on|off> — exigir /start rastreado`

// cmdAddBot validates the token against getMe, encrypts it, registers
// the bot and points its webhook at the ingress.
func (s *Services) cmdAddBot(ctx context.Context, adminID int64, token string) (string, error) {
	if token == "" {
		return "", faults.Validation("uso: /addbot <token>")
	}
	username, err := s.tg.Validate(ctx, token)
	if err != nil {
		return "", faults.Validation("token inválido: %v", err)
	}
	encrypted, err := s.box.Encrypt(token)
	if err != nil {
		return "", err
	}
	secret, err := crypto.GenerateSecret(16)
	if err != nil {
		return "", err
	}
	bot, err := s.store.CreateBot(ctx, adminID, encrypted, username, secret)
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/webhook/%d", s.cfg.WebhookBaseURL, bot.ID)
	if err := s.tg.SetWebhook(ctx, token, url, secret); err != nil {
		return "", err
	}
	metrics.ActiveBots.Inc()
	return fmt.Sprintf("✅ Bot @%s registrado (id %d).", username, bot.ID), nil
}

func (s *Services) cmdGateway(ctx context.Context, adminID int64, token string) (string, error) {
	if token == "" {
		return "", faults.Validation("uso: /gateway <token>")
	}
	encrypted, err := s.box.Encrypt(token)
	if err != nil {
		return "", err
	}
	if err := s.store.SetGatewayToken(ctx, adminID, encrypted); err != nil {
		return "", err
	}
	return "✅ Token do gateway configurado.", nil
}

// cmdChannel validates a channel via getChat, proves the manager bot can
// post there, and stores it as the admin's sale-notification target.
func (s *Services) cmdChannel(ctx context.Context, adminID int64, args string) (string, error) {
	if args == "" {
		return "", faults.Validation("uso: /canal <@canal ou id>")
	}
	ref := strings.TrimSpace(args)
	if !strings.HasPrefix(ref, "@") && !strings.HasPrefix(ref, "-") {
		if _, err := strconv.ParseInt(ref, 10, 64); err != nil {
			ref = "@" + ref
		}
	}
	chatID, chatType, err := s.tg.GetChat(ctx, s.cfg.ManagerBotToken, ref)
	if err != nil {
		return "", faults.Validation("canal não encontrado: %v", err)
	}
	if chatType != "channel" {
		return "", faults.Validation("%s não é um canal", ref)
	}
	if _, err := s.tg.SendText(ctx, s.cfg.ManagerBotToken, chatID,
		"✅ Canal validado! As próximas vendas aprovadas aparecerão aqui.", ""); err != nil {
		return "", faults.Validation("não consegui postar no canal; adicione o bot como administrador")
	}
	if err := s.store.SetNotificationChannel(ctx, adminID, chatID); err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Canal %s salvo para notificações de venda.", ref), nil
}

func (s *Services) cmdBalance(ctx context.Context, adminID int64) (string, error) {
	balance, err := s.store.GetBalance(ctx, adminID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Saldo atual: %s", formatBRL(balance)), nil
}

// topupPresets are the quick-pick amounts, in reais.
var topupPresets = []int64{10, 25, 50, 100}

// cmdTopup with an explicit amount creates the charge directly; without
// one it offers the preset keyboard.
func (s *Services) cmdTopup(ctx context.Context, adminID int64, args string) (string, error) {
	if args == "" {
		return "", s.sendTopupKeyboard(ctx, adminID)
	}
	reais, err := strconv.ParseInt(args, 10, 64)
	if err != nil || reais < 1 {
		return "", faults.Validation("uso: /recarga <valor em reais, mínimo 1>")
	}
	return s.topupCharge(ctx, adminID, reais*100)
}

func (s *Services) topupCharge(ctx context.Context, adminID, amountCents int64) (string, error) {
	_, code, err := s.CreateTopupCharge(ctx, 0, adminID, amountCents)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Pague o PIX abaixo para creditar %s:\n\n`%s`", formatBRL(amountCents), code), nil
}

// sendTopupKeyboard offers the preset amounts. Telegram caps
// callback_data at 64 bytes, so the signed token lives in the KV store
// and only a short reference rides in the button.
func (s *Services) sendTopupKeyboard(ctx context.Context, adminID int64) error {
	row := make([]telegram.Button, 0, len(topupPresets))
	for _, reais := range topupPresets {
		data, err := s.signCallback(ctx, crypto.CallbackPayload{
			Action:  "topup",
			AdminID: adminID,
			Targets: []int64{reais * 100},
		})
		if err != nil {
			return err
		}
		row = append(row, telegram.Button{Text: formatBRL(reais * 100), Data: data})
	}
	_, err := s.tg.SendKeyboard(ctx, s.cfg.ManagerBotToken, adminID,
		"Escolha o valor da recarga:", [][]telegram.Button{row})
	return err
}

// signCallback signs the payload and parks the token in the KV store,
// returning the "cb:{nonce}" reference that fits in callback_data.
func (s *Services) signCallback(ctx context.Context, payload crypto.CallbackPayload) (string, error) {
	nonce, err := crypto.GenerateSecret(6)
	if err != nil {
		return "", err
	}
	payload.Nonce = nonce
	token, err := s.box.Sign(payload)
	if err != nil {
		return "", err
	}
	if err := s.kv.Set(ctx, "cb:"+nonce, token, callbackTTL); err != nil {
		return "", err
	}
	return "cb:" + nonce, nil
}

// handleManagerCallback resolves a button press back into its signed
// payload and dispatches the action.
func (s *Services) handleManagerCallback(ctx context.Context, p *ManagerUpdatePayload) error {
	ack := func(text string) {
		if p.CallbackID == "" {
			return
		}
		if err := s.tg.AnswerCallback(ctx, s.cfg.ManagerBotToken, p.CallbackID, text); err != nil {
			s.logger.Debug("callback ack failed", "admin", p.AdminID, "error", err)
		}
	}

	nonce, ok := strings.CutPrefix(p.CallbackData, "cb:")
	if !ok {
		ack("Botão inválido.")
		return faults.Consistency("malformed callback data %q", p.CallbackData)
	}
	token, found, err := s.kv.Get(ctx, "cb:"+nonce)
	if err != nil {
		return err
	}
	if !found {
		ack("Botão expirado, envie o comando novamente.")
		return nil
	}
	payload, err := s.box.Verify(token, p.AdminID, callbackTTL)
	if err != nil {
		ack("Botão inválido.")
		return faults.Consistency("callback verify failed for admin %d: %v", p.AdminID, err)
	}

	var reply string
	switch payload.Action {
	case "topup":
		if len(payload.Targets) != 1 || payload.Targets[0] < 100 {
			return faults.Consistency("bad topup payload for admin %d", p.AdminID)
		}
		reply, err = s.topupCharge(ctx, p.AdminID, payload.Targets[0])
	default:
		ack("Ação desconhecida.")
		return faults.Consistency("unknown callback action %q", payload.Action)
	}
	if err != nil {
		if faults.KindOf(err) == faults.KindValidation || faults.KindOf(err) == faults.KindAuth {
			reply = "⚠️ " + err.Error()
		} else {
			return err
		}
	}
	ack("")
	_, serr := s.tg.SendText(ctx, s.cfg.ManagerBotToken, p.AdminID, reply, "")
	return serr
}

// cmdDebugApprove force-approves a transaction, restricted to the
// allow-listed admins. Dev shortcut for exercising the fan-out.
func (s *Services) cmdDebugApprove(ctx context.Context, adminID int64, args string) (string, error) {
	if !s.cfg.IsUnlimitedAdmin(adminID) {
		return "", faults.Auth("comando restrito")
	}
	txID, err := strconv.ParseInt(args, 10, 64)
	if err != nil {
		return "", faults.Validation("uso: /venda_aprovada <transação>")
	}
	tx, err := s.store.GetPixTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", faults.Validation("transação %d não encontrada", txID)
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

func (s *Services) cmdDebugHelp(adminID int64) (string, error) {
	if !s.cfg.IsUnlimitedAdmin(adminID) {
		return "", faults.Auth("comando restrito")
	}
	return "Comandos de debug:\n\n/venda_aprovada <transação> — força aprovação" +
		"\n/estorno <admin_id> <valor> — crédito manual", nil
}

// cmdManualCredit credits an admin's wallet by hand, restricted to the
// allow-listed admins. Used for refunds and support adjustments.
func (s *Services) cmdManualCredit(ctx context.Context, adminID int64, args string) (string, error) {
	if !s.cfg.IsUnlimitedAdmin(adminID) {
		return "", faults.Auth("comando restrito")
	}
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return "", faults.Validation("uso: /estorno <admin_id> <valor em reais>")
	}
	target, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return "", faults.Validation("uso: /estorno <admin_id> <valor em reais>")
	}
	reais, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || reais < 1 {
		return "", faults.Validation("valor inválido, mínimo R$ 1")
	}
	ref := fmt.Sprintf("manual:%d", adminID)
	if err := s.store.Credit(ctx, target, reais*100, store.LedgerRefund, ref); err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ %s creditados ao admin %d.", formatBRL(reais*100), target), nil
}
