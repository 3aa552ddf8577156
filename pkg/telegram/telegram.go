// Package telegram wraps the Bot API client behind a per-token cache and
// a shared circuit breaker. Tokens arrive decrypted from workers; the
// cache never stores plaintext tokens anywhere but in memory.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sony/gobreaker/v2"

	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/metrics"
)

// Media kinds a block may carry.
const (
	MediaPhoto     = "photo"
	MediaVideo     = "video"
	MediaVoice     = "voice"
	MediaDocument  = "document"
	MediaAnimation = "animation"
)

// Chat actions shown while a send is being prepared.
const (
	ActionTyping         = "typing"
	ActionUploadPhoto    = "upload_photo"
	ActionUploadVideo    = "upload_video"
	ActionUploadVoice    = "upload_voice"
	ActionUploadDocument = "upload_document"
)

// Client talks to the Bot API for every managed bot.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[tgbotapi.Message]

	mu   sync.RWMutex
	bots map[string]*tgbotapi.BotAPI
}

// New builds a client with the shared HTTP timeout and breaker settings.
func New(timeout time.Duration, failMax int, breakerTimeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker[tgbotapi.Message](gobreaker.Settings{
			Name:    "telegram",
			Timeout: breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(failMax)
			},
		}),
		bots: make(map[string]*tgbotapi.BotAPI),
	}
}

// bot returns the cached API handle for a token, constructing it on first
// use. Construction validates the token against getMe.
func (c *Client) bot(token string) (*tgbotapi.BotAPI, error) {
	c.mu.RLock()
	b, ok := c.bots[token]
	c.mu.RUnlock()
	if ok {
		return b, nil
	}
	b, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, c.httpClient)
	if err != nil {
		metrics.ExternalErrors.WithLabelValues("telegram", "auth").Inc()
		return nil, classify(err)
	}
	c.mu.Lock()
	c.bots[token] = b
	c.mu.Unlock()
	return b, nil
}

// Validate checks a token and returns the bot's username.
func (c *Client) Validate(ctx context.Context, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b, err := c.bot(token)
	if err != nil {
		return "", err
	}
	return b.Self.UserName, nil
}

// GetChat resolves a chat by "@username" or numeric id and returns its
// id and type ("channel", "group", "private", ...).
func (c *Client) GetChat(ctx context.Context, token, chatRef string) (int64, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	b, err := c.bot(token)
	if err != nil {
		return 0, "", err
	}
	cfg := tgbotapi.ChatInfoConfig{}
	if id, perr := strconv.ParseInt(chatRef, 10, 64); perr == nil {
		cfg.ChatID = id
	} else {
		cfg.SuperGroupUsername = chatRef
	}
	chat, err := b.GetChat(cfg)
	if err != nil {
		cerr := classify(err)
		metrics.ExternalErrors.WithLabelValues("telegram", errorKindLabel(cerr)).Inc()
		return 0, "", cerr
	}
	return chat.ID, chat.Type, nil
}

func (c *Client) send(ctx context.Context, token string, msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	if err := ctx.Err(); err != nil {
		return tgbotapi.Message{}, err
	}
	b, err := c.bot(token)
	if err != nil {
		return tgbotapi.Message{}, err
	}
	sent, err := c.breaker.Execute(func() (tgbotapi.Message, error) {
		return b.Send(msg)
	})
	if err != nil {
		cerr := classify(err)
		metrics.ExternalErrors.WithLabelValues("telegram", errorKindLabel(cerr)).Inc()
		return tgbotapi.Message{}, cerr
	}
	return sent, nil
}

func errorKindLabel(err error) string {
	switch {
	case err == ErrBadFileID:
		return "bad_file_id"
	case err == ErrParseEntities:
		return "parse"
	default:
		return faults.KindOf(err).String()
	}
}

// SendText delivers a text message. A parse-mode rejection is retried
// once as plain text so a malformed entity never swallows the content.
func (c *Client) SendText(ctx context.Context, token string, chatID int64, text, parseMode string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseMode
	sent, err := c.send(ctx, token, msg)
	if err == ErrParseEntities && parseMode != "" {
		msg.ParseMode = ""
		sent, err = c.send(ctx, token, msg)
	}
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// Button is one inline keyboard button bound to callback data.
type Button struct {
	Text string
	Data string
}

// SendKeyboard delivers a text message with an inline keyboard.
func (c *Client) SendKeyboard(ctx context.Context, token string, chatID int64, text string, rows [][]Button) (int, error) {
	keyboard := make([][]tgbotapi.InlineKeyboardButton, len(rows))
	for i, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, len(row))
		for j, b := range row {
			buttons[j] = tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data)
		}
		keyboard[i] = buttons
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(keyboard...)
	sent, err := c.send(ctx, token, msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// AnswerCallback acknowledges a callback query so the client stops the
// spinner.
func (c *Client) AnswerCallback(ctx context.Context, token, callbackID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := c.bot(token)
	if err != nil {
		return err
	}
	if _, err := b.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return classify(err)
	}
	return nil
}

// SendMedia delivers one media message. fileRef is either a Telegram
// file id or an HTTP URL. It returns the message id and the file id the
// receiving bot now owns, which callers store in the media cache.
func (c *Client) SendMedia(ctx context.Context, token string, chatID int64, kind, fileRef, caption string) (int, string, error) {
	return c.sendMediaFile(ctx, token, chatID, kind, tgbotapi.FileID(fileRef), caption)
}

// SendMediaBytes uploads raw media bytes instead of referencing a file
// id. It is the re-resolution path for file ids minted by another bot,
// which the API rejects; the returned file id belongs to the sending bot.
func (c *Client) SendMediaBytes(ctx context.Context, token string, chatID int64, kind string, data []byte, caption string) (int, string, error) {
	file := tgbotapi.FileBytes{Name: "media", Bytes: data}
	return c.sendMediaFile(ctx, token, chatID, kind, file, caption)
}

func (c *Client) sendMediaFile(ctx context.Context, token string, chatID int64, kind string, file tgbotapi.RequestFileData, caption string) (int, string, error) {
	var msg tgbotapi.Chattable
	switch kind {
	case MediaPhoto:
		m := tgbotapi.NewPhoto(chatID, file)
		m.Caption = caption
		msg = m
	case MediaVideo:
		m := tgbotapi.NewVideo(chatID, file)
		m.Caption = caption
		msg = m
	case MediaVoice:
		m := tgbotapi.NewVoice(chatID, file)
		m.Caption = caption
		msg = m
	case MediaDocument:
		m := tgbotapi.NewDocument(chatID, file)
		m.Caption = caption
		msg = m
	case MediaAnimation:
		m := tgbotapi.NewAnimation(chatID, file)
		m.Caption = caption
		msg = m
	default:
		return 0, "", faults.Validation("unknown media kind %q", kind)
	}
	sent, err := c.send(ctx, token, msg)
	if err != nil {
		return 0, "", err
	}
	return sent.MessageID, sentFileID(kind, sent), nil
}

func sentFileID(kind string, m tgbotapi.Message) string {
	switch kind {
	case MediaPhoto:
		if len(m.Photo) > 0 {
			return m.Photo[len(m.Photo)-1].FileID
		}
	case MediaVideo:
		if m.Video != nil {
			return m.Video.FileID
		}
	case MediaVoice:
		if m.Voice != nil {
			return m.Voice.FileID
		}
	case MediaDocument:
		if m.Document != nil {
			return m.Document.FileID
		}
	case MediaAnimation:
		if m.Animation != nil {
			return m.Animation.FileID
		}
	}
	return ""
}

// SendChatAction shows typing / upload indicators.
func (c *Client) SendChatAction(ctx context.Context, token string, chatID int64, action string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := c.bot(token)
	if err != nil {
		return err
	}
	if _, err := b.Request(tgbotapi.NewChatAction(chatID, action)); err != nil {
		return classify(err)
	}
	return nil
}

// DeleteMessage removes a previously sent message. Already-deleted
// messages are not an error.
func (c *Client) DeleteMessage(ctx context.Context, token string, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := c.bot(token)
	if err != nil {
		return err
	}
	if _, err := b.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		cerr := classify(err)
		if faults.KindOf(cerr) == faults.KindPermanent {
			return nil
		}
		return cerr
	}
	return nil
}

// BanChatMember bans a user from the bot's chat.
func (c *Client) BanChatMember(ctx context.Context, token string, chatID, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := c.bot(token)
	if err != nil {
		return err
	}
	_, err = b.Request(tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// SetWebhook points a bot at our ingress. The request is built by hand
// because the client library predates the secret_token parameter.
func (c *Client) SetWebhook(ctx context.Context, token, whURL, secret string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := url.ParseRequestURI(whURL); err != nil {
		return faults.New(faults.KindValidation, err)
	}
	b, err := c.bot(token)
	if err != nil {
		return err
	}
	params := tgbotapi.Params{"url": whURL}
	if secret != "" {
		params["secret_token"] = secret
	}
	if _, err := b.MakeRequest("setWebhook", params); err != nil {
		return classify(err)
	}
	return nil
}

// DownloadFile fetches a Telegram-hosted file (voice notes for
// transcription) into memory, bounded by maxBytes.
func (c *Client) DownloadFile(ctx context.Context, token, fileID string, maxBytes int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := c.bot(token)
	if err != nil {
		return nil, err
	}
	f, err := b.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, classify(err)
	}
	if int64(f.FileSize) > maxBytes {
		return nil, faults.Validation("file %s is %d bytes, limit %d", fileID, f.FileSize, maxBytes)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.Link(token), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, faults.Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, faults.Transient(fmt.Errorf("file download returned %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, faults.Transient(err)
	}
	if int64(len(data)) > maxBytes {
		return nil, faults.Validation("file %s exceeds %d bytes", fileID, maxBytes)
	}
	return data, nil
}
