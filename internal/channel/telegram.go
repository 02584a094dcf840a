package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"onecell/internal/domain"
)

// Telegram adapts the Telegram Bot API. Pulls use getUpdates with a
// monotonically advancing offset cursor.
type Telegram struct {
	endpoint    string
	secretToken string
	client      *http.Client
	logger      *slog.Logger

	mu  sync.RWMutex
	bot *tgbotapi.BotAPI

	pullMu sync.Mutex
	offset atomic.Int64
}

type TelegramConfig struct {
	// APIEndpoint is a format string taking the token and the method,
	// e.g. tgbotapi.APIEndpoint.
	APIEndpoint string
	// SecretToken is sent with setWebhook; Telegram echoes it in the
	// X-Telegram-Bot-Api-Secret-Token header of every push.
	SecretToken string
	Client      *http.Client
	Logger      *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		endpoint:    cfg.APIEndpoint,
		secretToken: cfg.SecretToken,
		client:      cfg.Client,
		logger:      cfg.Logger,
	}
}

func (t *Telegram) Platform() domain.PlatformID { return domain.Telegram }

// Authenticate validates the bot token with getMe.
func (t *Telegram) Authenticate(ctx context.Context, cred domain.Credential) error {
	if cred.BotToken == "" {
		t.Reset()
		return fmt.Errorf("%w: telegram requires botToken", domain.ErrAuthentication)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cred.BotToken, t.endpoint, t.client)
	if err != nil {
		t.Reset()
		return fmt.Errorf("telegram authenticate: %w", classifyTelegramError(err))
	}

	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
	t.logger.Info("telegram authenticated", "username", bot.Self.UserName, "id", bot.Self.ID)
	return nil
}

func (t *Telegram) Reset() {
	t.mu.Lock()
	t.bot = nil
	t.mu.Unlock()
	t.offset.Store(0)
}

func (t *Telegram) api() *tgbotapi.BotAPI {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bot
}

// Offset returns the next update id getUpdates will request.
func (t *Telegram) Offset() int64 { return t.offset.Load() }

func (t *Telegram) Pull(ctx context.Context, limit int) []domain.Message {
	bot := t.api()
	if bot == nil {
		return nil
	}

	t.pullMu.Lock()
	defer t.pullMu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	offset := t.offset.Load()
	updates, err := bot.GetUpdates(tgbotapi.UpdateConfig{Offset: int(offset), Limit: limit})
	if err != nil {
		t.logger.Warn("telegram pull failed", "err", classifyTelegramError(err))
		return nil
	}

	next := offset
	msgs := make([]domain.Message, 0, len(updates))
	for _, u := range updates {
		id := int64(u.UpdateID)
		if id < offset {
			continue
		}
		if id+1 > next {
			next = id + 1
		}
		if msg, ok := telegramUpdateMessage(u); ok {
			msgs = append(msgs, msg)
		}
	}
	t.offset.Store(next)
	return msgs
}

func (t *Telegram) Send(ctx context.Context, contactID, content string) (string, error) {
	bot := t.api()
	if bot == nil {
		return "", domain.ErrNotAuthenticated
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
	}

	var cfg tgbotapi.MessageConfig
	if chatID, err := strconv.ParseInt(contactID, 10, 64); err == nil {
		cfg = tgbotapi.NewMessage(chatID, content)
	} else if strings.HasPrefix(contactID, "@") {
		cfg = tgbotapi.NewMessageToChannel(contactID, content)
	} else {
		return "", fmt.Errorf("telegram send: invalid chat id %q", contactID)
	}

	sent, err := bot.Send(cfg)
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", classifyTelegramError(err))
	}
	return telegramMessageID(sent.Chat, sent.MessageID), nil
}

// ListContacts returns nothing: bots cannot enumerate their chats.
func (t *Telegram) ListContacts(context.Context) []domain.Contact { return nil }

// MarkRead is a no-op: the Bot API has no read receipts.
func (t *Telegram) MarkRead(context.Context, string) error {
	if t.api() == nil {
		return domain.ErrNotAuthenticated
	}
	return nil
}

func (t *Telegram) NormalizeWebhook(payload []byte) (*domain.Message, error) {
	var u tgbotapi.Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return nil, fmt.Errorf("%w: telegram update: %v", domain.ErrDecode, err)
	}
	msg, ok := telegramUpdateMessage(u)
	if !ok {
		return nil, nil
	}
	return &msg, nil
}

// RegisterWebhook points the bot's push delivery at url.
func (t *Telegram) RegisterWebhook(ctx context.Context, url string) error {
	bot := t.api()
	if bot == nil {
		return domain.ErrNotAuthenticated
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("telegram webhook url: %w", err)
	}
	// WebhookConfig has no secret_token field, so the form is built here.
	params := tgbotapi.Params{"url": wh.URL.String()}
	if err := params.AddInterface("allowed_updates", []string{"message", "edited_message"}); err != nil {
		return fmt.Errorf("telegram webhook params: %w", err)
	}
	params.AddNonEmpty("secret_token", t.secretToken)
	if _, err := bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("telegram set webhook: %w", classifyTelegramError(err))
	}
	t.logger.Info("telegram webhook registered", "url", url)
	return nil
}

// telegramMessageID scopes message ids by chat: Telegram numbers messages
// per chat, so the bare id collides across conversations.
func telegramMessageID(chat *tgbotapi.Chat, messageID int) string {
	if chat == nil {
		return strconv.Itoa(messageID)
	}
	return strconv.FormatInt(chat.ID, 10) + ":" + strconv.Itoa(messageID)
}

func telegramUpdateMessage(u tgbotapi.Update) (domain.Message, bool) {
	m := u.Message
	if m == nil {
		m = u.EditedMessage
	}
	if m == nil {
		return domain.Message{}, false
	}

	msg := domain.Message{
		ID:        telegramMessageID(m.Chat, m.MessageID),
		Platform:  domain.Telegram,
		Direction: domain.Inbound,
		Type:      domain.TypeText,
		Timestamp: time.Unix(int64(m.Date), 0).UTC(),
		Status:    domain.StatusDelivered,
	}
	switch {
	case m.Chat != nil:
		msg.ContactID = strconv.FormatInt(m.Chat.ID, 10)
	case m.From != nil:
		msg.ContactID = strconv.FormatInt(m.From.ID, 10)
	}
	if m.From != nil && m.From.IsBot {
		msg.Direction = domain.Outbound
	}

	switch {
	case m.Voice != nil:
		msg.Type = domain.TypeVoice
		msg.Attachments = []domain.Attachment{{Type: "audio", URL: "telegram-file:" + m.Voice.FileID, Size: int64(m.Voice.FileSize)}}
	case m.Audio != nil:
		msg.Type = domain.TypeVoice
		msg.Attachments = []domain.Attachment{{Type: "audio", URL: "telegram-file:" + m.Audio.FileID, Name: m.Audio.FileName, Size: int64(m.Audio.FileSize)}}
	case m.Document != nil:
		msg.Type = domain.TypeFile
		msg.Attachments = []domain.Attachment{{Type: "document", URL: "telegram-file:" + m.Document.FileID, Name: m.Document.FileName, Size: int64(m.Document.FileSize)}}
	case len(m.Photo) > 0:
		p := m.Photo[len(m.Photo)-1]
		msg.Type = domain.TypeMedia
		msg.Attachments = []domain.Attachment{{Type: "image", URL: "telegram-file:" + p.FileID, Size: int64(p.FileSize)}}
	case m.Video != nil:
		msg.Type = domain.TypeMedia
		msg.Attachments = []domain.Attachment{{Type: "video", URL: "telegram-file:" + m.Video.FileID, Name: m.Video.FileName, Size: int64(m.Video.FileSize)}}
	case m.Sticker != nil:
		msg.Type = domain.TypeMedia
	}

	switch {
	case m.Text != "":
		msg.Content = m.Text
	case m.Caption != "":
		msg.Content = m.Caption
	default:
		msg.Content = "Media message"
	}
	return msg, true
}

// classifyTelegramError maps Bot API failures onto the domain error taxonomy.
func classifyTelegramError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %s", domain.ErrAuthentication, apiErr.Message)
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500:
			return fmt.Errorf("%w: %s", domain.ErrTransientNetwork, apiErr.Message)
		}
		return err
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
}
