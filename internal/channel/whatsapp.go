package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"onecell/internal/domain"
)

// WhatsApp adapts the WhatsApp Business Cloud API.
type WhatsApp struct {
	graph  *graphClient
	logger *slog.Logger

	mu            sync.RWMutex
	accessToken   string
	phoneNumberID string
}

type WhatsAppConfig struct {
	GraphAPIBase string
	Client       *http.Client
	Logger       *slog.Logger
}

func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WhatsApp{
		graph:  newGraphClient(cfg.GraphAPIBase, cfg.Client),
		logger: cfg.Logger,
	}
}

func (w *WhatsApp) Platform() domain.PlatformID { return domain.WhatsApp }

func (w *WhatsApp) Authenticate(ctx context.Context, cred domain.Credential) error {
	if cred.AccessToken == "" || cred.PhoneNumberID == "" {
		w.Reset()
		return fmt.Errorf("%w: whatsapp requires accessToken and phoneNumberId", domain.ErrAuthentication)
	}
	var phone struct {
		ID string `json:"id"`
	}
	if err := w.graph.get(ctx, cred.PhoneNumberID, nil, graphAuth{bearer: cred.AccessToken}, &phone); err != nil {
		w.Reset()
		return fmt.Errorf("whatsapp authenticate: %w", err)
	}

	w.mu.Lock()
	w.accessToken = cred.AccessToken
	w.phoneNumberID = cred.PhoneNumberID
	w.mu.Unlock()
	w.logger.Info("whatsapp authenticated", "phone_number_id", cred.PhoneNumberID)
	return nil
}

func (w *WhatsApp) Reset() {
	w.mu.Lock()
	w.accessToken = ""
	w.phoneNumberID = ""
	w.mu.Unlock()
}

func (w *WhatsApp) creds() (token, phoneID string, ok bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.accessToken, w.phoneNumberID, w.accessToken != ""
}

func (w *WhatsApp) Pull(ctx context.Context, limit int) []domain.Message {
	token, phoneID, ok := w.creds()
	if !ok {
		return nil
	}
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	var resp struct {
		Data []waMessage `json:"data"`
	}
	if err := w.graph.get(ctx, phoneID+"/messages", query, graphAuth{bearer: token}, &resp); err != nil {
		w.logger.Warn("whatsapp pull failed", "err", err)
		return nil
	}

	msgs := make([]domain.Message, 0, len(resp.Data))
	for _, m := range resp.Data {
		msg := m.toMessage(phoneID)
		if st, ok := domain.ParseDeliveryStatus(m.Status); ok {
			msg.Status = st
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (w *WhatsApp) Send(ctx context.Context, contactID, content string) (string, error) {
	token, phoneID, ok := w.creds()
	if !ok {
		return "", domain.ErrNotAuthenticated
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                contactID,
		"type":              "text",
		"text":              map[string]string{"body": content},
	}
	var resp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := w.graph.post(ctx, phoneID+"/messages", nil, graphAuth{bearer: token}, payload, &resp); err != nil {
		return "", fmt.Errorf("whatsapp send: %w", err)
	}
	if len(resp.Messages) == 0 {
		return "", nil
	}
	return resp.Messages[0].ID, nil
}

// ListContacts returns nothing: the Cloud API has no contact listing.
func (w *WhatsApp) ListContacts(context.Context) []domain.Contact { return nil }

func (w *WhatsApp) MarkRead(ctx context.Context, messageID string) error {
	token, phoneID, ok := w.creds()
	if !ok {
		return domain.ErrNotAuthenticated
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	if err := w.graph.post(ctx, phoneID+"/messages", nil, graphAuth{bearer: token}, payload, nil); err != nil {
		return fmt.Errorf("whatsapp mark read: %w", err)
	}
	return nil
}

func (w *WhatsApp) NormalizeWebhook(payload []byte) (*domain.Message, error) {
	var p waPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: whatsapp webhook: %v", domain.ErrDecode, err)
	}
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				msg := m.toMessage(change.Value.Metadata.PhoneNumberID)
				msg.Status = domain.StatusDelivered
				return &msg, nil
			}
		}
	}
	return nil, nil
}

func (w *WhatsApp) DecodeReceipts(payload []byte) ([]domain.Receipt, error) {
	var p waPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: whatsapp webhook: %v", domain.ErrDecode, err)
	}
	var receipts []domain.Receipt
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			for _, s := range change.Value.Statuses {
				status, ok := domain.ParseDeliveryStatus(s.Status)
				if !ok || status == domain.StatusSent {
					continue
				}
				receipts = append(receipts, domain.Receipt{
					Platform:  domain.WhatsApp,
					RemoteID:  s.ID,
					ContactID: s.RecipientID,
					Status:    status,
				})
			}
		}
	}
	return receipts, nil
}

// --- WhatsApp payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Messages []waMessage `json:"messages"`
	Statuses []waStatus  `json:"statuses"`
}

type waMessage struct {
	ID        string   `json:"id"`
	From      string   `json:"from"`
	To        string   `json:"to,omitempty"`
	Timestamp unixTime `json:"timestamp"`
	Type      string   `json:"type"`
	Status    string   `json:"status,omitempty"`
	Text      *waText  `json:"text,omitempty"`
	Image     *waMedia `json:"image,omitempty"`
	Video     *waMedia `json:"video,omitempty"`
	Audio     *waMedia `json:"audio,omitempty"`
	Voice     *waMedia `json:"voice,omitempty"`
	Document  *waMedia `json:"document,omitempty"`
	Sticker   *waMedia `json:"sticker,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID       string `json:"id"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Link     string `json:"link,omitempty"`
}

type waStatus struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	RecipientID string   `json:"recipient_id"`
	Timestamp   unixTime `json:"timestamp"`
}

// toMessage converts m; ownID identifies the business number so that
// messages it sent are marked outbound.
func (m waMessage) toMessage(ownID string) domain.Message {
	msg := domain.Message{
		ID:        m.ID,
		Platform:  domain.WhatsApp,
		ContactID: m.From,
		Direction: domain.Inbound,
		Content:   "Media message",
		Type:      domain.TypeText,
		Timestamp: m.Timestamp.Time(),
		Status:    domain.StatusDelivered,
	}
	if ownID != "" && m.From == ownID {
		msg.Direction = domain.Outbound
		if m.To != "" {
			msg.ContactID = m.To
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	var media *waMedia
	attachType := ""
	switch m.Type {
	case "image", "sticker":
		msg.Type, attachType = domain.TypeMedia, "image"
		media = m.Image
		if media == nil {
			media = m.Sticker
		}
	case "video":
		msg.Type, media, attachType = domain.TypeMedia, m.Video, "video"
	case "document":
		msg.Type, media, attachType = domain.TypeFile, m.Document, "document"
	case "audio", "voice":
		msg.Type, attachType = domain.TypeVoice, "audio"
		media = m.Audio
		if media == nil {
			media = m.Voice
		}
	}

	switch {
	case m.Text != nil && m.Text.Body != "":
		msg.Content = m.Text.Body
	case media != nil && media.Caption != "":
		msg.Content = media.Caption
	case media != nil && media.Filename != "":
		msg.Content = media.Filename
	}
	if media != nil {
		ref := media.Link
		if ref == "" && media.ID != "" {
			ref = "whatsapp-media:" + media.ID
		}
		msg.Attachments = []domain.Attachment{{Type: attachType, URL: ref, Name: media.Filename}}
	}
	return msg
}
