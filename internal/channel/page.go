package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"onecell/internal/domain"
)

const (
	pageConversationFields = "id,updated_time,participants"
	pageMessageFields      = "id,message,from,to,created_time,attachments"
	// pageRecipientCacheSize bounds the message-to-sender cache used by mark_seen.
	pageRecipientCacheSize = 4096
)

// pageAdapter is the shared implementation behind the Messenger and
// Instagram adapters. Both speak the Graph page-messaging API and differ
// only in a handful of endpoints.
type pageAdapter struct {
	platform domain.PlatformID
	graph    *graphClient
	logger   *slog.Logger

	// conversationPlatform is sent as the platform= filter on conversation listings.
	conversationPlatform string
	// authPath returns the path Authenticate checks.
	authPath func(pageID string) string
	// sendPath returns the path messages are posted to.
	sendPath func(pageID string) string
	// sendExtra is merged into every outbound message body.
	sendExtra map[string]any
	// markSeen enables sender_action mark_seen; otherwise MarkRead is a no-op.
	markSeen bool

	mu          sync.RWMutex
	accessToken string
	pageID      string

	recipMu    sync.Mutex
	recipients map[string]string // message id -> contact id
	recipOrder []string
}

type PageConfig struct {
	GraphAPIBase string
	Client       *http.Client
	Logger       *slog.Logger
}

func (p *pageAdapter) init(cfg PageConfig) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p.graph = newGraphClient(cfg.GraphAPIBase, cfg.Client)
	p.logger = cfg.Logger.With("platform", string(p.platform))
	p.recipients = make(map[string]string)
}

func (p *pageAdapter) Platform() domain.PlatformID { return p.platform }

func (p *pageAdapter) Authenticate(ctx context.Context, cred domain.Credential) error {
	if cred.AccessToken == "" || cred.PageID == "" {
		p.Reset()
		return fmt.Errorf("%w: %s requires accessToken and pageId", domain.ErrAuthentication, p.platform)
	}
	var page struct {
		ID string `json:"id"`
	}
	if err := p.graph.get(ctx, p.authPath(cred.PageID), nil, graphAuth{token: cred.AccessToken}, &page); err != nil {
		p.Reset()
		return fmt.Errorf("%s authenticate: %w", p.platform, err)
	}

	p.mu.Lock()
	p.accessToken = cred.AccessToken
	p.pageID = cred.PageID
	p.mu.Unlock()
	p.logger.Info("page authenticated", "page_id", cred.PageID)
	return nil
}

func (p *pageAdapter) Reset() {
	p.mu.Lock()
	p.accessToken = ""
	p.pageID = ""
	p.mu.Unlock()

	p.recipMu.Lock()
	p.recipients = make(map[string]string)
	p.recipOrder = nil
	p.recipMu.Unlock()
}

func (p *pageAdapter) creds() (token, pageID string, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.accessToken, p.pageID, p.accessToken != ""
}

func (p *pageAdapter) conversations(ctx context.Context, token, pageID string, limit int) ([]pageConversation, error) {
	query := url.Values{
		"fields": {pageConversationFields},
		"limit":  {strconv.Itoa(limit)},
	}
	if p.conversationPlatform != "" {
		query.Set("platform", p.conversationPlatform)
	}
	var resp struct {
		Data []pageConversation `json:"data"`
	}
	if err := p.graph.get(ctx, pageID+"/conversations", query, graphAuth{token: token}, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Pull lists recent conversations, then fetches each conversation's
// messages. A conversation that fails to load is skipped.
func (p *pageAdapter) Pull(ctx context.Context, limit int) []domain.Message {
	token, pageID, ok := p.creds()
	if !ok {
		return nil
	}
	convs, err := p.conversations(ctx, token, pageID, limit)
	if err != nil {
		p.logger.Warn("list conversations failed", "err", err)
		return nil
	}

	var msgs []domain.Message
	for _, conv := range convs {
		if ctx.Err() != nil {
			break
		}
		var resp struct {
			Data []pageMessage `json:"data"`
		}
		query := url.Values{"fields": {pageMessageFields}, "limit": {strconv.Itoa(limit)}}
		if err := p.graph.get(ctx, conv.ID+"/messages", query, graphAuth{token: token}, &resp); err != nil {
			p.logger.Warn("conversation messages failed", "conversation", conv.ID, "err", err)
			continue
		}
		for _, m := range resp.Data {
			msg := m.toMessage(p.platform, pageID)
			p.rememberRecipient(msg.ID, msg.ContactID)
			msgs = append(msgs, msg)
		}
	}

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.After(msgs[j].Timestamp) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs
}

func (p *pageAdapter) Send(ctx context.Context, contactID, content string) (string, error) {
	token, pageID, ok := p.creds()
	if !ok {
		return "", domain.ErrNotAuthenticated
	}
	body := map[string]any{
		"recipient": map[string]string{"id": contactID},
		"message":   map[string]string{"text": content},
	}
	for k, v := range p.sendExtra {
		body[k] = v
	}
	var resp struct {
		RecipientID string `json:"recipient_id"`
		MessageID   string `json:"message_id"`
	}
	if err := p.graph.post(ctx, p.sendPath(pageID), nil, graphAuth{token: token}, body, &resp); err != nil {
		return "", fmt.Errorf("%s send: %w", p.platform, err)
	}
	p.rememberRecipient(resp.MessageID, contactID)
	return resp.MessageID, nil
}

func (p *pageAdapter) ListContacts(ctx context.Context) []domain.Contact {
	token, pageID, ok := p.creds()
	if !ok {
		return nil
	}
	convs, err := p.conversations(ctx, token, pageID, 100)
	if err != nil {
		p.logger.Warn("list contacts failed", "err", err)
		return nil
	}

	contacts := make([]domain.Contact, 0, len(convs))
	for _, conv := range convs {
		for _, part := range conv.Participants.Data {
			if part.ID == "" || part.ID == pageID {
				continue
			}
			c := domain.Contact{
				ID:          part.ID,
				DisplayName: part.Name,
				Platform:    p.platform,
				AvatarRef:   part.ProfilePic,
				LastSeenAt:  parseGraphTime(conv.UpdatedTime),
			}
			if c.DisplayName == "" {
				c.DisplayName = part.Username
			}
			if c.AvatarRef == "" && p.platform == domain.Messenger {
				c.AvatarRef = p.graph.base + "/" + part.ID + "/picture"
			}
			contacts = append(contacts, c)
			break
		}
	}
	return contacts
}

func (p *pageAdapter) MarkRead(ctx context.Context, messageID string) error {
	token, _, ok := p.creds()
	if !ok {
		return domain.ErrNotAuthenticated
	}
	if !p.markSeen {
		return nil
	}
	contactID, err := p.recipientFor(ctx, token, messageID)
	if err != nil {
		return fmt.Errorf("%s mark read: %w", p.platform, err)
	}
	body := map[string]any{
		"recipient":     map[string]string{"id": contactID},
		"sender_action": "mark_seen",
	}
	if err := p.graph.post(ctx, "me/messages", nil, graphAuth{token: token}, body, nil); err != nil {
		return fmt.Errorf("%s mark read: %w", p.platform, err)
	}
	return nil
}

// recipientFor resolves the contact a message belongs to, asking the
// Graph API when the message was not seen by Pull.
func (p *pageAdapter) recipientFor(ctx context.Context, token, messageID string) (string, error) {
	p.recipMu.Lock()
	contactID, ok := p.recipients[messageID]
	p.recipMu.Unlock()
	if ok {
		return contactID, nil
	}

	var m pageMessage
	query := url.Values{"fields": {"id,from"}}
	if err := p.graph.get(ctx, messageID, query, graphAuth{token: token}, &m); err != nil {
		return "", err
	}
	if m.From.ID == "" {
		return "", fmt.Errorf("%w: message %s has no sender", domain.ErrDecode, messageID)
	}
	p.rememberRecipient(messageID, m.From.ID)
	return m.From.ID, nil
}

func (p *pageAdapter) rememberRecipient(messageID, contactID string) {
	if messageID == "" || contactID == "" {
		return
	}
	p.recipMu.Lock()
	defer p.recipMu.Unlock()
	if _, ok := p.recipients[messageID]; !ok {
		p.recipOrder = append(p.recipOrder, messageID)
	}
	p.recipients[messageID] = contactID
	for len(p.recipOrder) > pageRecipientCacheSize {
		delete(p.recipients, p.recipOrder[0])
		p.recipOrder = p.recipOrder[1:]
	}
}

func (p *pageAdapter) NormalizeWebhook(payload []byte) (*domain.Message, error) {
	var wh pageWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("%w: %s webhook: %v", domain.ErrDecode, p.platform, err)
	}
	for _, entry := range wh.Entry {
		for _, ev := range entry.Messaging {
			if ev.Message == nil || ev.Message.Mid == "" {
				continue
			}
			msg := ev.toMessage(p.platform)
			return &msg, nil
		}
	}
	return nil, nil
}

func (p *pageAdapter) DecodeReceipts(payload []byte) ([]domain.Receipt, error) {
	var wh pageWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("%w: %s webhook: %v", domain.ErrDecode, p.platform, err)
	}
	var receipts []domain.Receipt
	for _, entry := range wh.Entry {
		for _, ev := range entry.Messaging {
			contact := ev.Sender.ID
			if d := ev.Delivery; d != nil {
				for _, mid := range d.Mids {
					receipts = append(receipts, domain.Receipt{
						Platform: p.platform, RemoteID: mid, ContactID: contact, Status: domain.StatusDelivered,
					})
				}
				if len(d.Mids) == 0 && d.Watermark > 0 {
					receipts = append(receipts, domain.Receipt{
						Platform: p.platform, ContactID: contact, Status: domain.StatusDelivered,
						Watermark: time.UnixMilli(d.Watermark).UTC(),
					})
				}
			}
			if r := ev.Read; r != nil {
				rc := domain.Receipt{Platform: p.platform, ContactID: contact, Status: domain.StatusRead, RemoteID: r.Mid}
				if r.Watermark > 0 {
					rc.Watermark = time.UnixMilli(r.Watermark).UTC()
				}
				if rc.RemoteID != "" || !rc.Watermark.IsZero() {
					receipts = append(receipts, rc)
				}
			}
		}
	}
	return receipts, nil
}

// --- Graph page payload types ---

type pageConversation struct {
	ID           string `json:"id"`
	UpdatedTime  string `json:"updated_time"`
	Participants struct {
		Data []pageParticipant `json:"data"`
	} `json:"participants"`
}

type pageParticipant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Username   string `json:"username"`
	ProfilePic string `json:"profile_pic"`
}

type pageMessage struct {
	ID          string          `json:"id"`
	Message     string          `json:"message"`
	CreatedTime string          `json:"created_time"`
	From        pageParticipant `json:"from"`
	To          struct {
		Data []pageParticipant `json:"data"`
	} `json:"to"`
	Attachments struct {
		Data []pageAttachment `json:"data"`
	} `json:"attachments"`
}

type pageAttachment struct {
	ID        string `json:"id"`
	MimeType  string `json:"mime_type"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	FileURL   string `json:"file_url"`
	ImageData *struct {
		URL string `json:"url"`
	} `json:"image_data"`
	VideoData *struct {
		URL string `json:"url"`
	} `json:"video_data"`
}

func (m pageMessage) toMessage(platform domain.PlatformID, pageID string) domain.Message {
	msg := domain.Message{
		ID:        m.ID,
		Platform:  platform,
		ContactID: m.From.ID,
		Direction: domain.Inbound,
		Content:   m.Message,
		Type:      domain.TypeText,
		Timestamp: parseGraphTime(m.CreatedTime),
		Status:    domain.StatusDelivered,
	}
	if m.From.ID == pageID {
		msg.Direction = domain.Outbound
		if len(m.To.Data) > 0 {
			msg.ContactID = m.To.Data[0].ID
		}
	}
	for _, a := range m.Attachments.Data {
		att := domain.Attachment{Type: "document", URL: a.FileURL, Name: a.Name, Size: a.Size}
		switch {
		case a.ImageData != nil:
			att.Type, att.URL = "image", a.ImageData.URL
		case a.VideoData != nil:
			att.Type, att.URL = "video", a.VideoData.URL
		case len(a.MimeType) > 6 && a.MimeType[:6] == "audio/":
			att.Type = "audio"
		}
		msg.Attachments = append(msg.Attachments, att)
	}
	if len(msg.Attachments) > 0 {
		msg.Type = domain.TypeMedia
		if msg.Content == "" {
			msg.Content = m.Attachments.Data[0].Name
		}
	}
	if msg.Content == "" {
		msg.Content = "Media message"
	}
	return msg
}

type pageWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string          `json:"id"`
		Time      int64           `json:"time"`
		Messaging []pageMessaging `json:"messaging"`
	} `json:"entry"`
}

type pageMessaging struct {
	Sender    struct{ ID string } `json:"sender"`
	Recipient struct{ ID string } `json:"recipient"`
	Timestamp int64               `json:"timestamp"`
	Message   *struct {
		Mid         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Delivery *struct {
		Mids      []string `json:"mids"`
		Watermark int64    `json:"watermark"`
	} `json:"delivery"`
	Read *struct {
		Mid       string `json:"mid"`
		Watermark int64  `json:"watermark"`
	} `json:"read"`
}

func (ev pageMessaging) toMessage(platform domain.PlatformID) domain.Message {
	m := ev.Message
	msg := domain.Message{
		ID:        m.Mid,
		Platform:  platform,
		ContactID: ev.Sender.ID,
		Direction: domain.Inbound,
		Content:   m.Text,
		Type:      domain.TypeText,
		Timestamp: time.UnixMilli(ev.Timestamp).UTC(),
		Status:    domain.StatusDelivered,
	}
	if m.IsEcho {
		msg.Direction = domain.Outbound
		msg.ContactID = ev.Recipient.ID
	}
	for _, a := range m.Attachments {
		kind := a.Type
		msgType := domain.TypeMedia
		switch a.Type {
		case "audio":
			msgType = domain.TypeVoice
		case "file":
			kind, msgType = "document", domain.TypeFile
		}
		msg.Attachments = append(msg.Attachments, domain.Attachment{Type: kind, URL: a.Payload.URL})
		if msg.Type == domain.TypeText {
			msg.Type = msgType
		}
	}
	if msg.Content == "" {
		msg.Content = "Media message"
	}
	return msg
}
