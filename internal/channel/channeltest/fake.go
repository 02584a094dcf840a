// Package channeltest provides a scriptable in-memory adapter for tests.
package channeltest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"onecell/internal/domain"
)

// FakeAdapter implements domain.Adapter. Fields may be set before use;
// hooks override the canned behaviour when non-nil.
type FakeAdapter struct {
	ID domain.PlatformID

	AuthErr  error
	Messages []domain.Message
	Contacts []domain.Contact
	SendErr  error
	ReadErr  error

	PullFunc func(ctx context.Context, limit int) []domain.Message
	SendFunc func(ctx context.Context, contactID, content string) (string, error)

	mu        sync.Mutex
	authed    bool
	authCalls int
	pulls     int
	sends     []string
	reads     []string
	resets    int
}

func New(id domain.PlatformID) *FakeAdapter {
	return &FakeAdapter{ID: id}
}

func (f *FakeAdapter) Platform() domain.PlatformID { return f.ID }

func (f *FakeAdapter) Authenticate(_ context.Context, cred domain.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if f.AuthErr != nil {
		f.authed = false
		return f.AuthErr
	}
	if cred.IsZero() {
		f.authed = false
		return fmt.Errorf("%w: empty credential", domain.ErrAuthentication)
	}
	f.authed = true
	return nil
}

func (f *FakeAdapter) Pull(ctx context.Context, limit int) []domain.Message {
	f.mu.Lock()
	f.pulls++
	authed := f.authed
	hook := f.PullFunc
	msgs := append([]domain.Message(nil), f.Messages...)
	f.mu.Unlock()
	if !authed {
		return nil
	}
	if hook != nil {
		return hook(ctx, limit)
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs
}

func (f *FakeAdapter) Send(ctx context.Context, contactID, content string) (string, error) {
	f.mu.Lock()
	authed := f.authed
	hook := f.SendFunc
	f.sends = append(f.sends, contactID+":"+content)
	n := len(f.sends)
	err := f.SendErr
	f.mu.Unlock()
	if !authed {
		return "", domain.ErrNotAuthenticated
	}
	if hook != nil {
		return hook(ctx, contactID, content)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("remote-%d", n), nil
}

func (f *FakeAdapter) ListContacts(context.Context) []domain.Contact {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.authed {
		return nil
	}
	return append([]domain.Contact(nil), f.Contacts...)
}

func (f *FakeAdapter) MarkRead(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.authed {
		return domain.ErrNotAuthenticated
	}
	f.reads = append(f.reads, messageID)
	return f.ReadErr
}

// NormalizeWebhook decodes a JSON-encoded domain.Message; an empty
// object means no message.
func (f *FakeAdapter) NormalizeWebhook(payload []byte) (*domain.Message, error) {
	var w struct {
		Message  *domain.Message  `json:"message"`
		Receipts []domain.Receipt `json:"receipts"`
	}
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	if w.Message == nil {
		return nil, nil
	}
	w.Message.Platform = f.ID
	return w.Message, nil
}

func (f *FakeAdapter) DecodeReceipts(payload []byte) ([]domain.Receipt, error) {
	var w struct {
		Receipts []domain.Receipt `json:"receipts"`
	}
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	for i := range w.Receipts {
		w.Receipts[i].Platform = f.ID
	}
	return w.Receipts, nil
}

func (f *FakeAdapter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authed = false
	f.resets++
}

func (f *FakeAdapter) Authed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authed
}

func (f *FakeAdapter) AuthCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls
}

func (f *FakeAdapter) Pulls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

func (f *FakeAdapter) Sends() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

func (f *FakeAdapter) Reads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reads...)
}

func (f *FakeAdapter) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

// SetMessages replaces the canned pull result.
func (f *FakeAdapter) SetMessages(msgs ...domain.Message) {
	f.mu.Lock()
	f.Messages = msgs
	f.mu.Unlock()
}
