package domain

import "context"

// Credential carries the platform-specific secrets an adapter needs.
// Fields unused by a platform stay empty.
type Credential struct {
	AccessToken   string `json:"accessToken,omitempty" yaml:"accessToken,omitempty"`
	BotToken      string `json:"botToken,omitempty" yaml:"botToken,omitempty"`
	PhoneNumberID string `json:"phoneNumberId,omitempty" yaml:"phoneNumberId,omitempty"`
	PageID        string `json:"pageId,omitempty" yaml:"pageId,omitempty"`
	AppID         string `json:"appId,omitempty" yaml:"appId,omitempty"`
	AppSecret     string `json:"appSecret,omitempty" yaml:"appSecret,omitempty"`
	WebhookURL    string `json:"webhookUrl,omitempty" yaml:"webhookUrl,omitempty"`
}

// IsZero reports whether no field is set.
func (c Credential) IsZero() bool { return c == Credential{} }

// CredentialStore persists credentials keyed by platform.
// Get returns an error wrapping ErrDecode when stored bytes cannot be decoded.
type CredentialStore interface {
	Get(ctx context.Context, platform PlatformID) (Credential, bool, error)
	Set(ctx context.Context, platform PlatformID, cred Credential) error
	Delete(ctx context.Context, platform PlatformID) error
	Close() error
}
