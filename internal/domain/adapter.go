package domain

import "context"

// Adapter translates one platform's API into canonical types.
// Every method other than Authenticate yields an empty result or
// ErrNotAuthenticated until Authenticate has succeeded.
type Adapter interface {
	Platform() PlatformID
	// Authenticate validates cred against the platform. Rejection wraps
	// ErrAuthentication; network trouble wraps ErrTransientNetwork.
	Authenticate(ctx context.Context, cred Credential) error
	// Pull fetches up to limit recent messages. Failures are logged and yield nil.
	Pull(ctx context.Context, limit int) []Message
	// Send delivers content and returns the platform's message id when known.
	Send(ctx context.Context, contactID, content string) (string, error)
	ListContacts(ctx context.Context) []Contact
	MarkRead(ctx context.Context, messageID string) error
	// NormalizeWebhook decodes a push payload. (nil, nil) means the payload
	// carried no message; malformed input wraps ErrDecode.
	NormalizeWebhook(payload []byte) (*Message, error)
	// Reset drops any credential state.
	Reset()
}

// ReceiptDecoder is implemented by adapters whose push payloads carry
// delivery or read receipts.
type ReceiptDecoder interface {
	DecodeReceipts(payload []byte) ([]Receipt, error)
}

// WebhookRegistrar is implemented by adapters that register their push
// endpoint through the platform API.
type WebhookRegistrar interface {
	RegisterWebhook(ctx context.Context, url string) error
}
