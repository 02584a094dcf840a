package channel

import "onecell/internal/domain"

// Messenger adapts Facebook Messenger through the Graph page API.
type Messenger struct {
	pageAdapter
}

func NewMessenger(cfg PageConfig) *Messenger {
	m := &Messenger{pageAdapter{
		platform:  domain.Messenger,
		authPath:  func(pageID string) string { return pageID },
		sendPath:  func(string) string { return "me/messages" },
		sendExtra: map[string]any{"messaging_type": "RESPONSE"},
		markSeen:  true,
	}}
	m.init(cfg)
	return m
}
