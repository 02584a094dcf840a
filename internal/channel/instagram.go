package channel

import "onecell/internal/domain"

// Instagram adapts Instagram Messaging through the Graph page API.
// Read state cannot be pushed, so MarkRead always succeeds without a call.
type Instagram struct {
	pageAdapter
}

func NewInstagram(cfg PageConfig) *Instagram {
	ig := &Instagram{pageAdapter{
		platform:             domain.Instagram,
		conversationPlatform: "instagram",
		authPath:             func(string) string { return "me" },
		sendPath:             func(pageID string) string { return pageID + "/messages" },
	}}
	ig.init(cfg)
	return ig
}
