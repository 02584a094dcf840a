package inbox

import (
	"sort"

	"onecell/internal/domain"
)

// platformRank orders platforms for deterministic tie-breaking.
func platformRank(p domain.PlatformID) int {
	for i, q := range domain.AllPlatforms() {
		if p == q {
			return i
		}
	}
	return len(domain.AllPlatforms())
}

// newer reports whether a sorts before b: later timestamp first, then
// platform order, then id.
func newer(a, b domain.Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.Platform != b.Platform {
		return platformRank(a.Platform) < platformRank(b.Platform)
	}
	return a.ID < b.ID
}

// SortMessages sorts msgs newest first in place.
func SortMessages(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return newer(msgs[i], msgs[j]) })
}

// Merge concatenates batches, drops duplicate (platform, id) pairs keeping
// the copy that appears last, and returns the result sorted newest first.
func Merge(batches ...[]domain.Message) []domain.Message {
	index := make(map[domain.MessageKey]int)
	var out []domain.Message
	for _, batch := range batches {
		for _, m := range batch {
			if i, ok := index[m.Key()]; ok {
				out[i] = m
				continue
			}
			index[m.Key()] = len(out)
			out = append(out, m)
		}
	}
	SortMessages(out)
	return out
}
