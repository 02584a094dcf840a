package inbox

import (
	"sync"

	"onecell/internal/domain"
)

// DefaultSeenCapacity bounds the process-lifetime seen set.
const DefaultSeenCapacity = 100_000

// SeenSet remembers message keys already emitted to subscribers. When full,
// the oldest key is forgotten first.
type SeenSet struct {
	mu       sync.Mutex
	capacity int
	keys     map[domain.MessageKey]struct{}
	order    []domain.MessageKey
	head     int
}

func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	return &SeenSet{capacity: capacity, keys: make(map[domain.MessageKey]struct{})}
}

// Add records key and reports whether it was new.
func (s *SeenSet) Add(key domain.MessageKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(key)
}

func (s *SeenSet) addLocked(key domain.MessageKey) bool {
	if _, ok := s.keys[key]; ok {
		return false
	}
	if len(s.order) < s.capacity {
		s.order = append(s.order, key)
	} else {
		delete(s.keys, s.order[s.head])
		s.order[s.head] = key
		s.head = (s.head + 1) % s.capacity
	}
	s.keys[key] = struct{}{}
	return true
}

func (s *SeenSet) Contains(key domain.MessageKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// Filter returns the messages not seen before, in order, and marks them seen.
func (s *SeenSet) Filter(msgs []domain.Message) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fresh []domain.Message
	for _, m := range msgs {
		if s.addLocked(m.Key()) {
			fresh = append(fresh, m)
		}
	}
	return fresh
}

func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
