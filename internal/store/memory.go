package store

import (
	"context"
	"sync"

	"onecell/internal/domain"
)

// MemoryStore keeps encoded credentials in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[domain.PlatformID][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[domain.PlatformID][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, platform domain.PlatformID) (domain.Credential, bool, error) {
	s.mu.RLock()
	data, ok := s.items[platform]
	s.mu.RUnlock()
	if !ok {
		return domain.Credential{}, false, nil
	}
	cred, err := decodeCredential(platform, data)
	if err != nil {
		return domain.Credential{}, true, err
	}
	return cred, true, nil
}

func (s *MemoryStore) Set(_ context.Context, platform domain.PlatformID, cred domain.Credential) error {
	data, err := encodeCredential(cred)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.items[platform] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, platform domain.PlatformID) error {
	s.mu.Lock()
	delete(s.items, platform)
	s.mu.Unlock()
	return nil
}

// SetRaw stores bytes verbatim, bypassing encoding.
func (s *MemoryStore) SetRaw(platform domain.PlatformID, data []byte) {
	s.mu.Lock()
	s.items[platform] = append([]byte(nil), data...)
	s.mu.Unlock()
}

func (s *MemoryStore) Close() error { return nil }
