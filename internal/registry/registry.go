// Package registry holds the fixed set of platform adapters and their
// authentication lifecycle, persisting credentials through a CredentialStore.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"onecell/internal/domain"
	"onecell/internal/metrics"
)

// Registry maps each platform to its adapter. The adapter set is fixed at
// construction; only authentication state changes afterwards.
type Registry struct {
	adapters map[domain.PlatformID]domain.Adapter
	store    domain.CredentialStore
	logger   *slog.Logger

	mu            sync.RWMutex
	authenticated map[domain.PlatformID]bool

	// locks serialises authenticate/disconnect per platform, covering both
	// in-memory state and persistence.
	locks map[domain.PlatformID]*sync.Mutex
}

type Config struct {
	Adapters []domain.Adapter
	Store    domain.CredentialStore
	Logger   *slog.Logger
}

func New(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errors.New("registry: credential store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{
		adapters:      make(map[domain.PlatformID]domain.Adapter, len(cfg.Adapters)),
		store:         cfg.Store,
		logger:        cfg.Logger,
		authenticated: make(map[domain.PlatformID]bool),
		locks:         make(map[domain.PlatformID]*sync.Mutex),
	}
	for _, a := range cfg.Adapters {
		id := a.Platform()
		if _, dup := r.adapters[id]; dup {
			return nil, fmt.Errorf("registry: duplicate adapter for %s", id)
		}
		r.adapters[id] = a
		r.locks[id] = &sync.Mutex{}
	}
	return r, nil
}

// Platforms returns every configured platform in canonical order.
func (r *Registry) Platforms() []domain.PlatformID {
	var out []domain.PlatformID
	for _, p := range domain.AllPlatforms() {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Adapter returns the adapter for id regardless of authentication state.
func (r *Registry) Adapter(id domain.PlatformID) (domain.Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// Authenticated returns the adapter for id only if it is authenticated.
func (r *Registry) Authenticated(id domain.PlatformID) (domain.Adapter, bool) {
	if !r.IsAuthenticated(id) {
		return nil, false
	}
	return r.Adapter(id)
}

// AuthenticatedAdapters returns the authenticated adapters in canonical order.
func (r *Registry) AuthenticatedAdapters() []domain.Adapter {
	var out []domain.Adapter
	for _, p := range r.AuthenticatedPlatforms() {
		out = append(out, r.adapters[p])
	}
	return out
}

func (r *Registry) IsAuthenticated(id domain.PlatformID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.authenticated[id]
}

func (r *Registry) AuthenticatedPlatforms() []domain.PlatformID {
	r.mu.RLock()
	out := make([]domain.PlatformID, 0, len(r.authenticated))
	for p, ok := range r.authenticated {
		if ok {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()
	order := make(map[domain.PlatformID]int)
	for i, p := range domain.AllPlatforms() {
		order[p] = i
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i]] < order[out[j]] })
	return out
}

func (r *Registry) setAuthenticated(id domain.PlatformID, ok bool) {
	r.mu.Lock()
	if ok {
		r.authenticated[id] = true
	} else {
		delete(r.authenticated, id)
	}
	n := len(r.authenticated)
	r.mu.Unlock()
	metrics.AuthenticatedPlatforms.Set(int64(n))
}

// AuthenticatePlatform validates cred with the platform and, on success,
// marks it authenticated and persists the credential. On failure the
// platform is left unauthenticated and nothing is persisted.
func (r *Registry) AuthenticatePlatform(ctx context.Context, id domain.PlatformID, cred domain.Credential) error {
	a, ok := r.adapters[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownPlatform, id)
	}
	lock := r.locks[id]
	lock.Lock()
	defer lock.Unlock()
	return r.authenticateLocked(ctx, a, cred)
}

func (r *Registry) authenticateLocked(ctx context.Context, a domain.Adapter, cred domain.Credential) error {
	id := a.Platform()
	if err := a.Authenticate(ctx, cred); err != nil {
		r.setAuthenticated(id, false)
		r.logger.Warn("authentication failed", "platform", id, "err", err)
		return err
	}
	if err := r.store.Set(ctx, id, cred); err != nil {
		// The live session works; only persistence failed.
		r.logger.Error("persist credential failed", "platform", id, "err", err)
	}
	r.setAuthenticated(id, true)
	r.logger.Info("platform authenticated", "platform", id)
	return nil
}

// LoadSavedAuthentications replays every persisted credential. Credentials
// that cannot be decoded or are rejected by the platform are deleted;
// transient failures leave them in place for the next start. It returns
// the platforms that authenticated.
func (r *Registry) LoadSavedAuthentications(ctx context.Context) []domain.PlatformID {
	var restored []domain.PlatformID
	for _, id := range r.Platforms() {
		if r.restore(ctx, id) {
			restored = append(restored, id)
		}
	}
	return restored
}

func (r *Registry) restore(ctx context.Context, id domain.PlatformID) bool {
	lock := r.locks[id]
	lock.Lock()
	defer lock.Unlock()

	cred, found, err := r.store.Get(ctx, id)
	switch {
	case errors.Is(err, domain.ErrDecode):
		r.logger.Warn("discarding unreadable saved credential", "platform", id, "err", err)
		r.deleteCredential(ctx, id)
		return false
	case err != nil:
		r.logger.Error("load saved credential failed", "platform", id, "err", err)
		return false
	case !found:
		return false
	}

	if err := r.authenticateLocked(ctx, r.adapters[id], cred); err != nil {
		if errors.Is(err, domain.ErrAuthentication) {
			r.logger.Warn("discarding rejected saved credential", "platform", id)
			r.deleteCredential(ctx, id)
		}
		return false
	}
	return true
}

// DisconnectPlatform clears authentication, resets the adapter and removes
// the persisted credential. Disconnecting an unauthenticated platform is a no-op.
func (r *Registry) DisconnectPlatform(ctx context.Context, id domain.PlatformID) error {
	a, ok := r.adapters[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownPlatform, id)
	}
	lock := r.locks[id]
	lock.Lock()
	defer lock.Unlock()

	r.setAuthenticated(id, false)
	a.Reset()
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("disconnect %s: %w", id, err)
	}
	r.logger.Info("platform disconnected", "platform", id)
	return nil
}

func (r *Registry) deleteCredential(ctx context.Context, id domain.PlatformID) {
	if err := r.store.Delete(ctx, id); err != nil {
		r.logger.Error("delete saved credential failed", "platform", id, "err", err)
	}
}
