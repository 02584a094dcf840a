// Package inbox merges messages from every authenticated platform into one
// ordered view and projects per-contact inbox entries with unread counts.
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"onecell/internal/domain"
	"onecell/internal/metrics"
)

const (
	DefaultPullTimeout = 10 * time.Second
	DefaultMaxMessages = 5000
)

// Source yields the adapters to aggregate over.
type Source interface {
	AuthenticatedAdapters() []domain.Adapter
	Authenticated(id domain.PlatformID) (domain.Adapter, bool)
}

// Entry is one row of the unified inbox: a contact and its latest message.
type Entry struct {
	Contact     domain.Contact `json:"contact"`
	LastMessage domain.Message `json:"lastMessage"`
	UnreadCount int            `json:"unreadCount"`
}

type Config struct {
	Source      Source
	PullTimeout time.Duration
	MaxMessages int
	Logger      *slog.Logger
}

// Aggregator fetches from adapters concurrently and retains a bounded set
// of messages from which the inbox projection is computed.
type Aggregator struct {
	source      Source
	pullTimeout time.Duration
	maxMessages int
	logger      *slog.Logger

	mu       sync.RWMutex
	messages map[domain.MessageKey]domain.Message
	contacts map[domain.ContactKey]domain.Contact
	markers  map[domain.ContactKey]time.Time // read up to and including

	// A message we sent is retained under its local id. The platform hands
	// it back under its own id, which aliases points at the local key.
	aliases map[domain.MessageKey]domain.MessageKey // remote -> local
	aliasOf map[domain.MessageKey]domain.MessageKey // local -> remote
}

func NewAggregator(cfg Config) *Aggregator {
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = DefaultPullTimeout
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Aggregator{
		source:      cfg.Source,
		pullTimeout: cfg.PullTimeout,
		maxMessages: cfg.MaxMessages,
		logger:      cfg.Logger,
		messages:    make(map[domain.MessageKey]domain.Message),
		contacts:    make(map[domain.ContactKey]domain.Contact),
		markers:     make(map[domain.ContactKey]time.Time),
		aliases:     make(map[domain.MessageKey]domain.MessageKey),
		aliasOf:     make(map[domain.MessageKey]domain.MessageKey),
	}
}

// isolate runs fn for one adapter under its own deadline. A panic or a
// missed deadline yields the zero value; fn may keep running in the
// background but its result is discarded.
func isolate[T any](ctx context.Context, timeout time.Duration, logger *slog.Logger, platform domain.PlatformID, op string, fn func(context.Context) T) (T, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		done <- result{v: fn(ctx)}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil {
			logger.Error("adapter call failed", "platform", platform, "op", op, "err", r.err)
			return zero, false
		}
		return r.v, true
	case <-ctx.Done():
		logger.Warn("adapter call abandoned", "platform", platform, "op", op, "err", ctx.Err())
		return zero, false
	}
}

func (a *Aggregator) pull(ctx context.Context, ad domain.Adapter, limit int) []domain.Message {
	p := string(ad.Platform())
	metrics.PullsTotal(p).Inc()
	start := time.Now()
	msgs, ok := isolate(ctx, a.pullTimeout, a.logger, ad.Platform(), "pull", func(ctx context.Context) []domain.Message {
		return ad.Pull(ctx, limit)
	})
	metrics.PullLatency(p).Observe(time.Since(start).Seconds())
	if !ok {
		metrics.PullFailures(p).Inc()
	}
	return msgs
}

// GetAllMessages pulls up to limit messages from every authenticated
// platform concurrently and returns them merged, deduplicated and sorted
// newest first. A failing or slow platform contributes nothing.
func (a *Aggregator) GetAllMessages(ctx context.Context, limit int) []domain.Message {
	adapters := a.source.AuthenticatedAdapters()
	results := make([][]domain.Message, len(adapters))

	var g errgroup.Group
	for i, ad := range adapters {
		g.Go(func() error {
			results[i] = a.pull(ctx, ad, limit)
			return nil
		})
	}
	g.Wait()

	return a.record(Merge(results...))
}

// GetMessagesByPlatform pulls from a single platform. An unauthenticated
// platform yields nothing.
func (a *Aggregator) GetMessagesByPlatform(ctx context.Context, platform domain.PlatformID, limit int) []domain.Message {
	ad, ok := a.source.Authenticated(platform)
	if !ok {
		return nil
	}
	return a.record(Merge(a.pull(ctx, ad, limit)))
}

// GetAllContacts lists contacts from every authenticated platform, in
// platform order. Platforms without a contacts API contribute nothing.
func (a *Aggregator) GetAllContacts(ctx context.Context) []domain.Contact {
	adapters := a.source.AuthenticatedAdapters()
	results := make([][]domain.Contact, len(adapters))

	var g errgroup.Group
	for i, ad := range adapters {
		g.Go(func() error {
			results[i], _ = isolate(ctx, a.pullTimeout, a.logger, ad.Platform(), "contacts", ad.ListContacts)
			return nil
		})
	}
	g.Wait()

	var all []domain.Contact
	for _, batch := range results {
		all = append(all, batch...)
	}

	a.mu.Lock()
	for _, c := range all {
		a.contacts[c.Key()] = c
	}
	a.mu.Unlock()
	return all
}

// Record adds or replaces messages in the retained set. A platform copy of
// a message aliased with Alias updates the local message instead. When the
// set exceeds its bound, the oldest messages are evicted.
func (a *Aggregator) Record(msgs ...domain.Message) {
	a.record(msgs)
}

// record stores msgs and returns them as retained, sorted newest first.
func (a *Aggregator) record(msgs []domain.Message) []domain.Message {
	if len(msgs) == 0 {
		return msgs
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		m = a.canonicalLocked(m)
		a.messages[m.Key()] = m
		out = append(out, m)
	}
	if over := len(a.messages) - a.maxMessages; over > 0 {
		all := a.sortedLocked()
		for _, m := range all[len(all)-over:] {
			a.deleteLocked(m.Key())
		}
	}
	return Merge(out)
}

// Alias declares that the platform knows the local message under remote.
// A platform copy already retained under remote is folded into the local
// message.
func (a *Aggregator) Alias(remote, local domain.MessageKey) {
	if remote == local {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aliases[remote] = local
	a.aliasOf[local] = remote
	if echo, ok := a.messages[remote]; ok {
		delete(a.messages, remote)
		a.messages[local] = a.canonicalLocked(echo)
	}
}

// canonicalLocked maps a platform copy of one of our messages onto the
// local message. The local copy keeps its id, contact and status; the
// platform timestamp wins.
func (a *Aggregator) canonicalLocked(m domain.Message) domain.Message {
	local, ok := a.aliases[m.Key()]
	if !ok {
		return m
	}
	own, ok := a.messages[local]
	if !ok {
		m.ID = local.ID
		return m
	}
	if !m.Timestamp.IsZero() {
		own.Timestamp = m.Timestamp
	}
	return own
}

func (a *Aggregator) resolveLocked(key domain.MessageKey) domain.MessageKey {
	if local, ok := a.aliases[key]; ok {
		return local
	}
	return key
}

func (a *Aggregator) deleteLocked(key domain.MessageKey) {
	delete(a.messages, key)
	if remote, ok := a.aliasOf[key]; ok {
		delete(a.aliasOf, key)
		delete(a.aliases, remote)
	}
}

// UpdateStatus sets the delivery status of a retained message.
func (a *Aggregator) UpdateStatus(key domain.MessageKey, status domain.DeliveryStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.messages[key]; ok {
		m.Status = status
		a.messages[key] = m
	}
}

// Message returns a retained message by local or platform key.
func (a *Aggregator) Message(key domain.MessageKey) (domain.Message, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.messages[a.resolveLocked(key)]
	return m, ok
}

// Messages returns every retained message, newest first.
func (a *Aggregator) Messages() []domain.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sortedLocked()
}

func (a *Aggregator) sortedLocked() []domain.Message {
	out := make([]domain.Message, 0, len(a.messages))
	for _, m := range a.messages {
		out = append(out, m)
	}
	SortMessages(out)
	return out
}

// MarkRead moves the contact's read marker to the given message if it is
// that contact's most recent message, and reports whether it did.
func (a *Aggregator) MarkRead(platform domain.PlatformID, messageID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.messages[a.resolveLocked(domain.MessageKey{Platform: platform, ID: messageID})]
	if !ok {
		return false
	}
	ck := m.ContactKey()
	for _, other := range a.messages {
		if other.ContactKey() == ck && newer(other, m) {
			return false
		}
	}
	a.markers[ck] = m.Timestamp
	return true
}

// Inbox projects the retained messages into one entry per contact, most
// recently active first. It is recomputed on every call.
func (a *Aggregator) Inbox() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	byContact := make(map[domain.ContactKey]*Entry)
	for _, m := range a.sortedLocked() {
		ck := m.ContactKey()
		e, ok := byContact[ck]
		if !ok {
			c, known := a.contacts[ck]
			if !known {
				c = domain.Contact{ID: m.ContactID, DisplayName: m.ContactID, Platform: m.Platform}
			}
			e = &Entry{Contact: c, LastMessage: m}
			byContact[ck] = e
		}
		if m.Direction == domain.Inbound && m.Status != domain.StatusRead {
			if marker, ok := a.markers[ck]; !ok || m.Timestamp.After(marker) {
				e.UnreadCount++
			}
		}
	}

	entries := make([]Entry, 0, len(byContact))
	for _, e := range byContact {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return newer(entries[i].LastMessage, entries[j].LastMessage) })
	return entries
}

// UnreadCount returns the unread counter for one contact.
func (a *Aggregator) UnreadCount(key domain.ContactKey) int {
	for _, e := range a.Inbox() {
		if e.Contact.Key() == key {
			return e.UnreadCount
		}
	}
	return 0
}
