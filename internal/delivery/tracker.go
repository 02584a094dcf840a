// Package delivery tracks the delivery status of outbound messages.
//
// Allowed transitions:
//
//	sent -> delivered | failed
//	delivered -> read
//
// failed and read are terminal. Re-applying the current status is a no-op.
//
// A receipt can beat the send call it refers to: the platform may push a
// status for a remote id before Send has returned that id. Such receipts
// are held, up to PendingCapacity, and replayed when Resolve learns the id.
package delivery

import (
	"fmt"
	"sync"
	"time"

	"onecell/internal/domain"
)

const (
	// DefaultCapacity bounds the number of tracked messages.
	DefaultCapacity = 10_000
	// PendingCapacity bounds receipts held for remote ids not yet known.
	PendingCapacity = 1024
)

// Observer is told about every applied transition.
type Observer func(domain.StatusChange)

type record struct {
	msg      domain.Message
	remoteID string
}

// Tracker holds the status of outbound messages, indexed by local id and
// by platform-assigned remote id.
type Tracker struct {
	mu       sync.Mutex
	capacity int
	records  map[domain.MessageKey]*record
	byRemote map[domain.MessageKey]domain.MessageKey // (platform, remote id) -> local key
	order    []domain.MessageKey
	observer Observer

	pending      map[domain.MessageKey]domain.Receipt // keyed by (platform, remote id)
	pendingOrder []domain.MessageKey
	now          func() time.Time
}

func NewTracker(capacity int, observer Observer) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{
		capacity: capacity,
		records:  make(map[domain.MessageKey]*record),
		byRemote: make(map[domain.MessageKey]domain.MessageKey),
		pending:  make(map[domain.MessageKey]domain.Receipt),
		observer: observer,
		now:      time.Now,
	}
}

// CanTransition reports whether from -> to is allowed. Same-state is allowed.
func CanTransition(from, to domain.DeliveryStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case domain.StatusSent:
		return to == domain.StatusDelivered || to == domain.StatusFailed
	case domain.StatusDelivered:
		return to == domain.StatusRead
	}
	return false
}

// Begin starts tracking msg at sent, before the platform call is made.
func (t *Tracker) Begin(msg domain.Message) domain.Message {
	msg.Status = domain.StatusSent
	t.mu.Lock()
	key := msg.Key()
	if _, exists := t.records[key]; !exists {
		t.order = append(t.order, key)
	}
	t.records[key] = &record{msg: msg}
	t.evictLocked()
	t.mu.Unlock()

	t.notify(domain.StatusChange{Message: key, To: domain.StatusSent, At: t.now()})
	return msg
}

func (t *Tracker) evictLocked() {
	for len(t.order) > t.capacity {
		old := t.order[0]
		t.order = t.order[1:]
		if r, ok := t.records[old]; ok && r.remoteID != "" {
			delete(t.byRemote, domain.MessageKey{Platform: old.Platform, ID: r.remoteID})
		}
		delete(t.records, old)
	}
}

// Resolve records the outcome of the platform call: delivered when sendErr
// is nil, failed otherwise. A receipt already held for remoteID is applied
// afterwards and reflected in the returned message.
func (t *Tracker) Resolve(key domain.MessageKey, remoteID string, sendErr error) (domain.Message, error) {
	to := domain.StatusDelivered
	if sendErr != nil {
		to = domain.StatusFailed
	}
	var early *domain.Receipt
	t.mu.Lock()
	if r, ok := t.records[key]; ok && remoteID != "" {
		r.remoteID = remoteID
		rk := domain.MessageKey{Platform: key.Platform, ID: remoteID}
		t.byRemote[rk] = key
		if rc, held := t.pending[rk]; held {
			delete(t.pending, rk)
			early = &rc
		}
	}
	t.mu.Unlock()

	msg, err := t.Transition(key, to)
	if err != nil || early == nil {
		return msg, err
	}
	t.ApplyReceipt(*early)
	msg, _ = t.Get(key)
	return msg, nil
}

// holdLocked keeps a receipt for a remote id that no tracked message has
// claimed yet. A held read receipt is not downgraded by a later delivery.
func (t *Tracker) holdLocked(rk domain.MessageKey, rc domain.Receipt) {
	if prev, ok := t.pending[rk]; ok {
		if prev.Status != domain.StatusRead {
			t.pending[rk] = rc
		}
		return
	}
	t.pending[rk] = rc
	t.pendingOrder = append(t.pendingOrder, rk)
	for len(t.pendingOrder) > PendingCapacity {
		delete(t.pending, t.pendingOrder[0])
		t.pendingOrder = t.pendingOrder[1:]
	}
}

// MarkRead moves a delivered message to read.
func (t *Tracker) MarkRead(key domain.MessageKey) (domain.Message, error) {
	return t.Transition(key, domain.StatusRead)
}

// Transition applies to if the state machine allows it.
func (t *Tracker) Transition(key domain.MessageKey, to domain.DeliveryStatus) (domain.Message, error) {
	t.mu.Lock()
	r, ok := t.records[key]
	if !ok {
		t.mu.Unlock()
		return domain.Message{}, fmt.Errorf("message %s is not tracked", key)
	}
	from := r.msg.Status
	if !CanTransition(from, to) {
		t.mu.Unlock()
		return r.msg, fmt.Errorf("%w: %s -> %s for %s", domain.ErrInvalidTransition, from, to, key)
	}
	if from == to {
		msg := r.msg
		t.mu.Unlock()
		return msg, nil
	}
	r.msg.Status = to
	msg, remoteID := r.msg, r.remoteID
	t.mu.Unlock()

	t.notify(domain.StatusChange{Message: key, RemoteID: remoteID, From: from, To: to, At: t.now()})
	return msg, nil
}

// ApplyReceipt applies a platform receipt. A receipt naming a remote id
// moves that message; a watermark receipt moves every delivered (or sent,
// for delivery receipts) message to the contact at or before the watermark.
// It returns the keys that changed.
func (t *Tracker) ApplyReceipt(rc domain.Receipt) []domain.MessageKey {
	var targets []domain.MessageKey
	t.mu.Lock()
	if rc.RemoteID != "" {
		rk := domain.MessageKey{Platform: rc.Platform, ID: rc.RemoteID}
		if key, ok := t.byRemote[rk]; ok {
			targets = append(targets, key)
		} else {
			t.holdLocked(rk, rc)
		}
	} else if !rc.Watermark.IsZero() {
		for key, r := range t.records {
			if key.Platform == rc.Platform && r.msg.ContactID == rc.ContactID && !r.msg.Timestamp.After(rc.Watermark) {
				targets = append(targets, key)
			}
		}
	}
	t.mu.Unlock()

	var changed []domain.MessageKey
	for _, key := range targets {
		steps := []domain.DeliveryStatus{rc.Status}
		// A read receipt implies delivery.
		if rc.Status == domain.StatusRead {
			steps = []domain.DeliveryStatus{domain.StatusDelivered, domain.StatusRead}
		}
		moved := false
		for _, s := range steps {
			before, _ := t.Status(key)
			if before == s {
				continue
			}
			if _, err := t.Transition(key, s); err == nil {
				moved = true
			}
		}
		if moved {
			changed = append(changed, key)
		}
	}
	return changed
}

// Status returns the current status of a tracked message.
func (t *Tracker) Status(key domain.MessageKey) (domain.DeliveryStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[key]
	if !ok {
		return "", false
	}
	return r.msg.Status, true
}

// Get returns a tracked message.
func (t *Tracker) Get(key domain.MessageKey) (domain.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[key]
	if !ok {
		return domain.Message{}, false
	}
	return r.msg, true
}

// RemoteID returns the platform-assigned id of a tracked message.
func (t *Tracker) RemoteID(key domain.MessageKey) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[key]
	if !ok || r.remoteID == "" {
		return "", false
	}
	return r.remoteID, true
}

// LocalKey resolves a platform-assigned id to the tracked message key.
func (t *Tracker) LocalKey(platform domain.PlatformID, remoteID string) (domain.MessageKey, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.byRemote[domain.MessageKey{Platform: platform, ID: remoteID}]
	return key, ok
}

func (t *Tracker) notify(c domain.StatusChange) {
	if t.observer != nil {
		t.observer(c)
	}
}
