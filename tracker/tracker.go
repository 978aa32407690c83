// Package tracker records the lifecycle of outbound messages through a
// monotonic status state machine and supports age-based cleanup.
package tracker

import (
	"errors"
	"sync"
	"time"

	"github.com/malikkaraoui/tom/envelope"
	"github.com/malikkaraoui/tom/identity"
)

// Status is a point in the monotonic delivery lifecycle.
type Status string

const (
	Pending  Status = "pending"
	Sent     Status = "sent"
	Relayed  Status = "relayed"
	Delivered Status = "delivered"
	Read     Status = "read"
	Failed   Status = "failed"
)

// ErrUnknownMessage is returned by any status transition on a message id
// that was never tracked.
var ErrUnknownMessage = errors.New("tracker: unknown message id")

// ErrRegression is returned when a transition would move a message
// backwards in the lifecycle, or forward from a terminal state.
var ErrRegression = errors.New("tracker: illegal status regression")

// rank gives each non-terminal status its position in the forward
// progression; Failed is terminal from any non-terminal state and is
// handled separately.
var rank = map[Status]int{
	Pending:   0,
	Sent:      1,
	Relayed:   2,
	Delivered: 3,
	Read:      4,
}

func terminal(s Status) bool { return s == Read || s == Failed }

// record is one tracked message's state.
type record struct {
	to         identity.NodeId
	status     Status
	updatedAt  time.Time
	timestamps map[Status]int64
}

// Entry is the caller-visible snapshot of a tracked message's lifecycle,
// matching the §3 MessageStatusEntry shape.
type Entry struct {
	MessageID  string
	To         identity.NodeId
	Status     Status
	Timestamps map[Status]int64
}

// Handlers are nil-safe callbacks.
type Handlers struct {
	OnStatusChanged func(id string, old, new Status)
}

// Tracker is the single owner of message lifecycle state for the local
// node's outbound envelopes.
type Tracker struct {
	handlers Handlers
	now      func() time.Time

	mu      sync.Mutex
	records map[string]*record
}

// New creates an empty Tracker.
func New(h Handlers) *Tracker {
	return &Tracker{
		handlers: h,
		now:      time.Now,
		records:  make(map[string]*record),
	}
}

// Track begins tracking a message to `to` at Pending. It returns true on
// the first call for an id, false if the id is already tracked (idempotent
// no-op).
func (t *Tracker) Track(id string, to identity.NodeId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[id]; ok {
		return false
	}
	now := t.now()
	t.records[id] = &record{
		to:         to,
		status:     Pending,
		updatedAt:  now,
		timestamps: map[Status]int64{Pending: now.UnixMilli()},
	}
	return true
}

func (t *Tracker) transition(id string, target Status) error {
	t.mu.Lock()
	r, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownMessage
	}

	old := r.status
	if old == target {
		t.mu.Unlock()
		return nil
	}
	if terminal(old) {
		t.mu.Unlock()
		return ErrRegression
	}
	if target != Failed && rank[target] <= rank[old] {
		t.mu.Unlock()
		return ErrRegression
	}

	now := t.now()
	r.status = target
	r.updatedAt = now
	r.timestamps[target] = now.UnixMilli()
	t.mu.Unlock()

	if t.handlers.OnStatusChanged != nil {
		t.handlers.OnStatusChanged(id, old, target)
	}
	return nil
}

// MarkSent moves a message to Sent.
func (t *Tracker) MarkSent(id string) error { return t.transition(id, Sent) }

// MarkRelayed moves a message to Relayed.
func (t *Tracker) MarkRelayed(id string) error { return t.transition(id, Relayed) }

// MarkDelivered moves a message to Delivered.
func (t *Tracker) MarkDelivered(id string) error { return t.transition(id, Delivered) }

// MarkRead moves a message to Read, the terminal success state.
func (t *Tracker) MarkRead(id string) error { return t.transition(id, Read) }

// MarkFailed moves a message to Failed from any non-terminal state.
func (t *Tracker) MarkFailed(id string) error { return t.transition(id, Failed) }

// GetStatus returns the tracked lifecycle entry for a message, matching
// the §3 MessageStatusEntry shape (status plus per-status timestamps).
func (t *Tracker) GetStatus(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return Entry{}, false
	}
	ts := make(map[Status]int64, len(r.timestamps))
	for k, v := range r.timestamps {
		ts[k] = v
	}
	return Entry{MessageID: id, To: r.to, Status: r.status, Timestamps: ts}, true
}

// CleanupOldMessages deletes every Read or Failed entry last updated before
// the given age cutoff, returning the count removed. Still in-flight
// entries (Pending, Sent, Relayed, Delivered) are never removed regardless
// of age.
func (t *Tracker) CleanupOldMessages(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, r := range t.records {
		if terminal(r.status) && r.updatedAt.Before(cutoff) {
			delete(t.records, id)
			removed++
		}
	}
	return removed
}

// StatusFromAck maps an ack-family envelope type to the status it implies
// for a locally sent message.
func StatusFromAck(t string) (Status, bool) {
	switch t {
	case envelope.TypeAckRelay:
		return Relayed, true
	case envelope.TypeAckDelivery:
		return Delivered, true
	case envelope.TypeReadReceipt:
		return Read, true
	default:
		return "", false
	}
}
