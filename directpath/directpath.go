// Package directpath opportunistically upgrades a relay-mediated
// conversation to a direct peer connection and falls back to relay on loss.
package directpath

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/malikkaraoui/tom/envelope"
	"github.com/malikkaraoui/tom/identity"
	"github.com/malikkaraoui/tom/transport"
)

// maxBackoff caps the reconnect delay at 4s.
const maxBackoff = 4 * time.Second

// baseBackoff is the first attempt's delay.
const baseBackoff = 1 * time.Second

// cooldownAfter is how many consecutive failures trigger the cooldown gate.
const cooldownAfter = 3

// cooldownWindow blocks further attempts for this long once cooldownAfter
// consecutive failures have occurred.
const cooldownWindow = 30 * time.Second

// staggerInterval spaces out onMultiplePeersOnline attempts to avoid a
// signaling burst.
const staggerInterval = 100 * time.Millisecond

// ConversationState is per-peer direct-path bookkeeping.
type ConversationState struct {
	StartedAt         time.Time
	LastMessageAt     time.Time
	DirectPathActive  bool
	HadDirectPath     bool
	ReconnectAttempts int
	cooldownUntil     time.Time
}

// Handlers are nil-safe callbacks.
type Handlers struct {
	OnDirectPathEstablished func(id identity.NodeId)
	OnDirectPathRestored    func(id identity.NodeId)
	OnDirectPathLost        func(id identity.NodeId)
}

// Manager tracks conversations and drives direct-path upgrade attempts.
type Manager struct {
	transport transport.Transport
	handlers  Handlers
	now       func() time.Time

	mu            sync.Mutex
	conversations map[identity.NodeId]*ConversationState

	group singleflight.Group
}

// New creates a Manager bound to a transport.
func New(tr transport.Transport, h Handlers) *Manager {
	return &Manager{
		transport:     tr,
		handlers:      h,
		now:           time.Now,
		conversations: make(map[identity.NodeId]*ConversationState),
	}
}

func (m *Manager) state(peer identity.NodeId) *ConversationState {
	s, ok := m.conversations[peer]
	if !ok {
		s = &ConversationState{StartedAt: m.now()}
		m.conversations[peer] = s
	}
	return s
}

// ObserveEnvelope creates or refreshes the conversation for the other party
// of an envelope the local node just sent or received. self is passed in
// so the manager never tracks itself as a conversation partner.
func (m *Manager) ObserveEnvelope(self identity.NodeId, e *envelope.Envelope) {
	other := e.From
	if other == self {
		other = e.To
	}
	if other == self {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(other)
	s.LastMessageAt = m.now()
}

// GetConnectionType reports direct if a conversation exists with an active
// direct path, relay otherwise.
func (m *Manager) GetConnectionType(peer identity.NodeId) envelope.RouteType {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.conversations[peer]; ok && s.DirectPathActive {
		return envelope.RouteDirect
	}
	return envelope.RouteRelay
}

// AttemptDirectPath is a no-op if no conversation exists or a direct path
// is already active. Concurrent calls for the same peer are deduped, and
// every caller returns once the shared attempt has finished.
func (m *Manager) AttemptDirectPath(ctx context.Context, peer identity.NodeId) {
	m.mu.Lock()
	s, ok := m.conversations[peer]
	if !ok || s.DirectPathActive {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	<-m.group.DoChan(string(peer), func() (interface{}, error) {
		m.doAttempt(ctx, peer)
		return nil, nil
	})
}

func (m *Manager) doAttempt(ctx context.Context, peer identity.NodeId) {
	_, err := m.transport.ConnectToPeer(ctx, peer)

	m.mu.Lock()
	s := m.state(peer)
	if err != nil {
		m.mu.Unlock()
		return
	}

	wasRestored := s.HadDirectPath
	s.DirectPathActive = true
	s.HadDirectPath = true
	s.ReconnectAttempts = 0
	m.mu.Unlock()

	if wasRestored {
		if m.handlers.OnDirectPathRestored != nil {
			m.handlers.OnDirectPathRestored(peer)
		}
	} else {
		if m.handlers.OnDirectPathEstablished != nil {
			m.handlers.OnDirectPathEstablished(peer)
		}
	}
}

// HandleDirectPathLost flips the peer's direct path to inactive and fires
// OnDirectPathLost. Subsequent sends fall back to relay automatically
// because the router consults GetConnectionType.
func (m *Manager) HandleDirectPathLost(peer identity.NodeId) {
	m.mu.Lock()
	s, ok := m.conversations[peer]
	if !ok || !s.DirectPathActive {
		m.mu.Unlock()
		return
	}
	s.DirectPathActive = false
	m.mu.Unlock()

	if m.handlers.OnDirectPathLost != nil {
		m.handlers.OnDirectPathLost(peer)
	}
}

// backoffDelay computes min(2^attempts * baseBackoff, maxBackoff).
func backoffDelay(attempts int) time.Duration {
	d := baseBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// OnPeerOnline is called when a peer transitions to online and the local
// node previously had a direct path with it. It applies the backoff/
// cooldown schedule before retrying.
func (m *Manager) OnPeerOnline(ctx context.Context, peer identity.NodeId) {
	m.mu.Lock()
	s, ok := m.conversations[peer]
	if !ok || !s.HadDirectPath || s.DirectPathActive {
		m.mu.Unlock()
		return
	}

	now := m.now()
	if !s.cooldownUntil.IsZero() && now.Before(s.cooldownUntil) {
		m.mu.Unlock()
		return
	}
	if !s.cooldownUntil.IsZero() && !now.Before(s.cooldownUntil) {
		s.cooldownUntil = time.Time{}
		s.ReconnectAttempts = 0
	}

	delay := backoffDelay(s.ReconnectAttempts)
	s.ReconnectAttempts++
	if s.ReconnectAttempts >= cooldownAfter {
		s.cooldownUntil = now.Add(cooldownWindow)
	}
	m.mu.Unlock()

	time.AfterFunc(delay, func() {
		m.AttemptDirectPath(ctx, peer)
	})
}

// OnMultiplePeersOnline staggers OnPeerOnline calls by staggerInterval per
// entry to avoid a signaling burst.
func (m *Manager) OnMultiplePeersOnline(ctx context.Context, peers []identity.NodeId) {
	for i, p := range peers {
		delay := time.Duration(i) * staggerInterval
		peer := p
		time.AfterFunc(delay, func() {
			m.OnPeerOnline(ctx, peer)
		})
	}
}

// Get returns a copy of a peer's conversation state, if any.
func (m *Manager) Get(peer identity.NodeId) (ConversationState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.conversations[peer]
	if !ok {
		return ConversationState{}, false
	}
	return *s, true
}
