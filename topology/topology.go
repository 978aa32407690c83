// Package topology maintains the set of known peers, their roles, and their
// liveness. Peer status is always derived from lastSeen age at read time; it
// is never stored.
package topology

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/malikkaraoui/tom/identity"
)

// Status is the liveness derived from now - lastSeen against the stale
// threshold T.
type Status string

const (
	Online  Status = "online"
	Stale   Status = "stale"
	Offline Status = "offline"
)

// Role is one of the two roles a peer can hold simultaneously in principle,
// though the role manager currently assigns exactly one.
type Role string

const (
	RoleClient Role = "client"
	RoleRelay  Role = "relay"
)

// PeerInfo is a known peer's identity, liveness, and role record.
type PeerInfo struct {
	NodeId       identity.NodeId
	Username     string
	PublicKey    []byte
	ReachableVia []identity.NodeId
	LastSeen     time.Time
	Roles        map[Role]struct{}
}

// HasRole reports whether the peer currently holds role r.
func (p *PeerInfo) HasRole(r Role) bool {
	if p.Roles == nil {
		return false
	}
	_, ok := p.Roles[r]
	return ok
}

func cloneRoles(roles map[Role]struct{}) map[Role]struct{} {
	out := make(map[Role]struct{}, len(roles))
	for r := range roles {
		out[r] = struct{}{}
	}
	return out
}

// clone returns a defensive copy safe to hand out of the lock.
func (p *PeerInfo) clone() *PeerInfo {
	cp := *p
	cp.ReachableVia = append([]identity.NodeId(nil), p.ReachableVia...)
	cp.Roles = cloneRoles(p.Roles)
	return &cp
}

// Topology is the single-writer peer set owned by the orchestrator.
type Topology struct {
	mu    sync.RWMutex
	peers map[identity.NodeId]*PeerInfo

	staleThreshold time.Duration
	now            func() time.Time
}

// New creates a Topology. staleThreshold is T; zero defaults to 3000ms.
func New(staleThreshold time.Duration) *Topology {
	if staleThreshold <= 0 {
		staleThreshold = 3000 * time.Millisecond
	}
	return &Topology{
		peers:          make(map[identity.NodeId]*PeerInfo),
		staleThreshold: staleThreshold,
		now:            time.Now,
	}
}

// StaleThreshold returns T.
func (t *Topology) StaleThreshold() time.Duration { return t.staleThreshold }

// AddPeer adds a new peer or refreshes lastSeen for an existing one.
// Usernames are normalized to NFC so that visually identical names typed
// with different Unicode compositions compare equal.
func (t *Topology) AddPeer(p *PeerInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	normalized := norm.NFC.String(p.Username)

	if existing, ok := t.peers[p.NodeId]; ok {
		existing.LastSeen = t.now()
		if normalized != "" {
			existing.Username = normalized
		}
		if len(p.PublicKey) > 0 {
			existing.PublicKey = p.PublicKey
		}
		if len(p.ReachableVia) > 0 {
			existing.ReachableVia = append([]identity.NodeId(nil), p.ReachableVia...)
		}
		return
	}

	cp := p.clone()
	cp.Username = normalized
	if cp.LastSeen.IsZero() {
		cp.LastSeen = t.now()
	}
	if cp.Roles == nil {
		cp.Roles = make(map[Role]struct{})
	}
	t.peers[p.NodeId] = cp
}

// RemovePeer deletes a peer. Removing a missing peer is a no-op.
func (t *Topology) RemovePeer(id identity.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

// UpdateLastSeen refreshes a known peer's liveness timestamp. No-op if the
// peer is unknown.
func (t *Topology) UpdateLastSeen(id identity.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.LastSeen = t.now()
	}
}

// SetRoles overwrites a peer's role set. Used by the role manager to write
// a RoleAssignment atomically against the topology view.
func (t *Topology) SetRoles(id identity.NodeId, roles map[Role]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.Roles = cloneRoles(roles)
	}
}

// GetPeer returns a defensive copy of a peer's info, if known.
func (t *Topology) GetPeer(id identity.NodeId) (*PeerInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// GetPeerStatus computes the current status of a known peer.
func (t *Topology) GetPeerStatus(id identity.NodeId) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return Offline, false
	}
	return t.statusOf(p), true
}

func (t *Topology) statusOf(p *PeerInfo) Status {
	age := t.now().Sub(p.LastSeen)
	switch {
	case age < t.staleThreshold:
		return Online
	case age < 2*t.staleThreshold:
		return Stale
	default:
		return Offline
	}
}

// GetReachablePeers returns every peer whose status is not offline, sorted
// by NodeId for deterministic iteration.
func (t *Topology) GetReachablePeers() []*PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		if t.statusOf(p) != Offline {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeId < out[j].NodeId })
	return out
}

// GetRelays returns every non-offline peer currently holding the relay role.
func (t *Topology) GetRelays() []*PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*PeerInfo, 0)
	for _, p := range t.peers {
		if t.statusOf(p) != Offline && p.HasRole(RoleRelay) {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeId < out[j].NodeId })
	return out
}

// Snapshot returns every known peer regardless of status, sorted by NodeId.
func (t *Topology) Snapshot() []*PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeId < out[j].NodeId })
	return out
}

// Count returns the number of known peers.
func (t *Topology) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
