// Package group layers hub-and-spoke group conversations over the overlay
// and runs deterministic hub election/failover for them.
package group

import (
	"sync"
	"time"

	"github.com/malikkaraoui/tom/identity"
	"github.com/malikkaraoui/tom/topology"
)

// DefaultMaxGroups bounds active groups per node.
const DefaultMaxGroups = 20

// MemberRole is a member's standing within a group.
type MemberRole string

const (
	MemberAdmin  MemberRole = "admin"
	MemberMember MemberRole = "member"
)

// Member is one participant of a group.
type Member struct {
	NodeId   identity.NodeId
	Role     MemberRole
	JoinedAt time.Time
}

// State is a group's metadata, including its current and backup hub.
type State struct {
	GroupId      string
	Name         string
	HubId        identity.NodeId
	Members      []Member
	CreatedAt    time.Time
	BackupHubId  identity.NodeId
	Degraded     bool
}

// Handlers are nil-safe callbacks.
type Handlers struct {
	OnElectedAsHub   func(groupId string)
	OnHubElected     func(groupId string, hub identity.NodeId)
	OnElectionFailed func(groupId string)
}

// A full group registry is reported by Create returning false rather than
// by an error value; the orchestrator surfaces it as capacity:warning.

// Manager owns every group's State for the local node and runs elections.
type Manager struct {
	topo     *topology.Topology
	self     identity.NodeId
	maxGroup int
	handlers Handlers

	mu        sync.Mutex
	groups    map[string]*State
	inflight  map[string]struct{}
}

// New creates a group Manager. maxGroups <= 0 defaults to DefaultMaxGroups.
func New(topo *topology.Topology, self identity.NodeId, maxGroups int, h Handlers) *Manager {
	if maxGroups <= 0 {
		maxGroups = DefaultMaxGroups
	}
	return &Manager{
		topo:     topo,
		self:     self,
		maxGroup: maxGroups,
		handlers: h,
		groups:   make(map[string]*State),
		inflight: make(map[string]struct{}),
	}
}

// Create registers a new group if under the group limit, returning ok=false
// if the node is already at capacity.
func (m *Manager) Create(s *State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.groups[s.GroupId]; exists {
		return true
	}
	if len(m.groups) >= m.maxGroup {
		return false
	}
	cp := *s
	m.groups[s.GroupId] = &cp
	return true
}

// Get returns a copy of a group's state.
func (m *Manager) Get(groupId string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupId]
	if !ok {
		return State{}, false
	}
	return *g, true
}

// GroupIDsForHub returns every group currently hubbed (or backed-up) by
// nodeId, used by the orchestrator to decide which groups need a fresh
// election when a peer departs.
func (m *Manager) GroupIDsForHub(nodeId identity.NodeId) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, g := range m.groups {
		if g.HubId == nodeId || g.BackupHubId == nodeId {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of active groups.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

// candidates returns the non-offline peers currently in the relay role,
// sorted lexicographically.
func (m *Manager) candidates() []identity.NodeId {
	relays := m.topo.GetRelays()
	out := make([]identity.NodeId, 0, len(relays))
	for _, r := range relays {
		out = append(out, r.NodeId)
	}
	return out
}

// Elect runs a deterministic election for groupId: backupHubId wins if it
// is among the candidates, else the lexicographically smallest candidate.
// Elections are idempotent per group — a second call while one is
// in-flight is a no-op.
func (m *Manager) Elect(groupId string) {
	m.mu.Lock()
	if _, running := m.inflight[groupId]; running {
		m.mu.Unlock()
		return
	}
	g, ok := m.groups[groupId]
	if !ok {
		m.mu.Unlock()
		return
	}
	backup := g.BackupHubId
	m.inflight[groupId] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inflight, groupId)
		m.mu.Unlock()
	}()

	winner, ok := electHub(m.candidates(), backup)

	m.mu.Lock()
	g, exists := m.groups[groupId]
	if !exists {
		m.mu.Unlock()
		return
	}
	if !ok {
		g.Degraded = true
		m.mu.Unlock()
		if m.handlers.OnElectionFailed != nil {
			m.handlers.OnElectionFailed(groupId)
		}
		return
	}
	g.Degraded = false
	g.HubId = winner
	m.mu.Unlock()

	if winner == m.self {
		if m.handlers.OnElectedAsHub != nil {
			m.handlers.OnElectedAsHub(groupId)
		}
	}
	if m.handlers.OnHubElected != nil {
		m.handlers.OnHubElected(groupId, winner)
	}
}

// electHub is the pure decision rule: prefer backupHubId if present among
// candidates, else the lexicographically smallest NodeId.
func electHub(candidates []identity.NodeId, backupHubId identity.NodeId) (identity.NodeId, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	if backupHubId != "" {
		for _, c := range candidates {
			if c == backupHubId {
				return backupHubId, true
			}
		}
	}
	smallest := candidates[0]
	for _, c := range candidates[1:] {
		if c < smallest {
			smallest = c
		}
	}
	return smallest, true
}

// HandleHubUnavailable triggers an election when the current hub is
// detected stale or removed.
func (m *Manager) HandleHubUnavailable(groupId string) {
	m.Elect(groupId)
}
