// Package relay picks a relay peer to reach a target node that is not
// directly reachable, and an alternate when the first choice fails.
package relay

import (
	"time"

	"github.com/malikkaraoui/tom/identity"
	"github.com/malikkaraoui/tom/topology"
)

// Reasons mirror the decision points in the selection algorithm.
const (
	ReasonRecipientIsSelf   = "recipient-is-self"
	ReasonNoRelaysAvailable = "no-relays-available"
	ReasonNoPeers           = "no-peers"
	ReasonSelected          = "selected"
)

// Selection is the outcome of a relay pick, with the reason it was made
// so callers can log or surface it without re-deriving the decision.
type Selection struct {
	RelayId identity.NodeId
	Ok      bool
	Reason  string
}

// ScoreFunc returns the role manager's score for a peer, used as the
// dominant term of the composite relay-ranking score. A nil ScoreFunc
// (the zero value) falls every candidate back to freshness alone.
type ScoreFunc func(id identity.NodeId) (float64, bool)

// Selector picks relays from a topology view. Composite ranking blends the
// role manager's score with freshness (recency of lastSeen); the NodeId
// ascending tiebreak makes the result deterministic across nodes observing
// the same topology.
type Selector struct {
	topo  *topology.Topology
	self  identity.NodeId
	score ScoreFunc
	now   func() time.Time
}

// New creates a relay Selector bound to a topology and the local node's id.
// score may be nil; it is typically role.Manager.Get wrapped to return
// (score, true/false).
func New(topo *topology.Topology, self identity.NodeId, score ScoreFunc) *Selector {
	return &Selector{topo: topo, self: self, score: score, now: time.Now}
}

// SelectBestRelay picks the best relay candidate for reaching target: the
// highest composite-scoring non-offline relay peer other than target and
// self. Ties break by NodeId ascending.
func (s *Selector) SelectBestRelay(target identity.NodeId) Selection {
	return s.selectExcluding(target, nil)
}

// SelectAlternateRelay picks a relay other than target and any id in
// failed, applying the same composite-ranking rule as SelectBestRelay. If
// every remaining relay is in failed, it returns "no-relays-available".
func (s *Selector) SelectAlternateRelay(target identity.NodeId, failed map[identity.NodeId]struct{}) Selection {
	return s.selectExcluding(target, failed)
}

func (s *Selector) selectExcluding(target identity.NodeId, failed map[identity.NodeId]struct{}) Selection {
	if target == s.self {
		return Selection{Reason: ReasonRecipientIsSelf}
	}

	relays := s.topo.GetRelays()
	if len(relays) == 0 {
		if s.topo.Count() == 0 {
			return Selection{Reason: ReasonNoPeers}
		}
		return Selection{Reason: ReasonNoRelaysAvailable}
	}

	var best *topology.PeerInfo
	var bestScore float64
	for _, r := range relays {
		if r.NodeId == target || r.NodeId == s.self {
			continue
		}
		if _, excluded := failed[r.NodeId]; excluded {
			continue
		}
		sc := s.composite(r)
		if best == nil || sc > bestScore || (sc == bestScore && r.NodeId < best.NodeId) {
			best = r
			bestScore = sc
		}
	}
	if best == nil {
		return Selection{Reason: ReasonNoRelaysAvailable}
	}
	return Selection{RelayId: best.NodeId, Ok: true, Reason: ReasonSelected}
}

// composite blends the role manager's score (dominant) with freshness
// (recency of lastSeen against the stale threshold), so a peer that has
// gone quiet recently ranks below an equally-scored, more-recently-seen
// one even before it crosses into "stale".
func (s *Selector) composite(p *topology.PeerInfo) float64 {
	freshness := s.freshness(p)
	if s.score == nil {
		return freshness
	}
	roleScore, ok := s.score(p.NodeId)
	if !ok {
		return 0.3 * freshness
	}
	return 0.7*roleScore + 0.3*freshness
}

// freshness is 1.0 for a peer seen just now, decaying linearly to 0.0 at
// the stale threshold's age and beyond.
func (s *Selector) freshness(p *topology.PeerInfo) float64 {
	threshold := s.topo.StaleThreshold()
	if threshold <= 0 {
		return 1.0
	}
	age := s.now().Sub(p.LastSeen)
	if age <= 0 {
		return 1.0
	}
	f := 1.0 - float64(age)/float64(threshold)
	if f < 0 {
		return 0
	}
	return f
}
