package relay

import (
	"testing"
	"time"

	"github.com/malikkaraoui/tom/identity"
	"github.com/malikkaraoui/tom/topology"
)

func newSelector(t *testing.T, threshold time.Duration, score ScoreFunc) (*Selector, *topology.Topology, identity.NodeId) {
	t.Helper()
	self := identity.NodeId("self")
	topo := topology.New(threshold)
	sel := New(topo, self, score)
	return sel, topo, self
}

func TestSelectBestRelayRecipientIsSelf(t *testing.T) {
	sel, _, self := newSelector(t, time.Second, nil)
	got := sel.SelectBestRelay(self)
	if got.Ok || got.Reason != ReasonRecipientIsSelf {
		t.Fatalf("expected recipient-is-self, got %+v", got)
	}
}

func TestSelectBestRelayNoPeers(t *testing.T) {
	sel, _, _ := newSelector(t, time.Second, nil)
	got := sel.SelectBestRelay(identity.NodeId("target"))
	if got.Ok || got.Reason != ReasonNoPeers {
		t.Fatalf("expected no-peers, got %+v", got)
	}
}

func TestSelectBestRelayNoRelaysAvailable(t *testing.T) {
	sel, topo, _ := newSelector(t, time.Second, nil)
	topo.AddPeer(&topology.PeerInfo{NodeId: identity.NodeId("client1")})
	got := sel.SelectBestRelay(identity.NodeId("target"))
	if got.Ok || got.Reason != ReasonNoRelaysAvailable {
		t.Fatalf("expected no-relays-available, got %+v", got)
	}
}

func TestSelectBestRelayExcludesTargetAndSelf(t *testing.T) {
	sel, topo, self := newSelector(t, time.Second, nil)
	target := identity.NodeId("target")
	topo.AddPeer(&topology.PeerInfo{NodeId: target})
	topo.AddPeer(&topology.PeerInfo{NodeId: self})
	topo.SetRoles(target, map[topology.Role]struct{}{topology.RoleRelay: {}})
	topo.SetRoles(self, map[topology.Role]struct{}{topology.RoleRelay: {}})

	got := sel.SelectBestRelay(target)
	if got.Ok {
		t.Fatalf("expected no eligible relay once target and self excluded, got %+v", got)
	}
}

func TestSelectBestRelayPicksHigherScore(t *testing.T) {
	scores := map[identity.NodeId]float64{"a": 0.2, "b": 0.9}
	sel, topo, _ := newSelector(t, time.Second, func(id identity.NodeId) (float64, bool) {
		s, ok := scores[id]
		return s, ok
	})
	topo.AddPeer(&topology.PeerInfo{NodeId: "a"})
	topo.AddPeer(&topology.PeerInfo{NodeId: "b"})
	topo.SetRoles("a", map[topology.Role]struct{}{topology.RoleRelay: {}})
	topo.SetRoles("b", map[topology.Role]struct{}{topology.RoleRelay: {}})

	got := sel.SelectBestRelay(identity.NodeId("target"))
	if !got.Ok || got.RelayId != "b" {
		t.Fatalf("expected relay b to win on score, got %+v", got)
	}
}

func TestSelectBestRelayTiebreaksByNodeIdAscending(t *testing.T) {
	sel, topo, _ := newSelector(t, time.Second, nil) // nil score -> freshness only
	clock := time.Now()
	sel.now = func() time.Time { return clock }

	// Pin both peers to the exact same lastSeen so freshness ties exactly,
	// isolating the NodeId tiebreak.
	topo.AddPeer(&topology.PeerInfo{NodeId: "z", LastSeen: clock})
	topo.AddPeer(&topology.PeerInfo{NodeId: "a", LastSeen: clock})
	topo.SetRoles("z", map[topology.Role]struct{}{topology.RoleRelay: {}})
	topo.SetRoles("a", map[topology.Role]struct{}{topology.RoleRelay: {}})

	got := sel.SelectBestRelay(identity.NodeId("target"))
	if !got.Ok || got.RelayId != "a" {
		t.Fatalf("expected lexicographically smaller NodeId to win tie, got %+v", got)
	}
}

func TestSelectAlternateRelayExcludesFailedSet(t *testing.T) {
	sel, topo, _ := newSelector(t, time.Second, nil)
	topo.AddPeer(&topology.PeerInfo{NodeId: "a"})
	topo.AddPeer(&topology.PeerInfo{NodeId: "b"})
	topo.SetRoles("a", map[topology.Role]struct{}{topology.RoleRelay: {}})
	topo.SetRoles("b", map[topology.Role]struct{}{topology.RoleRelay: {}})

	failed := map[identity.NodeId]struct{}{"a": {}}
	got := sel.SelectAlternateRelay(identity.NodeId("target"), failed)
	if !got.Ok || got.RelayId != "b" {
		t.Fatalf("expected b after excluding a, got %+v", got)
	}
}

func TestSelectAlternateRelayAllFailed(t *testing.T) {
	sel, topo, _ := newSelector(t, time.Second, nil)
	topo.AddPeer(&topology.PeerInfo{NodeId: "a"})
	topo.SetRoles("a", map[topology.Role]struct{}{topology.RoleRelay: {}})

	failed := map[identity.NodeId]struct{}{"a": {}}
	got := sel.SelectAlternateRelay(identity.NodeId("target"), failed)
	if got.Ok || got.Reason != ReasonNoRelaysAvailable {
		t.Fatalf("expected no-relays-available with all candidates failed, got %+v", got)
	}
}

func TestCompositeBlendsScoreAndFreshness(t *testing.T) {
	// Both candidates carry an identical role score; lexicographic order
	// alone would favor "aaaold" ("a" < "z"). Freshness must be strong
	// enough to flip the outcome to the more-recently-seen "zzzfresh".
	sel, topo, _ := newSelector(t, 10*time.Second, func(id identity.NodeId) (float64, bool) {
		return 1.0, true
	})
	clock := time.Now()
	sel.now = func() time.Time { return clock }

	topo.AddPeer(&topology.PeerInfo{NodeId: "zzzfresh", LastSeen: clock})
	clock = clock.Add(2 * time.Second)
	// 15s old: stale (>10s) but still short of offline (>=20s), so it still
	// shows up as a relay candidate — just with worse freshness.
	topo.AddPeer(&topology.PeerInfo{NodeId: "aaaold", LastSeen: clock.Add(-15 * time.Second)})
	topo.SetRoles("zzzfresh", map[topology.Role]struct{}{topology.RoleRelay: {}})
	topo.SetRoles("aaaold", map[topology.Role]struct{}{topology.RoleRelay: {}})

	got := sel.SelectBestRelay(identity.NodeId("target"))
	if !got.Ok || got.RelayId != "zzzfresh" {
		t.Fatalf("expected the fresher peer to win despite losing the NodeId tiebreak, got %+v", got)
	}
}
