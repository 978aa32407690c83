// Package role scores every known peer and assigns client/relay roles under
// a network-wide quota, and nominates backup hubs for groups.
package role

import (
	"sync"

	"github.com/malikkaraoui/tom/identity"
)

// NodeMetrics is the raw per-peer material the score function consumes.
type NodeMetrics struct {
	UptimeSec         float64
	BandwidthScore    float64 // [0, inf)
	ContributionScore float64 // [0, 100], clamped on increment
	PeerCount         int
}

// MetricsStore holds observed metrics for every peer. A peer with no prior
// metrics uses the zero value (uptime 0, bandwidth 0, contribution 0).
type MetricsStore struct {
	mu      sync.Mutex
	metrics map[identity.NodeId]*NodeMetrics
}

// NewMetricsStore creates an empty store.
func NewMetricsStore() *MetricsStore {
	return &MetricsStore{metrics: make(map[identity.NodeId]*NodeMetrics)}
}

func (s *MetricsStore) get(id identity.NodeId) *NodeMetrics {
	m, ok := s.metrics[id]
	if !ok {
		m = &NodeMetrics{}
		s.metrics[id] = m
	}
	return m
}

// Get returns a copy of a peer's metrics, defaulting to zero values.
func (s *MetricsStore) Get(id identity.NodeId) NodeMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.get(id)
}

// SetObserved overwrites uptime, bandwidth, and peer count from a topology
// snapshot or observed traffic sample.
func (s *MetricsStore) SetObserved(id identity.NodeId, uptimeSec, bandwidthScore float64, peerCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.get(id)
	m.UptimeSec = uptimeSec
	m.BandwidthScore = bandwidthScore
	m.PeerCount = peerCount
}

// RecordRelaySuccess increments contributionScore on every relay act,
// capped at 100.
func (s *MetricsStore) RecordRelaySuccess(id identity.NodeId, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.get(id)
	m.ContributionScore += delta
	if m.ContributionScore > 100 {
		m.ContributionScore = 100
	}
}

// RecordRelayFailure decrements contributionScore on a forwarding failure,
// floored at 0.
func (s *MetricsStore) RecordRelayFailure(id identity.NodeId, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.get(id)
	m.ContributionScore -= delta
	if m.ContributionScore < 0 {
		m.ContributionScore = 0
	}
}
