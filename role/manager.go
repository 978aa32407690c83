package role

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/malikkaraoui/tom/identity"
	"github.com/malikkaraoui/tom/topology"
)

// Assignment is the role manager's verdict for one peer.
type Assignment struct {
	NodeId     identity.NodeId
	Roles      map[topology.Role]struct{}
	AssignedAt time.Time
	Score      float64
	Reason     string
}

func (a Assignment) hasRole(r topology.Role) bool {
	_, ok := a.Roles[r]
	return ok
}

// Handlers are nil-safe callbacks.
type Handlers struct {
	// OnRoleChanged fires once per peer whose role set changed between
	// two consecutive assignment runs.
	OnRoleChanged func(id identity.NodeId, old, new map[topology.Role]struct{})
}

// Manager keeps a valid Assignment per known peer under a relay quota of
// roughly ceil(N/R), where N is the number of non-offline peers and R is
// the configurable client-per-relay ratio.
type Manager struct {
	topo     *topology.Topology
	metrics  *MetricsStore
	self     identity.NodeId
	ratio    int // clients per relay, default 4
	handlers Handlers
	now      func() time.Time

	mu          sync.Mutex
	assignments map[identity.NodeId]Assignment

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// DefaultRatio is R: clients per relay.
const DefaultRatio = 4

// New creates a role Manager. ratio <= 0 defaults to DefaultRatio.
func New(topo *topology.Topology, metrics *MetricsStore, self identity.NodeId, ratio int, h Handlers) *Manager {
	if ratio <= 0 {
		ratio = DefaultRatio
	}
	return &Manager{
		topo:        topo,
		metrics:     metrics,
		self:        self,
		ratio:       ratio,
		handlers:    h,
		now:         time.Now,
		assignments: make(map[identity.NodeId]Assignment),
		stop:        make(chan struct{}),
	}
}

// Quota returns ceil(N/R), with a floor of 1 when N >= 2.
func Quota(n, ratio int) int {
	if n <= 0 {
		return 0
	}
	q := int(math.Ceil(float64(n) / float64(ratio)))
	if q < 1 && n >= 2 {
		q = 1
	}
	if q > n {
		q = n
	}
	return q
}

// score computes 0.4*normalizedUptime + 0.3*normalizedBandwidth +
// 0.3*(contributionScore/100), normalizing uptime and bandwidth against the
// maximum observed in the current candidate set so the three terms share a
// [0,1] scale.
func score(m NodeMetrics, maxUptime, maxBandwidth float64) float64 {
	normUptime := 0.0
	if maxUptime > 0 {
		normUptime = m.UptimeSec / maxUptime
	}
	normBandwidth := 0.0
	if maxBandwidth > 0 {
		normBandwidth = m.BandwidthScore / maxBandwidth
	}
	return 0.4*normUptime + 0.3*normBandwidth + 0.3*(m.ContributionScore/100)
}

// Reassess runs the full assignment algorithm: collect non-offline peers
// plus the local node itself (N counts self, per the scoring rule's own
// worked example), sort by score desc / NodeId asc, top quota become
// relay, remainder become client, write assignments, and fire
// OnRoleChanged for every peer (including self) whose role set actually
// changed. Writing an assignment for self never mutates the topology,
// since self is never a topology entry; the local node's own role lives
// only in this manager's assignment map.
func (m *Manager) Reassess() {
	reachable := m.topo.GetReachablePeers()
	ids := make([]identity.NodeId, 0, len(reachable)+1)
	ids = append(ids, m.self)
	for _, p := range reachable {
		ids = append(ids, p.NodeId)
	}

	type scored struct {
		id    identity.NodeId
		score float64
	}

	maxUptime, maxBandwidth := 0.0, 0.0
	raw := make(map[identity.NodeId]NodeMetrics, len(ids))
	for _, id := range ids {
		mm := m.metrics.Get(id)
		raw[id] = mm
		if mm.UptimeSec > maxUptime {
			maxUptime = mm.UptimeSec
		}
		if mm.BandwidthScore > maxBandwidth {
			maxBandwidth = mm.BandwidthScore
		}
	}

	scoredPeers := make([]scored, 0, len(ids))
	for _, id := range ids {
		scoredPeers = append(scoredPeers, scored{
			id:    id,
			score: score(raw[id], maxUptime, maxBandwidth),
		})
	}

	sort.Slice(scoredPeers, func(i, j int) bool {
		if scoredPeers[i].score != scoredPeers[j].score {
			return scoredPeers[i].score > scoredPeers[j].score
		}
		return scoredPeers[i].id < scoredPeers[j].id
	})

	quota := Quota(len(ids), m.ratio)

	m.mu.Lock()
	defer m.mu.Unlock()

	changed := make(map[identity.NodeId][2]map[topology.Role]struct{})

	for i, sp := range scoredPeers {
		var roles map[topology.Role]struct{}
		var reason string
		if i < quota {
			roles = map[topology.Role]struct{}{topology.RoleRelay: {}}
			reason = "top-scoring within quota"
		} else {
			roles = map[topology.Role]struct{}{topology.RoleClient: {}}
			reason = "below relay quota"
		}

		old, had := m.assignments[sp.id]
		if !had || !sameRoles(old.Roles, roles) {
			var oldRoles map[topology.Role]struct{}
			if had {
				oldRoles = old.Roles
			}
			changed[sp.id] = [2]map[topology.Role]struct{}{oldRoles, roles}
		}

		m.assignments[sp.id] = Assignment{
			NodeId:     sp.id,
			Roles:      roles,
			AssignedAt: m.now(),
			Score:      sp.score,
			Reason:     reason,
		}
		m.topo.SetRoles(sp.id, roles)
	}

	for id, pair := range changed {
		if m.handlers.OnRoleChanged != nil {
			m.handlers.OnRoleChanged(id, pair[0], pair[1])
		}
	}
}

func sameRoles(a, b map[topology.Role]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for r := range a {
		if _, ok := b[r]; !ok {
			return false
		}
	}
	return true
}

// ApplyAnnouncement applies an external role-assign envelope verbatim to a
// peer's assignment. Announcements about the local node itself are ignored;
// its own role is the one Reassess computes.
func (m *Manager) ApplyAnnouncement(id identity.NodeId, roles []topology.Role) {
	if id == m.self {
		return
	}
	set := make(map[topology.Role]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}

	m.mu.Lock()
	old := m.assignments[id]
	m.assignments[id] = Assignment{
		NodeId:     id,
		Roles:      set,
		AssignedAt: m.now(),
		Reason:     "external announcement",
	}
	m.mu.Unlock()

	m.topo.SetRoles(id, set)
	if !sameRoles(old.Roles, set) && m.handlers.OnRoleChanged != nil {
		m.handlers.OnRoleChanged(id, old.Roles, set)
	}
}

// Get returns the current assignment for a peer, if any.
func (m *Manager) Get(id identity.NodeId) (Assignment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	return a, ok
}

// BackupHub picks the highest-scoring relay other than currentHub, tiebreak
// by NodeId ascending. Returns ("", false) if no other relay exists.
func (m *Manager) BackupHub(currentHub identity.NodeId) (identity.NodeId, bool) {
	relays := m.topo.GetRelays()

	m.mu.Lock()
	defer m.mu.Unlock()

	var best identity.NodeId
	bestScore := math.Inf(-1)
	found := false
	for _, r := range relays {
		if r.NodeId == currentHub {
			continue
		}
		a, ok := m.assignments[r.NodeId]
		s := 0.0
		if ok {
			s = a.Score
		}
		if !found || s > bestScore || (s == bestScore && r.NodeId < best) {
			best = r.NodeId
			bestScore = s
			found = true
		}
	}
	return best, found
}

// StartPeriodic runs Reassess on a fixed tick, default 60s.
func (m *Manager) StartPeriodic(interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.Reassess()
			}
		}
	}()
}

// Stop cancels the periodic loop. Idempotent.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
}
