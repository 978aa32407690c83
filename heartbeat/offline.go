package heartbeat

import (
	"sync"
	"time"

	"github.com/malikkaraoui/tom/identity"
	"github.com/malikkaraoui/tom/topology"
)

// reachable collapses topology.Status into the binary view the debounce
// layer cares about: stale counts as still-reachable for this purpose,
// only a full offline transition fires the departed callback.
func reachable(s topology.Status) bool { return s != topology.Offline }

// OfflineDetector wraps a topology with debounce: an online<->offline
// transition only fires after the new state has held continuously for
// debounceWindow. A flap within the window is absorbed and observers stay
// on the prior state.
type OfflineDetector struct {
	topo    *topology.Topology
	window  time.Duration
	onOnline  func(id identity.NodeId)
	onOffline func(id identity.NodeId)

	mu      sync.Mutex
	state   map[identity.NodeId]bool // last fired state: true=online
	pending map[identity.NodeId]*time.Timer
}

// NewOfflineDetector creates a detector with the given debounce window.
func NewOfflineDetector(topo *topology.Topology, window time.Duration, onOnline, onOffline func(identity.NodeId)) *OfflineDetector {
	return &OfflineDetector{
		topo:      topo,
		window:    window,
		onOnline:  onOnline,
		onOffline: onOffline,
		state:     make(map[identity.NodeId]bool),
		pending:   make(map[identity.NodeId]*time.Timer),
	}
}

// Observe is called whenever the detector should re-check a peer's current
// status (e.g. from Heartbeat.checkTransition fan-out, or a direct poll
// tick). It schedules or cancels the pending debounce timer as needed.
func (d *OfflineDetector) Observe(id identity.NodeId) {
	status, ok := d.topo.GetPeerStatus(id)
	if !ok {
		return
	}
	nowOnline := reachable(status)

	d.mu.Lock()
	defer d.mu.Unlock()

	lastFired, known := d.state[id]
	if known && lastFired == nowOnline {
		// Already in this state; cancel any stale pending flip.
		if t, ok := d.pending[id]; ok {
			t.Stop()
			delete(d.pending, id)
		}
		return
	}

	// A transition candidate. If one is already pending toward the same
	// target, leave it running (don't restart the window on every tick).
	if t, ok := d.pending[id]; ok {
		_ = t
		return
	}

	target := nowOnline
	timer := time.AfterFunc(d.window, func() {
		d.fire(id, target)
	})
	d.pending[id] = timer
}

func (d *OfflineDetector) fire(id identity.NodeId, target bool) {
	d.mu.Lock()
	delete(d.pending, id)
	prev, known := d.state[id]
	if known && prev == target {
		d.mu.Unlock()
		return
	}
	d.state[id] = target
	d.mu.Unlock()

	if target {
		if d.onOnline != nil {
			d.onOnline(id)
		}
	} else {
		if d.onOffline != nil {
			d.onOffline(id)
		}
	}
}

// Stop cancels all pending timers. Idempotent.
func (d *OfflineDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.pending {
		t.Stop()
		delete(d.pending, id)
	}
}
