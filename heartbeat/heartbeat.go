// Package heartbeat tracks peer liveness via periodic pings and fires
// staleness/departure callbacks, with an optional debounce layer that
// absorbs brief flaps before surfacing an online/offline transition.
package heartbeat

import (
	"sync"
	"time"

	"github.com/malikkaraoui/tom/identity"
	"github.com/malikkaraoui/tom/topology"
)

// SendFunc is the injected sender strategy. It is called once per tick for
// every tracked peer.
type SendFunc func(id identity.NodeId)

// Handlers are nil-safe callbacks fired on threshold crossings.
type Handlers struct {
	OnPeerStale    func(id identity.NodeId)
	OnPeerDeparted func(id identity.NodeId)
}

// Heartbeat periodically invokes Send for each tracked peer and records
// inbound heartbeats against the topology.
type Heartbeat struct {
	topo     *topology.Topology
	send     SendFunc
	handlers Handlers
	interval time.Duration

	mu      sync.Mutex
	tracked map[identity.NodeId]struct{}
	crossed map[identity.NodeId]topology.Status // last status reported to handlers

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a Heartbeat. interval is how often Send fires per tracked
// peer; send may be nil if the caller only wants inbound tracking.
func New(topo *topology.Topology, interval time.Duration, send SendFunc, h Handlers) *Heartbeat {
	return &Heartbeat{
		topo:     topo,
		send:     send,
		handlers: h,
		interval: interval,
		tracked:  make(map[identity.NodeId]struct{}),
		crossed:  make(map[identity.NodeId]topology.Status),
		stop:     make(chan struct{}),
	}
}

// Track adds a peer to the watched set.
func (hb *Heartbeat) Track(id identity.NodeId) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	hb.tracked[id] = struct{}{}
}

// Untrack removes a peer from the watched set.
func (hb *Heartbeat) Untrack(id identity.NodeId) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	delete(hb.tracked, id)
	delete(hb.crossed, id)
}

// RecordInbound updates lastSeen for a peer that just sent a heartbeat.
func (hb *Heartbeat) RecordInbound(id identity.NodeId) {
	hb.topo.UpdateLastSeen(id)
}

// Start begins the periodic ping/check loop.
func (hb *Heartbeat) Start() {
	if hb.interval <= 0 {
		return
	}
	hb.wg.Add(1)
	go hb.loop()
}

func (hb *Heartbeat) loop() {
	defer hb.wg.Done()
	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()
	for {
		select {
		case <-hb.stop:
			return
		case <-ticker.C:
			hb.tick()
		}
	}
}

func (hb *Heartbeat) tick() {
	hb.mu.Lock()
	targets := make([]identity.NodeId, 0, len(hb.tracked))
	for id := range hb.tracked {
		targets = append(targets, id)
	}
	hb.mu.Unlock()

	for _, id := range targets {
		if hb.send != nil {
			hb.send(id)
		}
		status, ok := hb.topo.GetPeerStatus(id)
		if !ok {
			continue
		}
		hb.checkTransition(id, status)
	}
}

func (hb *Heartbeat) checkTransition(id identity.NodeId, status topology.Status) {
	hb.mu.Lock()
	prev, had := hb.crossed[id]
	hb.crossed[id] = status
	hb.mu.Unlock()

	if had && prev == status {
		return
	}

	switch status {
	case topology.Stale:
		if hb.handlers.OnPeerStale != nil {
			hb.handlers.OnPeerStale(id)
		}
	case topology.Offline:
		if hb.handlers.OnPeerDeparted != nil {
			hb.handlers.OnPeerDeparted(id)
		}
	}
}

// Stop cancels the periodic loop. Idempotent.
func (hb *Heartbeat) Stop() {
	hb.once.Do(func() { close(hb.stop) })
	hb.wg.Wait()
}
