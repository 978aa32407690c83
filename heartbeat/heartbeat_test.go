package heartbeat

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/malikkaraoui/tom/identity"
	"github.com/malikkaraoui/tom/topology"
)

func TestHeartbeatSendsPerTickAndStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	topo := topology.New(50 * time.Millisecond)
	peer := identity.NodeId("p1")
	topo.AddPeer(&topology.PeerInfo{NodeId: peer})

	var sent int32
	hb := New(topo, 10*time.Millisecond, func(id identity.NodeId) {
		atomic.AddInt32(&sent, 1)
	}, Handlers{})
	hb.Track(peer)
	hb.Start()

	time.Sleep(55 * time.Millisecond)
	hb.Stop()

	if atomic.LoadInt32(&sent) < 2 {
		t.Fatalf("expected at least 2 sends, got %d", sent)
	}
}

func TestHeartbeatFiresStaleThenDeparted(t *testing.T) {
	defer goleak.VerifyNone(t)

	topo := topology.New(20 * time.Millisecond)
	peer := identity.NodeId("p1")
	topo.AddPeer(&topology.PeerInfo{NodeId: peer})

	var mu sync.Mutex
	var events []string
	hb := New(topo, 10*time.Millisecond, nil, Handlers{
		OnPeerStale: func(id identity.NodeId) {
			mu.Lock()
			events = append(events, "stale")
			mu.Unlock()
		},
		OnPeerDeparted: func(id identity.NodeId) {
			mu.Lock()
			events = append(events, "departed")
			mu.Unlock()
		},
	})
	hb.Track(peer)
	hb.Start()

	time.Sleep(120 * time.Millisecond)
	hb.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(events) < 2 {
		t.Fatalf("expected stale then departed events, got %v", events)
	}
	if events[0] != "stale" {
		t.Fatalf("expected first transition to be stale, got %v", events)
	}
	foundDeparted := false
	for _, e := range events {
		if e == "departed" {
			foundDeparted = true
		}
	}
	if !foundDeparted {
		t.Fatalf("expected a departed transition, got %v", events)
	}
}

func TestHeartbeatStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	topo := topology.New(time.Second)
	hb := New(topo, time.Millisecond, nil, Handlers{})
	hb.Start()
	hb.Stop()
	hb.Stop()
}

func TestUntrackStopsTrackingPeer(t *testing.T) {
	topo := topology.New(time.Second)
	peer := identity.NodeId("p1")
	topo.AddPeer(&topology.PeerInfo{NodeId: peer})

	hb := New(topo, 0, nil, Handlers{})
	hb.Track(peer)
	hb.Untrack(peer)

	hb.mu.Lock()
	_, tracked := hb.tracked[peer]
	hb.mu.Unlock()
	if tracked {
		t.Fatal("expected peer to be untracked")
	}
}

func TestOfflineDetectorFiresOnlineOnlyAfterDebounceWindow(t *testing.T) {
	topo := topology.New(10 * time.Millisecond)
	peer := identity.NodeId("p1")
	topo.AddPeer(&topology.PeerInfo{NodeId: peer})

	var onlineCount, offlineCount int32
	d := NewOfflineDetector(topo, 50*time.Millisecond,
		func(id identity.NodeId) { atomic.AddInt32(&onlineCount, 1) },
		func(id identity.NodeId) { atomic.AddInt32(&offlineCount, 1) },
	)
	defer d.Stop()

	// The first transition candidate schedules a debounce timer, so
	// nothing fires yet.
	d.Observe(peer)
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&onlineCount) != 0 {
		t.Fatalf("expected no fire before debounce window elapses, got onlineCount=%d", onlineCount)
	}

	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&onlineCount) != 1 {
		t.Fatalf("expected exactly one online fire after debounce, got %d", onlineCount)
	}
	if atomic.LoadInt32(&offlineCount) != 0 {
		t.Fatalf("expected no offline fire yet, got %d", offlineCount)
	}
}

func TestOfflineDetectorStopCancelsPending(t *testing.T) {
	topo := topology.New(10 * time.Millisecond)
	peer := identity.NodeId("p1")
	topo.AddPeer(&topology.PeerInfo{NodeId: peer})

	var fired int32
	d := NewOfflineDetector(topo, 30*time.Millisecond,
		func(id identity.NodeId) { atomic.AddInt32(&fired, 1) },
		func(id identity.NodeId) { atomic.AddInt32(&fired, 1) },
	)
	d.Observe(peer)
	d.Stop()
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("expected Stop to cancel pending timer, got fired=%d", fired)
	}
}
