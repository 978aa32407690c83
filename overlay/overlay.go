// Package overlay composes identity, topology, router, role manager, relay
// selector, direct-path manager, message tracker, heartbeat, and group
// election into the single orchestrator each node runs.
package overlay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/malikkaraoui/tom/bootstrap"
	"github.com/malikkaraoui/tom/directpath"
	"github.com/malikkaraoui/tom/envelope"
	"github.com/malikkaraoui/tom/group"
	"github.com/malikkaraoui/tom/heartbeat"
	"github.com/malikkaraoui/tom/identity"
	"github.com/malikkaraoui/tom/relay"
	"github.com/malikkaraoui/tom/role"
	"github.com/malikkaraoui/tom/router"
	"github.com/malikkaraoui/tom/topology"
	"github.com/malikkaraoui/tom/tracker"
	"github.com/malikkaraoui/tom/transport"
)

// DefaultTrackerCleanupInterval is the periodic sweep period for stale
// tracker entries.
const DefaultTrackerCleanupInterval = 5 * time.Minute

// DefaultTrackerMaxAge bounds how long a terminal message entry survives.
const DefaultTrackerMaxAge = 24 * time.Hour

// Events surfaces the operator-visible stream. Any field may be
// nil; Node never blocks waiting for a caller to consume an event.
type Events struct {
	OnIdentityReady        func(id identity.NodeId)
	OnConnected            func()
	OnPeerConnected        func(id identity.NodeId)
	OnPeerDisconnected     func(id identity.NodeId)
	OnMessageSent          func(e *envelope.Envelope)
	OnMessageSentDirect    func(e *envelope.Envelope)
	OnMessageForwarded     func(e *envelope.Envelope, nextHop identity.NodeId)
	OnMessageRejected      func(e *envelope.Envelope, reason error)
	OnMessageDelivered     func(e *envelope.Envelope)
	OnMessageStatus        func(messageID string, status tracker.Status)
	OnRelaySelected        func(target, relay identity.NodeId)
	OnRelayNone            func(target identity.NodeId, reason string)
	OnRoleChanged          func(id identity.NodeId, old, new map[topology.Role]struct{})
	OnCapacityWarning      func(groupId string)
	OnDirectPathEstablished func(id identity.NodeId)
	OnDirectPathLost        func(id identity.NodeId)
	OnDirectPathRestored    func(id identity.NodeId)
	OnReadReceiptSent      func(messageID string)
	OnReadReceiptFailed    func(messageID string)
	OnCleanupCompleted     func(removed int)
	OnElectedAsHub         func(groupId string)
	OnHubElected           func(groupId string, hub identity.NodeId)
	OnElectionFailed       func(groupId string)
}

// Node is the orchestrator: the single owner of topology, router, role
// manager, relay selector, direct-path manager, and message tracker.
type Node struct {
	self identity.NodeId
	id   *identity.Identity

	transport transport.Transport
	topo      *topology.Topology
	metrics   *role.MetricsStore
	roles     *role.Manager
	relaySel  *relay.Selector
	direct    *directpath.Manager
	track     *tracker.Tracker
	router    *router.Router
	hb        *heartbeat.Heartbeat
	offline   *heartbeat.OfflineDetector
	groups    *group.Manager

	events Events

	mu               sync.Mutex
	senderOf         map[string]identity.NodeId // messageId -> original sender, for read-receipt routing
	readReceiptsSent map[string]struct{}

	cfg Config

	cancel    context.CancelFunc
	stopOnce  sync.Once
	stopGroup errgroup.Group
}

// Config bundles the tunables a Node needs at construction.
type Config struct {
	StaleThreshold         time.Duration
	HeartbeatInterval       time.Duration
	OfflineDebounceWindow   time.Duration
	RoleReevalInterval      time.Duration
	RelayRatio              int
	MaxGroups               int
	TrackerCleanupInterval  time.Duration
	TrackerMaxAge           time.Duration
}

// New builds a Node with every component wired together, but does not yet
// start any periodic loop.
func New(id *identity.Identity, tr transport.Transport, cfg Config, ev Events) *Node {
	self := id.Node
	topo := topology.New(cfg.StaleThreshold)
	metrics := role.NewMetricsStore()

	n := &Node{
		self:             self,
		id:               id,
		transport:        tr,
		topo:             topo,
		metrics:          metrics,
		events:           ev,
		cfg:              cfg,
		senderOf:         make(map[string]identity.NodeId),
		readReceiptsSent: make(map[string]struct{}),
	}

	n.roles = role.New(topo, metrics, self, cfg.RelayRatio, role.Handlers{OnRoleChanged: n.onRoleChanged})

	n.relaySel = relay.New(topo, self, func(id identity.NodeId) (float64, bool) {
		a, ok := n.roles.Get(id)
		if !ok {
			return 0, false
		}
		return a.Score, true
	})
	n.direct = directpath.New(tr, directpath.Handlers{
		OnDirectPathEstablished: n.events.OnDirectPathEstablished,
		OnDirectPathLost:        n.events.OnDirectPathLost,
		OnDirectPathRestored:    n.events.OnDirectPathRestored,
	})

	n.track = tracker.New(tracker.Handlers{OnStatusChanged: n.onTrackerStatusChanged})

	n.router = router.New(self, id, tr, n.direct.GetConnectionType, router.Handlers{
		OnMessageDelivered:    n.onMessageDelivered,
		OnMessageForwarded:    ev.OnMessageForwarded,
		OnMessageRejected:     ev.OnMessageRejected,
		OnRelayAckReceived:    n.onRelayAck,
		OnDeliveryAckReceived: n.onDeliveryAck,
		OnReadReceiptReceived: n.onReadReceiptAck,
	}, router.Config{})

	n.hb = heartbeat.New(topo, cfg.HeartbeatInterval, n.sendHeartbeat, heartbeat.Handlers{
		OnPeerStale:    func(id identity.NodeId) { n.offline.Observe(id) },
		OnPeerDeparted: func(id identity.NodeId) { n.offline.Observe(id) },
	})
	n.offline = heartbeat.NewOfflineDetector(topo, cfg.OfflineDebounceWindow, n.onPeerOnline, n.onPeerOffline)

	n.groups = group.New(topo, self, cfg.MaxGroups, group.Handlers{
		OnElectedAsHub:   ev.OnElectedAsHub,
		OnHubElected:     ev.OnHubElected,
		OnElectionFailed: ev.OnElectionFailed,
	})

	return n
}

func (n *Node) sendHeartbeat(id identity.NodeId) {
	e, err := n.router.CreateEnvelope(id, envelope.TypeHeartbeat, nil)
	if err != nil {
		return
	}
	_ = n.transport.SendTo(context.Background(), id, e)
}

func (n *Node) onPeerOnline(id identity.NodeId) {
	if n.events.OnPeerConnected != nil {
		n.events.OnPeerConnected(id)
	}
	n.direct.OnPeerOnline(context.Background(), id)
	n.roles.Reassess()
}

func (n *Node) onPeerOffline(id identity.NodeId) {
	if n.events.OnPeerDisconnected != nil {
		n.events.OnPeerDisconnected(id)
	}
	n.roles.Reassess()

	for _, groupId := range n.groups.GroupIDsForHub(id) {
		n.groups.HandleHubUnavailable(groupId)
	}
}

// onRoleChanged forwards every role change to the operator event stream
// and, when the change is the local node's own, broadcasts a role-assign
// announcement to every reachable peer.
func (n *Node) onRoleChanged(id identity.NodeId, old, new map[topology.Role]struct{}) {
	if n.events.OnRoleChanged != nil {
		n.events.OnRoleChanged(id, old, new)
	}
	if id != n.self {
		return
	}
	roles := make([]string, 0, len(new))
	for r := range new {
		roles = append(roles, string(r))
	}
	n.BroadcastRoleChange(context.Background(), roles)
}

func (n *Node) onMessageDelivered(e *envelope.Envelope) {
	n.direct.ObserveEnvelope(n.self, e)

	n.mu.Lock()
	n.senderOf[e.ID] = e.From
	n.mu.Unlock()

	if n.events.OnMessageDelivered != nil {
		n.events.OnMessageDelivered(e)
	}
}

func (n *Node) onRelayAck(messageID string, from identity.NodeId) {
	_ = n.track.MarkRelayed(messageID)
	n.metrics.RecordRelaySuccess(from, 1)
}

func (n *Node) onDeliveryAck(messageID string, from identity.NodeId) {
	_ = n.track.MarkDelivered(messageID)
}

func (n *Node) onReadReceiptAck(messageID string, from identity.NodeId) {
	_ = n.track.MarkRead(messageID)
}

func (n *Node) onTrackerStatusChanged(id string, old, new tracker.Status) {
	if n.events.OnMessageStatus != nil {
		n.events.OnMessageStatus(id, new)
	}
}

// SendMessage creates a chat envelope to `to` and dispatches it, preferring
// a direct path if one is active, else the best available relay.
func (n *Node) SendMessage(ctx context.Context, to identity.NodeId, payload []byte) (string, error) {
	return n.send(ctx, to, envelope.TypeChat, payload)
}

// send creates an envelope of type typ to `to` and dispatches it the way
// SendMessage describes.
func (n *Node) send(ctx context.Context, to identity.NodeId, typ string, payload []byte) (string, error) {
	e, err := n.router.CreateEnvelope(to, typ, payload)
	if err != nil {
		return "", err
	}
	n.track.Track(e.ID, to)

	if n.direct.GetConnectionType(to) == envelope.RouteDirect {
		if err := n.transport.SendTo(ctx, to, e); err == nil {
			_ = n.track.MarkSent(e.ID)
			n.direct.ObserveEnvelope(n.self, e)
			if n.events.OnMessageSentDirect != nil {
				n.events.OnMessageSentDirect(e)
			}
			return e.ID, nil
		}
	}

	sel := n.relaySel.SelectBestRelay(to)
	if !sel.Ok {
		_ = n.track.MarkFailed(e.ID)
		if n.events.OnRelayNone != nil {
			n.events.OnRelayNone(to, sel.Reason)
		}
		return e.ID, router.ErrPeerUnreachable
	}

	if n.events.OnRelaySelected != nil {
		n.events.OnRelaySelected(to, sel.RelayId)
	}

	if err := n.router.SendViaRelay(ctx, e, sel.RelayId); err != nil {
		_ = n.track.MarkFailed(e.ID)
		n.metrics.RecordRelayFailure(sel.RelayId, 1)
		return e.ID, err
	}

	_ = n.track.MarkSent(e.ID)
	n.direct.ObserveEnvelope(n.self, e)
	if n.events.OnMessageSent != nil {
		n.events.OnMessageSent(e)
	}
	return e.ID, nil
}

// MarkAsRead sends a read-receipt envelope for messageID, at most once.
// Returns true on the first successful send, false on any subsequent call
// or when the original sender is unknown.
func (n *Node) MarkAsRead(ctx context.Context, messageID string) bool {
	n.mu.Lock()
	if _, already := n.readReceiptsSent[messageID]; already {
		n.mu.Unlock()
		return false
	}
	sender, ok := n.senderOf[messageID]
	if !ok {
		n.mu.Unlock()
		return false
	}
	n.readReceiptsSent[messageID] = struct{}{}
	n.mu.Unlock()

	if err := n.router.SendReadReceipt(ctx, sender, messageID); err != nil {
		if n.events.OnReadReceiptFailed != nil {
			n.events.OnReadReceiptFailed(messageID)
		}
		n.mu.Lock()
		delete(n.readReceiptsSent, messageID)
		n.mu.Unlock()
		return false
	}

	if n.events.OnReadReceiptSent != nil {
		n.events.OnReadReceiptSent(messageID)
	}
	return true
}

// ApplyRoleAnnouncement applies an inbound role-assign envelope.
func (n *Node) ApplyRoleAnnouncement(from identity.NodeId, roles []topology.Role) {
	n.roles.ApplyAnnouncement(from, roles)
}

// HandleSnapshot seeds the topology from the bootstrap collaborator's
// initial {participants: [...]} message.
func (n *Node) HandleSnapshot(participants []bootstrap.Participant) {
	for _, p := range participants {
		if p.NodeId == n.self {
			continue
		}
		n.topo.AddPeer(&topology.PeerInfo{NodeId: p.NodeId, Username: p.Username})
		n.hb.Track(p.NodeId)
	}
	n.roles.Reassess()
}

// HandlePresence applies a join/leave presence event from the bootstrap
// collaborator. A join adds or refreshes the peer; a leave removes it
// outright.
func (n *Node) HandlePresence(p bootstrap.Presence) {
	if p.NodeId == n.self {
		return
	}
	switch p.Action {
	case bootstrap.PresenceJoin:
		n.topo.AddPeer(&topology.PeerInfo{NodeId: p.NodeId, Username: p.Username})
		n.hb.Track(p.NodeId)
		if n.events.OnPeerConnected != nil {
			n.events.OnPeerConnected(p.NodeId)
		}
	case bootstrap.PresenceLeave:
		n.topo.RemovePeer(p.NodeId)
		n.hb.Untrack(p.NodeId)
		for _, groupId := range n.groups.GroupIDsForHub(p.NodeId) {
			n.groups.HandleHubUnavailable(groupId)
		}
		if n.events.OnPeerDisconnected != nil {
			n.events.OnPeerDisconnected(p.NodeId)
		}
	}
	n.roles.Reassess()
}

// HandleBootstrapHeartbeat records a heartbeat relayed through the
// bootstrap collaborator (used before a direct transport connection
// exists between the two peers).
func (n *Node) HandleBootstrapHeartbeat(h bootstrap.HeartbeatMsg) {
	n.hb.RecordInbound(h.From)
	n.offline.Observe(h.From)
}

// BroadcastRoleChange sends a role-assign envelope to every reachable peer,
// used when the local node's own role is recomputed.
func (n *Node) BroadcastRoleChange(ctx context.Context, roles []string) {
	payload := envelope.RoleAssignPayload{Roles: roles}
	for _, p := range n.topo.GetReachablePeers() {
		e, err := n.router.CreateEnvelope(p.NodeId, envelope.TypeRoleAssign, marshalRoles(payload))
		if err != nil {
			continue
		}
		_ = n.transport.SendTo(ctx, p.NodeId, e)
	}
}

// CreateGroup registers a new group hubbed at hubId, nominating a backup
// hub among the current relay set. Returns false (and fires
// capacity:warning) if the node is already at its MaxGroups limit.
func (n *Node) CreateGroup(groupId, name string, hubId identity.NodeId, members []group.Member) bool {
	backup, _ := n.roles.BackupHub(hubId)
	ok := n.groups.Create(&group.State{
		GroupId:     groupId,
		Name:        name,
		HubId:       hubId,
		Members:     members,
		CreatedAt:   time.Now(),
		BackupHubId: backup,
	})
	if !ok && n.events.OnCapacityWarning != nil {
		n.events.OnCapacityWarning(groupId)
	}
	return ok
}

// GetGroup returns a copy of a group's current state.
func (n *Node) GetGroup(groupId string) (group.State, bool) {
	return n.groups.Get(groupId)
}

// SendGroupMessage relays a group/message envelope to the group's current
// hub, which fans it out to the remaining spokes; the core only forwards,
// it does not interpret membership.
func (n *Node) SendGroupMessage(ctx context.Context, groupId string, payload []byte) (string, error) {
	g, ok := n.groups.Get(groupId)
	if !ok {
		return "", router.ErrPeerUnreachable
	}
	return n.send(ctx, g.HubId, envelope.TypeGroupMessage, payload)
}

func marshalRoles(p envelope.RoleAssignPayload) []byte {
	b, _ := json.Marshal(p)
	return b
}

// Start begins every periodic loop: heartbeat, role re-evaluation, and
// tracker cleanup.
func (n *Node) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.hb.Start()
	n.roles.StartPeriodic(n.cfg.RoleReevalInterval)

	interval := n.cfg.TrackerCleanupInterval
	if interval <= 0 {
		interval = DefaultTrackerCleanupInterval
	}
	maxAge := n.cfg.TrackerMaxAge
	if maxAge <= 0 {
		maxAge = DefaultTrackerMaxAge
	}
	n.stopGroup.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return nil
			case <-ticker.C:
				removed := n.track.CleanupOldMessages(maxAge)
				if n.events.OnCleanupCompleted != nil {
					n.events.OnCleanupCompleted(removed)
				}
			}
		}
	})

	if n.events.OnIdentityReady != nil {
		n.events.OnIdentityReady(n.self)
	}
	if n.events.OnConnected != nil {
		n.events.OnConnected()
	}

	slog.Debug("overlay node started", "node", n.self)
}

// Stop cancels every owned timer, closes the transport, and is idempotent.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		n.hb.Stop()
		n.roles.Stop()
		n.offline.Stop()
		_ = n.stopGroup.Wait()
		_ = n.transport.Close()
	})
}
