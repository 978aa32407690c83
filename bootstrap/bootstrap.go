// Package bootstrap defines the discovery/signaling collaborator contract:
// peer presence, heartbeat relay, role announcements, and signaling
// payload carriage, with two concrete adapters — a WebSocket signaling
// client and an mDNS LAN discovery adapter.
package bootstrap

import (
	"encoding/json"

	"github.com/malikkaraoui/tom/identity"
)

// Participant is one entry of the initial {participants: [...]} snapshot.
type Participant struct {
	NodeId   identity.NodeId `json:"nodeId"`
	Username string          `json:"username"`
}

// PresenceAction distinguishes a join from a leave presence event.
type PresenceAction string

const (
	PresenceJoin  PresenceAction = "join"
	PresenceLeave PresenceAction = "leave"
)

// Presence is the {action, nodeId, username, publicKey?} event.
//
// The bootstrap layer is known to duplicate nodeId as publicKey in some
// messages; the wire contract accepts both, but verification always
// uses the real public key recovered from identity, never this echoed
// string.
type Presence struct {
	Action    PresenceAction  `json:"action"`
	NodeId    identity.NodeId `json:"nodeId"`
	Username  string          `json:"username"`
	PublicKey string          `json:"publicKey,omitempty"`
}

// RoleAssign is the {nodeId, roles} announcement relayed through bootstrap.
type RoleAssign struct {
	NodeId identity.NodeId `json:"nodeId"`
	Roles  []string        `json:"roles"`
}

// HeartbeatMsg is the {from} heartbeat relayed through bootstrap when two
// peers have no direct channel yet.
type HeartbeatMsg struct {
	From identity.NodeId `json:"from"`
}

// SignalPayload is the opaque payload carried inside a Signal message; for
// relayed envelope carriage its Type is "message" and Envelope holds the
// wire-encoded envelope bytes.
type SignalPayload struct {
	Type     string          `json:"type"`
	Envelope json.RawMessage `json:"envelope,omitempty"`
}

// Signal is the {from, to, payload} path-negotiation / fallback-carriage
// message.
type Signal struct {
	From    identity.NodeId `json:"from"`
	To      identity.NodeId `json:"to"`
	Payload SignalPayload   `json:"payload"`
}

// Handlers are nil-safe callbacks a Collaborator fires as it observes
// bootstrap events.
type Handlers struct {
	OnSnapshot   func(participants []Participant)
	OnPresence   func(p Presence)
	OnHeartbeat  func(h HeartbeatMsg)
	OnRoleAssign func(r RoleAssign)
	OnSignal     func(s Signal)
	OnDisconnected func()
}

// Collaborator is the minimal discovery/signaling contract the core
// consumes. The core never depends on a concrete transport for it; a
// signaling-server adapter and a distributed-rendezvous adapter are both
// valid implementations.
type Collaborator interface {
	Register(nodeId identity.NodeId, username string, publicKey []byte) error
	SendSignal(s Signal) error
	Close() error
}
