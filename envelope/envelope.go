// Package envelope defines the signed, routable message unit exchanged
// between nodes, and the recognised ACK / read-receipt sub-types carried
// inside its payload.
package envelope

import (
	"time"

	"github.com/malikkaraoui/tom/identity"
)

// RouteType records how an envelope reached its destination, for display
// and for the direct-path manager's connection-type queries.
type RouteType string

const (
	RouteDirect RouteType = "direct"
	RouteRelay  RouteType = "relay"
)

// Well-known envelope types recognised by the core. Anything else is an
// opaque user payload and is delivered unchanged.
const (
	TypeChat         = "chat"
	TypeAckRelay     = "ack/relay"
	TypeAckDelivery  = "ack/delivery"
	TypeReadReceipt  = "read-receipt"
	TypeRoleAssign   = "role-assign"
	TypeHeartbeat    = "heartbeat"
	TypeGroupInvite  = "group/invite"
	TypeGroupJoin    = "group/join"
	TypeGroupMessage = "group/message"
)

// Envelope is the sole unit of inter-peer communication. Payload is opaque
// to the router; it may itself be a sealed identity.SealedPayload encoded
// as bytes by the caller.
type Envelope struct {
	ID        string
	From      identity.NodeId
	To        identity.NodeId
	Via       []identity.NodeId
	Type      string
	Payload   []byte
	Timestamp int64 // milliseconds since epoch at sender

	Signature []byte

	RouteType     RouteType
	HopTimestamps map[identity.NodeId]int64
}

// NowMillis is the monotonic wall-clock source used to stamp envelopes.
// Exposed as a variable so tests can pin a fixed clock.
var NowMillis = func() int64 { return time.Now().UnixMilli() }

// HasHop reports whether n already appears in Via, used by the router to
// enforce the "append self exactly once" loop-protection invariant.
func (e *Envelope) HasHop(n identity.NodeId) bool {
	for _, v := range e.Via {
		if v == n {
			return true
		}
	}
	return false
}

// AckPayload is the structured form of the payload carried by ack/relay,
// ack/delivery, and read-receipt sub-type envelopes. The wire payload
// remains opaque bytes (JSON-encoded AckPayload); this type only exists
// inside the process once the router recognises the envelope type.
type AckPayload struct {
	OriginalMessageID string `json:"originalMessageId"`
	ReadAt            int64  `json:"readAt,omitempty"`
}

// RoleAssignPayload is the structured form of a role-assign envelope.
type RoleAssignPayload struct {
	Roles []string `json:"roles"`
}
