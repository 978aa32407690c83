// Package transport defines the minimal bidirectional peer-channel
// abstraction the router and direct-path manager consume. The concrete
// substrate (QUIC over NAT-punched UDP, a WebRTC DataChannel, or an
// in-memory channel for tests) lives in sibling packages and is wired in by
// the orchestrator; this package only fixes the contract.
package transport

import (
	"context"
	"errors"

	"github.com/malikkaraoui/tom/envelope"
	"github.com/malikkaraoui/tom/identity"
)

var (
	// ErrPeerUnreachable is returned by SendTo for an unknown peer.
	ErrPeerUnreachable = errors.New("PEER_UNREACHABLE")

	// ErrTransportFailed wraps a lower-level dial or send failure.
	ErrTransportFailed = errors.New("TRANSPORT_FAILED")
)

// InboundHandler receives envelopes delivered by the remote side of a
// PeerConnection.
type InboundHandler func(e *envelope.Envelope)

// CloseHandler is invoked once when a PeerConnection's underlying channel
// closes, whether by local or remote action.
type CloseHandler func()

// PeerConnection is a single bidirectional channel to one peer.
type PeerConnection interface {
	Send(e *envelope.Envelope) error
	Close() error
	OnReceive(h InboundHandler)
	OnClose(h CloseHandler)
}

// Transport is the core's sole window onto the network. Connecting twice to
// the same peer is idempotent: it must return the same live connection.
type Transport interface {
	ConnectToPeer(ctx context.Context, id identity.NodeId) (PeerConnection, error)
	GetPeer(id identity.NodeId) (PeerConnection, bool)
	SendTo(ctx context.Context, id identity.NodeId, e *envelope.Envelope) error
	DisconnectPeer(id identity.NodeId) error
	Close() error
}
