// Package memnet is an in-memory Transport used by tests and local
// simulation. Peers register into a shared Hub; ConnectToPeer looks up the
// target's registered connection rather than opening a socket. It exists so
// the router, direct-path manager, and orchestrator can be exercised without
// a real QUIC or WebRTC substrate.
package memnet

import (
	"context"
	"sync"

	"github.com/malikkaraoui/tom/envelope"
	"github.com/malikkaraoui/tom/identity"
	"github.com/malikkaraoui/tom/transport"
)

// Hub is the shared registry that in-memory transports dial into. Tests
// create one Hub per simulated network.
type Hub struct {
	mu    sync.RWMutex
	nodes map[identity.NodeId]*Transport
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[identity.NodeId]*Transport)}
}

// Transport is a Hub-backed transport.Transport for a single node.
type Transport struct {
	hub  *Hub
	self identity.NodeId

	mu    sync.RWMutex
	conns map[identity.NodeId]*conn
}

// New registers self with hub and returns its Transport handle.
func New(hub *Hub, self identity.NodeId) *Transport {
	t := &Transport{hub: hub, self: self, conns: make(map[identity.NodeId]*conn)}
	hub.mu.Lock()
	hub.nodes[self] = t
	hub.mu.Unlock()
	return t
}

type conn struct {
	mu        sync.Mutex
	local     identity.NodeId
	remote    identity.NodeId
	peer      *Transport
	closed    bool
	onReceive transport.InboundHandler
	onClose   transport.CloseHandler
}

func (c *conn) Send(e *envelope.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrPeerUnreachable
	}
	c.mu.Unlock()

	c.peer.mu.RLock()
	peerConn, ok := c.peer.conns[c.local]
	c.peer.mu.RUnlock()
	if !ok {
		return transport.ErrPeerUnreachable
	}
	peerConn.mu.Lock()
	handler := peerConn.onReceive
	peerConn.mu.Unlock()
	if handler != nil {
		handler(e)
	}
	return nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handler := c.onClose
	c.mu.Unlock()

	c.peer.mu.Lock()
	peerConn, ok := c.peer.conns[c.local]
	delete(c.peer.conns, c.local)
	c.peer.mu.Unlock()

	if handler != nil {
		handler()
	}
	// Closing the remote half removes this connection from the local
	// transport's table and fires the remote side's close handler.
	if ok {
		peerConn.Close()
	}
	return nil
}

func (c *conn) OnReceive(h transport.InboundHandler) {
	c.mu.Lock()
	c.onReceive = h
	c.mu.Unlock()
}

func (c *conn) OnClose(h transport.CloseHandler) {
	c.mu.Lock()
	c.onClose = h
	c.mu.Unlock()
}

// ConnectToPeer is idempotent: a second call for the same peer returns the
// already-established connection rather than creating a new one.
func (t *Transport) ConnectToPeer(_ context.Context, id identity.NodeId) (transport.PeerConnection, error) {
	t.mu.Lock()
	if existing, ok := t.conns[id]; ok {
		t.mu.Unlock()
		return existing, nil
	}
	t.mu.Unlock()

	t.hub.mu.RLock()
	peerT, ok := t.hub.nodes[id]
	t.hub.mu.RUnlock()
	if !ok {
		return nil, transport.ErrPeerUnreachable
	}

	t.mu.Lock()
	c, ok := t.conns[id]
	if !ok {
		c = &conn{local: t.self, remote: id, peer: peerT}
		t.conns[id] = c
	}
	t.mu.Unlock()

	peerT.mu.Lock()
	if _, ok := peerT.conns[t.self]; !ok {
		peerT.conns[t.self] = &conn{local: id, remote: t.self, peer: t}
	}
	peerT.mu.Unlock()

	return c, nil
}

func (t *Transport) GetPeer(id identity.NodeId) (transport.PeerConnection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[id]
	return c, ok
}

func (t *Transport) SendTo(ctx context.Context, id identity.NodeId, e *envelope.Envelope) error {
	t.mu.RLock()
	c, ok := t.conns[id]
	t.mu.RUnlock()
	if !ok {
		newConn, err := t.ConnectToPeer(ctx, id)
		if err != nil {
			return err
		}
		return newConn.Send(e)
	}
	return c.Send(e)
}

func (t *Transport) DisconnectPeer(id identity.NodeId) error {
	t.mu.RLock()
	c, ok := t.conns[id]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.Close()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[identity.NodeId]*conn)
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	t.hub.mu.Lock()
	delete(t.hub.nodes, t.self)
	t.hub.mu.Unlock()
	return nil
}
