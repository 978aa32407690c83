// Package quicnet is a concrete transport.Transport over QUIC: each peer
// connection is a single bidirectional stream negotiated with multistream,
// carrying length-prefixed wire-encoded envelopes.
package quicnet

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/multiformats/go-multistream"
	"github.com/quic-go/quic-go"

	"github.com/malikkaraoui/tom/envelope"
	"github.com/malikkaraoui/tom/identity"
	"github.com/malikkaraoui/tom/transport"
)

// ProtocolID is the multistream-negotiated protocol for envelope carriage.
const ProtocolID = "/tom/envelope/1.0.0"

// maxFrameSize bounds a single wire-encoded envelope, generous enough for
// a 100KB payload round trip plus JSON/hex overhead.
const maxFrameSize = 512 * 1024

// AddressBook resolves a NodeId to a dialable QUIC address. The overlay's
// topology does not itself carry network addresses, so the concrete
// transport is handed a small side-table populated from bootstrap/presence
// events.
type AddressBook interface {
	Lookup(id identity.NodeId) (addr string, ok bool)
}

// Transport is a QUIC-backed transport.Transport.
type Transport struct {
	self      identity.NodeId
	tlsConf   *tls.Config
	listener  *quic.Listener
	addresses AddressBook

	mu    sync.RWMutex
	conns map[identity.NodeId]*peerConn

	inbound transport.InboundHandler
}

// Listen starts a QUIC listener on addr using a self-signed certificate and
// begins accepting inbound connections. inbound is called for every
// envelope arriving on any peer's stream.
func Listen(ctx context.Context, self identity.NodeId, addr string, addresses AddressBook, inbound transport.InboundHandler) (*Transport, error) {
	tlsConf, err := selfSignedTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("generate tls config: %w", err)
	}

	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen quic %s: %w", addr, err)
	}

	t := &Transport{
		self:      self,
		tlsConf:   tlsConf,
		listener:  ln,
		addresses: addresses,
		conns:     make(map[identity.NodeId]*peerConn),
		inbound:   inbound,
	}

	go t.acceptLoop(ctx)
	return t, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  60 * time.Second,
		KeepAlivePeriod: 15 * time.Second,
	}
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			return
		}
		go t.handleIncoming(ctx, conn)
	}
}

func (t *Transport) handleIncoming(ctx context.Context, qconn *quic.Conn) {
	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		return
	}

	mux := multistream.NewMultistreamMuxer[string]()
	mux.AddHandler(ProtocolID, nil)
	if _, _, err := mux.Negotiate(stream); err != nil {
		stream.Close()
		return
	}

	pc := &peerConn{stream: stream, qconn: qconn}
	pc.readLoop(t.inbound)
}

// ConnectToPeer dials peer id if not already connected, returning the same
// live connection on repeat calls (idempotent).
func (t *Transport) ConnectToPeer(ctx context.Context, id identity.NodeId) (transport.PeerConnection, error) {
	t.mu.RLock()
	if c, ok := t.conns[id]; ok {
		t.mu.RUnlock()
		return c, nil
	}
	t.mu.RUnlock()

	addr, ok := t.addresses.Lookup(id)
	if !ok {
		return nil, transport.ErrPeerUnreachable
	}

	qconn, err := quic.DialAddr(ctx, addr, &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"tom-quic"}}, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrTransportFailed, err)
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrTransportFailed, err)
	}
	if err := multistream.SelectProtoOrFail(ProtocolID, stream); err != nil {
		return nil, fmt.Errorf("%w: negotiate protocol: %v", transport.ErrTransportFailed, err)
	}

	pc := &peerConn{stream: stream, qconn: qconn}

	t.mu.Lock()
	if existing, ok := t.conns[id]; ok {
		t.mu.Unlock()
		pc.Close()
		return existing, nil
	}
	t.conns[id] = pc
	t.mu.Unlock()

	go pc.readLoop(t.inbound)
	pc.OnClose(func() {
		t.mu.Lock()
		delete(t.conns, id)
		t.mu.Unlock()
	})

	return pc, nil
}

func (t *Transport) GetPeer(id identity.NodeId) (transport.PeerConnection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[id]
	return c, ok
}

func (t *Transport) SendTo(ctx context.Context, id identity.NodeId, e *envelope.Envelope) error {
	c, ok := t.GetPeer(id)
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
	conns := make([]*peerConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[identity.NodeId]*peerConn)
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return t.listener.Close()
}

// peerConn is a single QUIC stream carrying length-prefixed wire envelopes.
type peerConn struct {
	stream *quic.Stream
	qconn  *quic.Conn

	mu        sync.Mutex
	closed    bool
	onReceive transport.InboundHandler
	onClose   transport.CloseHandler
}

func (c *peerConn) Send(e *envelope.Envelope) error {
	data, err := envelope.Marshal(e)
	if err != nil {
		return err
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("%w: envelope exceeds max frame size", transport.ErrTransportFailed)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrPeerUnreachable
	}
	if _, err := c.stream.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportFailed, err)
	}
	if _, err := c.stream.Write(data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportFailed, err)
	}
	return nil
}

func (c *peerConn) readLoop(inbound transport.InboundHandler) {
	defer c.Close()
	for {
		var lenPrefix [4]byte
		if _, err := readFull(c.stream, lenPrefix[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(lenPrefix[:])
		if size > maxFrameSize {
			return
		}
		buf := make([]byte, size)
		if _, err := readFull(c.stream, buf); err != nil {
			return
		}
		e, err := envelope.Unmarshal(buf)
		if err != nil {
			continue
		}
		if inbound != nil {
			inbound(e)
		}
	}
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *peerConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handler := c.onClose
	c.mu.Unlock()

	c.stream.Close()
	if handler != nil {
		handler()
	}
	return nil
}

func (c *peerConn) OnReceive(h transport.InboundHandler) {
	c.mu.Lock()
	c.onReceive = h
	c.mu.Unlock()
}

func (c *peerConn) OnClose(h transport.CloseHandler) {
	c.mu.Lock()
	c.onClose = h
	c.mu.Unlock()
}

// selfSignedTLSConfig generates an ephemeral self-signed certificate for the
// listener; node authenticity is established at the envelope-signature
// layer, not the TLS layer, so InsecureSkipVerify on the dial side is safe
// for this transport's threat model.
func selfSignedTLSConfig() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"tom-quic"},
	}, nil
}
