// Package router delivers local envelopes, forwards remote ones, suppresses
// duplicates, and emits relay/delivery/read acknowledgements.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/malikkaraoui/tom/envelope"
	"github.com/malikkaraoui/tom/identity"
	"github.com/malikkaraoui/tom/transport"
)

// Errors on the wire taxonomy this package can produce.
var (
	ErrPeerUnreachable  = errors.New("PEER_UNREACHABLE")
	ErrRelayUnreachable = errors.New("RELAY_UNREACHABLE")
)

// ConnectionTypeFunc reports how the router should currently prefer to
// reach a peer; the direct-path manager is the usual implementation.
type ConnectionTypeFunc func(id identity.NodeId) envelope.RouteType

// Handlers are nil-safe callbacks the router fires as it processes
// envelopes. Only OnMessageDelivered carries a user-visible payload; the
// rest are observability hooks.
type Handlers struct {
	OnMessageDelivered    func(e *envelope.Envelope)
	OnMessageForwarded    func(e *envelope.Envelope, nextHop identity.NodeId)
	OnMessageRejected     func(e *envelope.Envelope, reason error)
	OnRelayAckReceived    func(messageID string, from identity.NodeId)
	OnDeliveryAckReceived func(messageID string, from identity.NodeId)
	OnReadReceiptReceived func(messageID string, from identity.NodeId)
}

// Router is the single owner of the inbound dedup cache and the outbound
// rate limiter for the local node.
type Router struct {
	self      identity.NodeId
	id        *identity.Identity
	transport transport.Transport
	handlers  Handlers
	connType  ConnectionTypeFunc

	dedup   *dedupCache
	limiter *rate.Limiter
}

// Config holds the tunables New reads; zero values take their defaults.
type Config struct {
	// OutboundRatePerSecond bounds sustained outbound sends; defaults to
	// 200/s with a burst of 50 if unset.
	OutboundRatePerSecond float64
	OutboundBurst         int
}

// New creates a Router. connType may be nil, in which case
// SendWithDirectPreference always uses the fallback relay.
func New(self identity.NodeId, id *identity.Identity, tr transport.Transport, connType ConnectionTypeFunc, h Handlers, cfg Config) *Router {
	rps := cfg.OutboundRatePerSecond
	if rps <= 0 {
		rps = 200
	}
	burst := cfg.OutboundBurst
	if burst <= 0 {
		burst = 50
	}
	return &Router{
		self:      self,
		id:        id,
		transport: tr,
		handlers:  h,
		connType:  connType,
		dedup:     newDedupCache(),
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// HandleInbound is the transport's InboundHandler: it implements the
// deliver/forward/reject decision tree for one envelope arriving from the
// wire.
func (r *Router) HandleInbound(ctx context.Context, e *envelope.Envelope) {
	if err := envelope.Verify(e); err != nil {
		return
	}

	if e.To == r.self {
		r.deliver(ctx, e)
		return
	}

	r.forwardOrReject(ctx, e)
}

// AsInboundHandler adapts HandleInbound to transport.InboundHandler, which
// carries no context; PeerConnection callbacks run on the transport's own
// goroutine and are expected to return quickly.
func (r *Router) AsInboundHandler() transport.InboundHandler {
	return func(e *envelope.Envelope) {
		r.HandleInbound(context.Background(), e)
	}
}

func (r *Router) deliver(ctx context.Context, e *envelope.Envelope) {
	if r.dedup.seenBefore(e.From, e.ID) {
		return
	}

	r.handleAckSubtypes(e)

	if isAckType(e.Type) {
		return
	}

	if r.handlers.OnMessageDelivered != nil {
		r.handlers.OnMessageDelivered(e)
	}

	ack, err := r.createEnvelope(e.From, envelope.TypeAckDelivery, ackPayload(e.ID, 0), nil)
	if err != nil {
		return
	}
	_ = r.transport.SendTo(ctx, e.From, ack)
}

func isAckType(t string) bool {
	switch t {
	case envelope.TypeAckRelay, envelope.TypeAckDelivery, envelope.TypeReadReceipt:
		return true
	default:
		return false
	}
}

func (r *Router) handleAckSubtypes(e *envelope.Envelope) {
	if !isAckType(e.Type) {
		return
	}
	var p envelope.AckPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return
	}
	switch e.Type {
	case envelope.TypeAckRelay:
		if r.handlers.OnRelayAckReceived != nil {
			r.handlers.OnRelayAckReceived(p.OriginalMessageID, e.From)
		}
	case envelope.TypeAckDelivery:
		if r.handlers.OnDeliveryAckReceived != nil {
			r.handlers.OnDeliveryAckReceived(p.OriginalMessageID, e.From)
		}
	case envelope.TypeReadReceipt:
		if r.handlers.OnReadReceiptReceived != nil {
			r.handlers.OnReadReceiptReceived(p.OriginalMessageID, e.From)
		}
	}
}

func (r *Router) forwardOrReject(ctx context.Context, e *envelope.Envelope) {
	if _, ok := r.transport.GetPeer(e.To); !ok {
		if r.handlers.OnMessageRejected != nil {
			r.handlers.OnMessageRejected(e, ErrPeerUnreachable)
		}
		return
	}

	if e.HasHop(r.self) {
		if r.handlers.OnMessageRejected != nil {
			r.handlers.OnMessageRejected(e, envelope.ErrSelfLoop)
		}
		return
	}

	fwd := *e
	fwd.Via = append(append([]identity.NodeId(nil), e.Via...), r.self)
	if fwd.HopTimestamps == nil {
		fwd.HopTimestamps = make(map[identity.NodeId]int64, len(e.HopTimestamps)+1)
	} else {
		cp := make(map[identity.NodeId]int64, len(e.HopTimestamps)+1)
		for k, v := range e.HopTimestamps {
			cp[k] = v
		}
		fwd.HopTimestamps = cp
	}
	fwd.HopTimestamps[r.self] = envelope.NowMillis()

	if err := r.send(ctx, e.To, &fwd); err != nil {
		if r.handlers.OnMessageRejected != nil {
			r.handlers.OnMessageRejected(e, ErrPeerUnreachable)
		}
		return
	}

	if r.handlers.OnMessageForwarded != nil {
		r.handlers.OnMessageForwarded(&fwd, e.To)
	}

	ack, err := r.createEnvelope(e.From, envelope.TypeAckRelay, ackPayload(e.ID, 0), nil)
	if err == nil {
		_ = r.send(ctx, e.From, ack)
	}
}

// send applies outbound rate limiting before handing off to the transport.
func (r *Router) send(ctx context.Context, to identity.NodeId, e *envelope.Envelope) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.transport.SendTo(ctx, to, e)
}

// createEnvelope produces a fresh signed envelope addressed to `to`.
func (r *Router) createEnvelope(to identity.NodeId, typ string, payload []byte, via []identity.NodeId) (*envelope.Envelope, error) {
	return envelope.Create(r.id, to, typ, payload, via)
}

// CreateEnvelope is the public outbound entry point used by callers above
// the router (the orchestrator, direct-path manager).
func (r *Router) CreateEnvelope(to identity.NodeId, typ string, payload []byte) (*envelope.Envelope, error) {
	return r.createEnvelope(to, typ, payload, nil)
}

// SendViaRelay dispatches e to relayId as its first hop, leaving e.Via
// unchanged; the relay appends itself when it forwards. It does not wait for the relay's own ack/relay; callers track that
// through the message tracker.
func (r *Router) SendViaRelay(ctx context.Context, e *envelope.Envelope, relayId identity.NodeId) error {
	if _, ok := r.transport.GetPeer(relayId); !ok {
		return fmt.Errorf("%w: %s", ErrRelayUnreachable, relayId)
	}
	return r.send(ctx, relayId, e)
}

// SendWithDirectPreference sends directly to e.To when the connection-type
// function reports a direct route is active, otherwise via fallbackRelay.
func (r *Router) SendWithDirectPreference(ctx context.Context, e *envelope.Envelope, fallbackRelay identity.NodeId) error {
	if r.connType != nil && r.connType(e.To) == envelope.RouteDirect {
		if err := r.send(ctx, e.To, e); err == nil {
			return nil
		}
	}
	return r.SendViaRelay(ctx, e, fallbackRelay)
}

// SendReadReceipt emits a read-receipt envelope for messageID to sender.
// Callers (the orchestrator) are responsible for the one-shot invariant;
// the router itself sends unconditionally on every call.
func (r *Router) SendReadReceipt(ctx context.Context, sender identity.NodeId, messageID string) error {
	e, err := r.createEnvelope(sender, envelope.TypeReadReceipt, ackPayload(messageID, envelope.NowMillis()), nil)
	if err != nil {
		return err
	}
	return r.send(ctx, sender, e)
}

func ackPayload(originalID string, readAt int64) []byte {
	p := envelope.AckPayload{OriginalMessageID: originalID, ReadAt: readAt}
	b, _ := json.Marshal(p)
	return b
}
