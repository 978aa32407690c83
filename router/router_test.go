package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/malikkaraoui/tom/envelope"
	"github.com/malikkaraoui/tom/identity"
	"github.com/malikkaraoui/tom/transport/memnet"
)

type nodeFixture struct {
	id     *identity.Identity
	router *Router
	tr     *memnet.Transport
}

func newFixture(t *testing.T, hub *memnet.Hub, h Handlers) *nodeFixture {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	tr := memnet.New(hub, id.Node)
	r := New(id.Node, id, tr, nil, h, Config{})
	return &nodeFixture{id: id, router: r, tr: tr}
}

func connect(t *testing.T, a, b *nodeFixture) {
	t.Helper()
	if _, err := a.tr.ConnectToPeer(context.Background(), b.id.Node); err != nil {
		t.Fatalf("ConnectToPeer a->b: %v", err)
	}
	if _, err := b.tr.ConnectToPeer(context.Background(), a.id.Node); err != nil {
		t.Fatalf("ConnectToPeer b->a: %v", err)
	}
}

func TestHandleInboundDeliversAndAcks(t *testing.T) {
	hub := memnet.NewHub()

	var delivered *envelope.Envelope
	var mu sync.Mutex
	recipient := newFixture(t, hub, Handlers{
		OnMessageDelivered: func(e *envelope.Envelope) {
			mu.Lock()
			delivered = e
			mu.Unlock()
		},
	})
	sender := newFixture(t, hub, Handlers{})
	connect(t, sender, recipient)

	recipientConn, err := recipient.tr.ConnectToPeer(context.Background(), sender.id.Node)
	if err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}
	recipientConn.OnReceive(func(e *envelope.Envelope) { recipient.router.HandleInbound(context.Background(), e) })

	var ackReceived *envelope.Envelope
	senderConn, err := sender.tr.ConnectToPeer(context.Background(), recipient.id.Node)
	if err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}
	senderConn.OnReceive(func(e *envelope.Envelope) { ackReceived = e })

	e, err := envelope.Create(sender.id, recipient.id.Node, envelope.TypeChat, []byte("hi"), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := sender.tr.SendTo(context.Background(), recipient.id.Node, e); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered == nil || delivered.ID != e.ID {
		t.Fatalf("expected message delivered to recipient, got %+v", delivered)
	}
	if ackReceived == nil || ackReceived.Type != envelope.TypeAckDelivery {
		t.Fatalf("expected an ack/delivery envelope back to sender, got %+v", ackReceived)
	}
}

func TestHandleInboundRejectsInvalidSignature(t *testing.T) {
	hub := memnet.NewHub()
	var delivered bool
	recipient := newFixture(t, hub, Handlers{
		OnMessageDelivered: func(e *envelope.Envelope) { delivered = true },
	})
	sender := newFixture(t, hub, Handlers{})

	e, err := envelope.Create(sender.id, recipient.id.Node, envelope.TypeChat, []byte("hi"), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	e.Payload = []byte("tampered")
	recipient.router.HandleInbound(context.Background(), e)

	if delivered {
		t.Fatal("expected tampered envelope to be dropped, not delivered")
	}
}

func TestHandleInboundDedupsRepeatDelivery(t *testing.T) {
	hub := memnet.NewHub()
	var count int
	recipient := newFixture(t, hub, Handlers{
		OnMessageDelivered: func(e *envelope.Envelope) { count++ },
	})
	sender := newFixture(t, hub, Handlers{})

	e, err := envelope.Create(sender.id, recipient.id.Node, envelope.TypeChat, []byte("hi"), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	recipient.router.HandleInbound(context.Background(), e)
	recipient.router.HandleInbound(context.Background(), e)

	if count != 1 {
		t.Fatalf("expected dedup to suppress the repeat delivery, got count=%d", count)
	}
}

func TestForwardOrRejectUnreachablePeer(t *testing.T) {
	hub := memnet.NewHub()
	var rejectedReason error
	relay := newFixture(t, hub, Handlers{
		OnMessageRejected: func(e *envelope.Envelope, reason error) { rejectedReason = reason },
	})
	sender := newFixture(t, hub, Handlers{})
	connect(t, sender, relay)

	unreachable, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	e, err := envelope.Create(sender.id, unreachable.Node, envelope.TypeChat, []byte("hi"), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	relay.router.HandleInbound(context.Background(), e)

	if rejectedReason != ErrPeerUnreachable {
		t.Fatalf("expected ErrPeerUnreachable, got %v", rejectedReason)
	}
}

func TestForwardOrRejectSelfLoop(t *testing.T) {
	hub := memnet.NewHub()
	var rejectedReason error
	relay := newFixture(t, hub, Handlers{
		OnMessageRejected: func(e *envelope.Envelope, reason error) { rejectedReason = reason },
	})
	sender := newFixture(t, hub, Handlers{})
	target := newFixture(t, hub, Handlers{})
	connect(t, sender, relay)
	connect(t, relay, target)

	e, err := envelope.Create(sender.id, target.id.Node, envelope.TypeChat, []byte("hi"), []identity.NodeId{relay.id.Node})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	relay.router.HandleInbound(context.Background(), e)

	if rejectedReason == nil {
		t.Fatal("expected a rejection when the envelope already carries this relay as a hop")
	}
}

func TestForwardOrRejectForwardsAndAcks(t *testing.T) {
	hub := memnet.NewHub()

	var forwardedTo identity.NodeId
	relay := newFixture(t, hub, Handlers{
		OnMessageForwarded: func(e *envelope.Envelope, nextHop identity.NodeId) { forwardedTo = nextHop },
	})
	sender := newFixture(t, hub, Handlers{})
	target := newFixture(t, hub, Handlers{})
	connect(t, sender, relay)
	connect(t, relay, target)

	var ackReceived *envelope.Envelope
	senderConn, err := sender.tr.ConnectToPeer(context.Background(), relay.id.Node)
	if err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}
	senderConn.OnReceive(func(e *envelope.Envelope) { ackReceived = e })

	var delivered *envelope.Envelope
	targetConn, err := target.tr.ConnectToPeer(context.Background(), relay.id.Node)
	if err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}
	targetConn.OnReceive(func(e *envelope.Envelope) { delivered = e })

	e, err := envelope.Create(sender.id, target.id.Node, envelope.TypeChat, []byte("hi"), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	relay.router.HandleInbound(context.Background(), e)

	if forwardedTo != target.id.Node {
		t.Fatalf("expected forward to target, got %v", forwardedTo)
	}
	if delivered == nil || delivered.ID != e.ID {
		t.Fatalf("expected target to receive the forwarded envelope, got %+v", delivered)
	}
	if len(delivered.Via) != 1 || delivered.Via[0] != relay.id.Node {
		t.Fatalf("expected relay appended to via exactly once, got %+v", delivered.Via)
	}
	if ackReceived == nil || ackReceived.Type != envelope.TypeAckRelay {
		t.Fatalf("expected ack/relay back to sender, got %+v", ackReceived)
	}
	var p envelope.AckPayload
	if err := json.Unmarshal(ackReceived.Payload, &p); err != nil {
		t.Fatalf("unmarshal ack payload: %v", err)
	}
	if p.OriginalMessageID != e.ID {
		t.Fatalf("expected ack to reference original message id, got %q", p.OriginalMessageID)
	}
}

func TestHandleAckSubtypesFireCallbacks(t *testing.T) {
	hub := memnet.NewHub()
	var relayAckID, deliveryAckID, readReceiptID string
	recipient := newFixture(t, hub, Handlers{
		OnRelayAckReceived:    func(id string, from identity.NodeId) { relayAckID = id },
		OnDeliveryAckReceived: func(id string, from identity.NodeId) { deliveryAckID = id },
		OnReadReceiptReceived: func(id string, from identity.NodeId) { readReceiptID = id },
	})
	sender := newFixture(t, hub, Handlers{})

	mk := func(typ string) *envelope.Envelope {
		e, err := envelope.Create(sender.id, recipient.id.Node, typ, ackPayload("orig-1", 0), nil)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		return e
	}

	recipient.router.HandleInbound(context.Background(), mk(envelope.TypeAckRelay))
	recipient.router.HandleInbound(context.Background(), mk(envelope.TypeAckDelivery))
	recipient.router.HandleInbound(context.Background(), mk(envelope.TypeReadReceipt))

	if relayAckID != "orig-1" || deliveryAckID != "orig-1" || readReceiptID != "orig-1" {
		t.Fatalf("expected all three ack callbacks to fire with original id, got relay=%q delivery=%q read=%q",
			relayAckID, deliveryAckID, readReceiptID)
	}
}

func TestAckSubtypesNeverSurfaceAsMessageDelivered(t *testing.T) {
	hub := memnet.NewHub()
	var delivered int
	recipient := newFixture(t, hub, Handlers{
		OnMessageDelivered: func(e *envelope.Envelope) { delivered++ },
	})
	sender := newFixture(t, hub, Handlers{})

	mk := func(typ string) *envelope.Envelope {
		e, err := envelope.Create(sender.id, recipient.id.Node, typ, ackPayload("orig-1", 0), nil)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		return e
	}

	recipient.router.HandleInbound(context.Background(), mk(envelope.TypeAckRelay))
	recipient.router.HandleInbound(context.Background(), mk(envelope.TypeAckDelivery))
	recipient.router.HandleInbound(context.Background(), mk(envelope.TypeReadReceipt))

	if delivered != 0 {
		t.Fatalf("expected ack-family envelopes never to fire OnMessageDelivered, fired %d times", delivered)
	}
}

func TestSendReadReceiptIsUnconditional(t *testing.T) {
	hub := memnet.NewHub()
	sender := newFixture(t, hub, Handlers{})
	recipient := newFixture(t, hub, Handlers{})
	connect(t, sender, recipient)

	var received int
	recipientConn, err := recipient.tr.ConnectToPeer(context.Background(), sender.id.Node)
	if err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}
	recipientConn.OnReceive(func(e *envelope.Envelope) {
		if e.Type == envelope.TypeReadReceipt {
			received++
		}
	})

	if err := sender.router.SendReadReceipt(context.Background(), recipient.id.Node, "msg-1"); err != nil {
		t.Fatalf("SendReadReceipt: %v", err)
	}
	if err := sender.router.SendReadReceipt(context.Background(), recipient.id.Node, "msg-1"); err != nil {
		t.Fatalf("SendReadReceipt: %v", err)
	}
	if received != 2 {
		t.Fatalf("expected the router to send unconditionally on every call, got %d", received)
	}
}
