package bootstrap

import (
	"testing"

	"github.com/malikkaraoui/tom/identity"
)

func TestDispatchSnapshot(t *testing.T) {
	var got []Participant
	c := &WSClient{handlers: Handlers{OnSnapshot: func(p []Participant) { got = p }}}
	c.dispatch([]byte(`{"kind":"snapshot","body":{"participants":[{"nodeId":"n1","username":"alice"}]}}`))

	if len(got) != 1 || got[0].NodeId != identity.NodeId("n1") || got[0].Username != "alice" {
		t.Fatalf("unexpected snapshot dispatch result: %+v", got)
	}
}

func TestDispatchPresence(t *testing.T) {
	var got Presence
	c := &WSClient{handlers: Handlers{OnPresence: func(p Presence) { got = p }}}
	c.dispatch([]byte(`{"kind":"presence","body":{"action":"join","nodeId":"n2","username":"bob"}}`))

	if got.Action != PresenceJoin || got.NodeId != identity.NodeId("n2") {
		t.Fatalf("unexpected presence dispatch result: %+v", got)
	}
}

func TestDispatchHeartbeat(t *testing.T) {
	var got HeartbeatMsg
	c := &WSClient{handlers: Handlers{OnHeartbeat: func(h HeartbeatMsg) { got = h }}}
	c.dispatch([]byte(`{"kind":"heartbeat","body":{"from":"n3"}}`))

	if got.From != identity.NodeId("n3") {
		t.Fatalf("unexpected heartbeat dispatch result: %+v", got)
	}
}

func TestDispatchRoleAssign(t *testing.T) {
	var got RoleAssign
	c := &WSClient{handlers: Handlers{OnRoleAssign: func(r RoleAssign) { got = r }}}
	c.dispatch([]byte(`{"kind":"role-assign","body":{"nodeId":"n4","roles":["relay"]}}`))

	if got.NodeId != identity.NodeId("n4") || len(got.Roles) != 1 || got.Roles[0] != "relay" {
		t.Fatalf("unexpected role-assign dispatch result: %+v", got)
	}
}

func TestDispatchSignal(t *testing.T) {
	var got Signal
	c := &WSClient{handlers: Handlers{OnSignal: func(s Signal) { got = s }}}
	c.dispatch([]byte(`{"kind":"signal","body":{"from":"n5","to":"n6","payload":{"type":"message"}}}`))

	if got.From != identity.NodeId("n5") || got.To != identity.NodeId("n6") || got.Payload.Type != "message" {
		t.Fatalf("unexpected signal dispatch result: %+v", got)
	}
}

func TestDispatchUnknownKindIsIgnored(t *testing.T) {
	c := &WSClient{handlers: Handlers{
		OnSnapshot: func([]Participant) { t.Fatal("OnSnapshot must not fire for an unknown kind") },
	}}
	c.dispatch([]byte(`{"kind":"mystery","body":{}}`))
}

func TestDispatchMalformedFrameIsIgnored(t *testing.T) {
	c := &WSClient{handlers: Handlers{
		OnPresence: func(Presence) { t.Fatal("OnPresence must not fire for a malformed frame") },
	}}
	c.dispatch([]byte(`not json`))
}

func TestDispatchMalformedBodyIsIgnored(t *testing.T) {
	c := &WSClient{handlers: Handlers{
		OnHeartbeat: func(HeartbeatMsg) { t.Fatal("OnHeartbeat must not fire for a malformed body") },
	}}
	c.dispatch([]byte(`{"kind":"heartbeat","body":"not-an-object"}`))
}

func TestDispatchNilHandlerIsSafe(t *testing.T) {
	c := &WSClient{}
	c.dispatch([]byte(`{"kind":"snapshot","body":{"participants":[]}}`))
}
