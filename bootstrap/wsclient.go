package bootstrap

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/malikkaraoui/tom/identity"
)

// wireMessage is the envelope every signaling-server frame is wrapped in;
// Kind selects which field of Body to interpret.
type wireMessage struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

const (
	kindRegister   = "register"
	kindSnapshot   = "snapshot"
	kindPresence   = "presence"
	kindHeartbeat  = "heartbeat"
	kindRoleAssign = "role-assign"
	kindSignal     = "signal"
)

// registerBody is the payload of a "register" frame.
type registerBody struct {
	NodeId    identity.NodeId `json:"nodeId"`
	Username  string          `json:"username"`
	PublicKey string          `json:"publicKey"`
}

type snapshotBody struct {
	Participants []Participant `json:"participants"`
}

// WSClient is a Collaborator backed by a single persistent WebSocket
// connection to a signaling server.
type WSClient struct {
	conn     *websocket.Conn
	handlers Handlers

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// DialWSClient opens a WebSocket connection to url and starts its read
// loop. Handlers fire from that loop's goroutine.
func DialWSClient(url string, h Handlers) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling server %s: %w", url, err)
	}
	c := &WSClient{conn: conn, handlers: h, done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	defer c.fireDisconnected()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.dispatch(data)
	}
}

func (c *WSClient) fireDisconnected() {
	if c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected()
	}
}

func (c *WSClient) dispatch(data []byte) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Kind {
	case kindSnapshot:
		var b snapshotBody
		if json.Unmarshal(msg.Body, &b) == nil && c.handlers.OnSnapshot != nil {
			c.handlers.OnSnapshot(b.Participants)
		}
	case kindPresence:
		var p Presence
		if json.Unmarshal(msg.Body, &p) == nil && c.handlers.OnPresence != nil {
			c.handlers.OnPresence(p)
		}
	case kindHeartbeat:
		var hb HeartbeatMsg
		if json.Unmarshal(msg.Body, &hb) == nil && c.handlers.OnHeartbeat != nil {
			c.handlers.OnHeartbeat(hb)
		}
	case kindRoleAssign:
		var r RoleAssign
		if json.Unmarshal(msg.Body, &r) == nil && c.handlers.OnRoleAssign != nil {
			c.handlers.OnRoleAssign(r)
		}
	case kindSignal:
		var s Signal
		if json.Unmarshal(msg.Body, &s) == nil && c.handlers.OnSignal != nil {
			c.handlers.OnSignal(s)
		}
	}
}

func (c *WSClient) writeFrame(kind string, body interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	frame := wireMessage{Kind: kind, Body: b}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Register sends the initial {nodeId, username, publicKey} frame.
func (c *WSClient) Register(nodeId identity.NodeId, username string, publicKey []byte) error {
	return c.writeFrame(kindRegister, registerBody{
		NodeId:    nodeId,
		Username:  username,
		PublicKey: hex.EncodeToString(publicKey),
	})
}

// SendSignal relays a path-negotiation or fallback-carriage message.
func (c *WSClient) SendSignal(s Signal) error {
	return c.writeFrame(kindSignal, s)
}

// Close closes the underlying connection. Idempotent.
func (c *WSClient) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
