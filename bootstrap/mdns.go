package bootstrap

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/libp2p/zeroconf/v2"

	"github.com/malikkaraoui/tom/identity"
)

// serviceName is the mDNS service type ToM nodes advertise under.
const serviceName = "_tom-overlay._udp"

// MDNS advertises the local node on the LAN and watches for peers, firing a
// Presence join event as each entry appears. It reports no leave events;
// peers that vanish are aged out by the offline detector. It never
// carries signaling payloads; it is a pure discovery adapter.
type MDNS struct {
	server *zeroconf.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// StartMDNS advertises self on port and begins browsing for peers.
// Discovered peers are reported through h.OnPresence with Action=join;
// zeroconf does not distinguish explicit leaves, so entries are treated as
// join-only and left to the offline detector to age out.
func StartMDNS(self identity.NodeId, username string, publicKey []byte, port int, h Handlers) (*MDNS, error) {
	txt := []string{
		"nodeId=" + string(self),
		"username=" + username,
		"publicKey=" + hex.EncodeToString(publicKey),
	}

	server, err := zeroconf.Register(string(self), serviceName, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &MDNS{server: server, cancel: cancel}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for entry := range entries {
			p, ok := parseEntry(entry)
			if !ok || p.NodeId == self {
				continue
			}
			if h.OnPresence != nil {
				h.OnPresence(Presence{Action: PresenceJoin, NodeId: p.NodeId, Username: p.Username, PublicKey: p.PublicKey})
			}
		}
	}()

	if err := zeroconf.Browse(ctx, serviceName, "local.", entries); err != nil {
		cancel()
		server.Shutdown()
		return nil, fmt.Errorf("browse mdns: %w", err)
	}

	return m, nil
}

type parsedEntry struct {
	NodeId    identity.NodeId
	Username  string
	PublicKey string
}

func parseEntry(entry *zeroconf.ServiceEntry) (parsedEntry, bool) {
	var p parsedEntry
	for _, kv := range entry.Text {
		switch {
		case len(kv) > 7 && kv[:7] == "nodeId=":
			p.NodeId = identity.NodeId(kv[7:])
		case len(kv) > 9 && kv[:9] == "username=":
			p.Username = kv[9:]
		case len(kv) > 10 && kv[:10] == "publicKey=":
			p.PublicKey = kv[10:]
		}
	}
	return p, p.NodeId != ""
}

// Close stops advertising and browsing. Idempotent.
func (m *MDNS) Close() error {
	m.once.Do(func() {
		m.cancel()
		m.server.Shutdown()
	})
	m.wg.Wait()
	return nil
}
