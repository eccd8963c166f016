package transport

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"github.com/sessamekesh/spanreed-session/pkg/handlers"
	"github.com/sessamekesh/spanreed-session/pkg/message"
)

type MemoryNetworkError struct {
	Reason string
}

func (e *MemoryNetworkError) Error() string {
	return fmt.Sprintf("Memory network: %s", e.Reason)
}

// MemoryNetwork connects MemoryTransports in-process. Delivery is ordered and
// lossless, and nothing moves until a transport polls, so tests that step the
// session by hand are deterministic.
type MemoryNetwork struct {
	mut sync.Mutex

	server       *MemoryTransport
	clients      map[uint64]*MemoryTransport
	nextClientId uint64

	RttMs uint64
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		clients:      make(map[uint64]*MemoryTransport),
		nextClientId: 1,
	}
}

func (n *MemoryNetwork) NewTransport() *MemoryTransport {
	return &MemoryTransport{
		network: n,
		events:  queue.New(),
	}
}

// ClientIds lists the peers currently attached to the server.
func (n *MemoryNetwork) ClientIds() []uint64 {
	n.mut.Lock()
	defer n.mut.Unlock()

	ids := make([]uint64, 0, len(n.clients))
	for id := range n.clients {
		ids = append(ids, id)
	}
	return ids
}

type MemoryTransport struct {
	network *MemoryNetwork

	// guarded by network.mut
	events    *queue.Queue
	isServer  bool
	isClient  bool
	localId   uint64
	connected bool
}

func (t *MemoryTransport) Init() error {
	return nil
}

func (t *MemoryTransport) StartServer() error {
	n := t.network
	n.mut.Lock()
	defer n.mut.Unlock()

	if n.server != nil {
		return &MemoryNetworkError{Reason: "server already listening"}
	}

	n.server = t
	t.isServer = true
	t.localId = DefaultServerClientId
	return nil
}

func (t *MemoryTransport) StartClient() error {
	n := t.network
	n.mut.Lock()
	defer n.mut.Unlock()

	if n.server == nil {
		return &MemoryNetworkError{Reason: "no server listening"}
	}
	if t.isClient {
		return &MemoryNetworkError{Reason: "client already started"}
	}

	t.isClient = true
	t.connected = true
	t.localId = n.nextClientId
	n.nextClientId++
	n.clients[t.localId] = t

	n.server.events.Add(handlers.TransportEvent{Type: handlers.NetworkEvent_Connect, ClientId: t.localId})
	t.events.Add(handlers.TransportEvent{Type: handlers.NetworkEvent_Connect, ClientId: DefaultServerClientId})
	return nil
}

func (t *MemoryTransport) PollEvent() handlers.TransportEvent {
	t.network.mut.Lock()
	defer t.network.mut.Unlock()

	if t.events.Length() == 0 {
		return handlers.TransportEvent{Type: handlers.NetworkEvent_Nothing}
	}
	return t.events.Remove().(handlers.TransportEvent)
}

func (t *MemoryTransport) Send(clientId uint64, channel message.NetworkChannel, payload []byte) error {
	n := t.network
	n.mut.Lock()
	defer n.mut.Unlock()

	data := append([]byte{}, payload...)

	if t.isServer {
		client, has := n.clients[clientId]
		if !has {
			return &ConnectionClosedError{ClientId: clientId}
		}
		client.events.Add(handlers.TransportEvent{Type: handlers.NetworkEvent_Data, ClientId: DefaultServerClientId, Channel: channel, Payload: data})
		return nil
	}

	if !t.connected || n.server == nil {
		return &ConnectionClosedError{ClientId: clientId}
	}
	n.server.events.Add(handlers.TransportEvent{Type: handlers.NetworkEvent_Data, ClientId: t.localId, Channel: channel, Payload: data})
	return nil
}

func (t *MemoryTransport) DisconnectRemoteClient(clientId uint64) {
	n := t.network
	n.mut.Lock()
	defer n.mut.Unlock()

	if !t.isServer {
		return
	}
	n.dropClientLocked(clientId)
}

func (t *MemoryTransport) DisconnectLocalClient() {
	n := t.network
	n.mut.Lock()
	defer n.mut.Unlock()

	if !t.isClient || !t.connected {
		return
	}

	t.connected = false
	delete(n.clients, t.localId)
	if n.server != nil {
		n.server.events.Add(handlers.TransportEvent{Type: handlers.NetworkEvent_Disconnect, ClientId: t.localId})
	}
}

func (t *MemoryTransport) GetCurrentRtt(_ uint64) uint64 {
	t.network.mut.Lock()
	defer t.network.mut.Unlock()
	return t.network.RttMs
}

func (t *MemoryTransport) ServerClientId() uint64 {
	return DefaultServerClientId
}

func (t *MemoryTransport) Shutdown() {
	if t.isClient {
		t.DisconnectLocalClient()
	}

	n := t.network
	n.mut.Lock()
	defer n.mut.Unlock()

	if t.isServer && n.server == t {
		for clientId := range n.clients {
			n.dropClientLocked(clientId)
		}
		n.server = nil
	}

	t.isServer = false
	t.isClient = false
	t.events = queue.New()
}

func (n *MemoryNetwork) dropClientLocked(clientId uint64) {
	client, has := n.clients[clientId]
	if !has {
		return
	}

	delete(n.clients, clientId)
	client.connected = false
	client.events.Add(handlers.TransportEvent{Type: handlers.NetworkEvent_Disconnect, ClientId: DefaultServerClientId})
}
