package transport

import (
	"github.com/sessamekesh/spanreed-session/pkg/handlers"
	"github.com/sessamekesh/spanreed-session/pkg/message"
)

// Transport is the contract the session core consumes. PollEvent must never
// block: it returns NetworkEvent_Nothing once the inbound backlog is drained.
type Transport interface {
	Init() error
	StartServer() error
	StartClient() error

	PollEvent() handlers.TransportEvent
	Send(clientId uint64, channel message.NetworkChannel, payload []byte) error

	DisconnectRemoteClient(clientId uint64)
	DisconnectLocalClient()

	// GetCurrentRtt returns the round trip time in milliseconds.
	GetCurrentRtt(clientId uint64) uint64
	ServerClientId() uint64

	Shutdown()
}

// DefaultServerClientId is the id a client transport uses for its server peer.
const DefaultServerClientId uint64 = 0
