package handlers

import "github.com/sessamekesh/spanreed-session/pkg/message"

type NetworkEvent uint8

const (
	NetworkEvent_Nothing NetworkEvent = iota
	NetworkEvent_Connect
	NetworkEvent_Data
	NetworkEvent_Disconnect
)

func (e NetworkEvent) String() string {
	switch e {
	case NetworkEvent_Nothing:
		return "Nothing"
	case NetworkEvent_Connect:
		return "Connect"
	case NetworkEvent_Data:
		return "Data"
	case NetworkEvent_Disconnect:
		return "Disconnect"
	}
	return "Unknown"
}

// TransportEvent is what a transport hands to the session on each poll.
type TransportEvent struct {
	Type     NetworkEvent
	ClientId uint64
	Channel  message.NetworkChannel
	Payload  []byte

	// Telemetry. Microseconds on the transport's own clock; zero when the
	// transport does not stamp events.
	RecvTimestamp int64
}
