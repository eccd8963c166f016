package handlers

import "github.com/sessamekesh/spanreed-session/pkg/message"

//
// Messages to/from a single client connection

type ClientMessage struct {
	ClientId uint64
	Channel  message.NetworkChannel
	Data     []byte

	// Telemetry
	RecvTimestamp int64
}

//
// Logistics around connection state

type ClientCloseCommand struct {
	ClientId uint64
	Reason   string
}
