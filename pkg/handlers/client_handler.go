package handlers

// ClientMessageHandler is the set of channels connecting transport goroutines
// to the single goroutine that polls the transport. Connection goroutines
// write IncomingEvents; the poller drains it.
type ClientMessageHandler struct {
	Name            string
	GetNextClientId func() uint64
	GetNowTimestamp func() int64

	IncomingEvents chan<- TransportEvent
}
