package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessamekesh/spanreed-session/internal"
	"github.com/sessamekesh/spanreed-session/pkg/handlers"
	"github.com/sessamekesh/spanreed-session/pkg/message"
	"go.uber.org/zap"
)

type ConnectionClosedError struct {
	ClientId uint64
}

func (e *ConnectionClosedError) Error() string {
	return fmt.Sprintf("Connection for client %d is closed", e.ClientId)
}

type OutgoingQueueFullError struct {
	ClientId uint64
}

func (e *OutgoingQueueFullError) Error() string {
	return fmt.Sprintf("Outgoing message queue full for client %d", e.ClientId)
}

type clientConnectionChannels struct {
	OutgoingMessages      chan handlers.ClientMessage
	SessionInitiatedClose chan handlers.ClientCloseCommand

	closeOnce sync.Once
	rttMicros atomic.Int64
}

type ClientConnectionRouterParams struct {
	IncomingEventQueueLength   uint32
	OutgoingMessageQueueLength uint32
}

// clientConnectionRouter is shared by the goroutine-based transports. Each
// connection goroutine reports through it; the session's poll loop drains
// the events channel without blocking.
//
// Producers block on a full events channel until the session polls or the
// router is closed. Close before waiting on transport goroutines.
type clientConnectionRouter struct {
	handler *handlers.ClientMessageHandler
	events  chan handlers.TransportEvent

	mut_lifecycle sync.RWMutex
	done          chan struct{}
	isClosed      bool

	nextClientId atomic.Uint64
	startTime    time.Time

	mut_connections sync.RWMutex
	connections     map[uint64]*clientConnectionChannels
	params          ClientConnectionRouterParams

	log *zap.Logger
}

// SingleClientTransportChannels is what one connection goroutine pair sees.
type SingleClientTransportChannels struct {
	ClientId              uint64
	OutgoingMessages      <-chan handlers.ClientMessage
	SessionInitiatedClose <-chan handlers.ClientCloseCommand
}

func CreateClientConnectionRouter(name string, params ClientConnectionRouterParams, logger *zap.Logger) *clientConnectionRouter {
	log := logger
	if log == nil {
		log = zap.Must(zap.NewDevelopment())
	}

	if params.IncomingEventQueueLength == 0 {
		params.IncomingEventQueueLength = 256
	}
	if params.OutgoingMessageQueueLength == 0 {
		params.OutgoingMessageQueueLength = 64
	}

	events := make(chan handlers.TransportEvent, params.IncomingEventQueueLength)
	r := &clientConnectionRouter{
		events:          events,
		done:            make(chan struct{}),
		startTime:       time.Now(),
		mut_connections: sync.RWMutex{},
		connections:     make(map[uint64]*clientConnectionChannels),
		params:          params,
	}

	r.handler = &handlers.ClientMessageHandler{
		Name:            name,
		GetNextClientId: func() uint64 { return r.nextClientId.Add(1) },
		GetNowTimestamp: func() int64 { return time.Since(r.startTime).Microseconds() },
		IncomingEvents:  events,
	}
	r.log = log.With(zap.String("handlerBase", "ClientConnectionRouter"), zap.String("transport", r.handler.Name))

	return r
}

// Open readies the router for a new session. Events and connections left
// over from a previous session are discarded.
func (r *clientConnectionRouter) Open() {
	r.mut_lifecycle.Lock()
	defer r.mut_lifecycle.Unlock()

	dropped := r.drain()
	r.mut_connections.Lock()
	r.connections = make(map[uint64]*clientConnectionChannels)
	r.mut_connections.Unlock()

	if r.isClosed {
		r.done = make(chan struct{})
		r.isClosed = false
	}

	if dropped > 0 {
		r.log.Info("Discarded events from previous session", zap.Int("count", dropped))
	}
}

// Close releases every producer blocked on a full events channel. Events
// raised after Close are dropped.
func (r *clientConnectionRouter) Close() {
	r.mut_lifecycle.Lock()
	defer r.mut_lifecycle.Unlock()

	if r.isClosed {
		return
	}
	close(r.done)
	r.isClosed = true
}

func (r *clientConnectionRouter) drain() int {
	dropped := 0
	for {
		select {
		case <-r.events:
			dropped++
		default:
			return dropped
		}
	}
}

func (r *clientConnectionRouter) pushEvent(event handlers.TransportEvent) bool {
	r.mut_lifecycle.RLock()
	done := r.done
	r.mut_lifecycle.RUnlock()

	event.RecvTimestamp = r.handler.GetNowTimestamp()

	select {
	case <-done:
		r.log.Debug("Router closed, dropping event", zap.Stringer("type", event.Type), zap.Uint64("clientId", event.ClientId))
		return false
	default:
	}

	select {
	case r.handler.IncomingEvents <- event:
		return true
	case <-done:
		r.log.Debug("Router closed, dropping event", zap.Stringer("type", event.Type), zap.Uint64("clientId", event.ClientId))
		return false
	}
}

// OpenConnection registers a new peer and raises its Connect event. Servers
// pass 0 to allocate a fresh id; client transports pass their server id.
func (r *clientConnectionRouter) OpenConnection(clientId uint64, allocate bool) (*SingleClientTransportChannels, error) {
	if allocate {
		clientId = r.handler.GetNextClientId()
	}

	log := r.log.With(zap.Uint64("clientId", clientId))

	outgoingMessages := make(chan handlers.ClientMessage, r.params.OutgoingMessageQueueLength)
	closeRequest := make(chan handlers.ClientCloseCommand, 1)

	err := func() error {
		r.mut_connections.Lock()
		defer r.mut_connections.Unlock()

		if _, has := r.connections[clientId]; has {
			return &internal.DuplicateClientIdError{
				Id: clientId,
			}
		}

		r.connections[clientId] = &clientConnectionChannels{
			OutgoingMessages:      outgoingMessages,
			SessionInitiatedClose: closeRequest,
		}
		return nil
	}()
	if err != nil {
		log.Error("Failed to establish Go channels for new client", zap.Error(err))
		return nil, err
	}

	log.Debug("Added client to handler connections map")

	if !r.pushEvent(handlers.TransportEvent{Type: handlers.NetworkEvent_Connect, ClientId: clientId}) {
		r.remove(clientId)
		return nil, &ConnectionClosedError{ClientId: clientId}
	}

	return &SingleClientTransportChannels{
		ClientId:              clientId,
		OutgoingMessages:      outgoingMessages,
		SessionInitiatedClose: closeRequest,
	}, nil
}

// Receive is called by a connection's read goroutine for each payload.
func (r *clientConnectionRouter) Receive(clientId uint64, channel message.NetworkChannel, data []byte) {
	if !r.HasConnection(clientId) {
		return
	}

	r.pushEvent(handlers.TransportEvent{
		Type:     handlers.NetworkEvent_Data,
		ClientId: clientId,
		Channel:  channel,
		Payload:  data,
	})
}

// ConnectionLost is called when the remote side went away. It raises a
// Disconnect event unless the session already asked for the disconnect.
func (r *clientConnectionRouter) ConnectionLost(clientId uint64, reason string) {
	if !r.remove(clientId) {
		return
	}

	r.log.Info("Connection lost", zap.Uint64("clientId", clientId), zap.String("reason", reason))
	r.pushEvent(handlers.TransportEvent{Type: handlers.NetworkEvent_Disconnect, ClientId: clientId})
}

// ConnectFailed reports a client transport that never reached its server.
func (r *clientConnectionRouter) ConnectFailed(serverClientId uint64) {
	r.pushEvent(handlers.TransportEvent{Type: handlers.NetworkEvent_Disconnect, ClientId: serverClientId})
}

func (r *clientConnectionRouter) SetRtt(clientId uint64, rtt time.Duration) {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()

	if route, has := r.connections[clientId]; has {
		route.rttMicros.Store(rtt.Microseconds())
	}
}

func (r *clientConnectionRouter) HasConnection(clientId uint64) bool {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()

	_, has := r.connections[clientId]
	return has
}

func (r *clientConnectionRouter) remove(clientId uint64) bool {
	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()

	_, has := r.connections[clientId]
	delete(r.connections, clientId)
	if has {
		r.log.Debug("Removed client from client connections map", zap.Uint64("clientId", clientId))
	}
	return has
}

//
// Poll-side methods, called from the session goroutine

func (r *clientConnectionRouter) PollEvent() handlers.TransportEvent {
	select {
	case event := <-r.events:
		return event
	default:
		return handlers.TransportEvent{Type: handlers.NetworkEvent_Nothing}
	}
}

func (r *clientConnectionRouter) Send(clientId uint64, channel message.NetworkChannel, payload []byte) error {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()

	route, has := r.connections[clientId]
	if !has {
		return &ConnectionClosedError{ClientId: clientId}
	}

	select {
	case route.OutgoingMessages <- handlers.ClientMessage{ClientId: clientId, Channel: channel, Data: payload}:
		return nil
	default:
		r.log.Warn("Dropping outgoing message, queue full", zap.Uint64("clientId", clientId), zap.Int("size", len(payload)))
		return &OutgoingQueueFullError{ClientId: clientId}
	}
}

// Disconnect closes a connection at the session's request. No Disconnect
// event is raised for it.
func (r *clientConnectionRouter) Disconnect(clientId uint64, reason string) {
	r.mut_connections.Lock()
	route, has := r.connections[clientId]
	delete(r.connections, clientId)
	r.mut_connections.Unlock()

	if !has {
		return
	}

	r.log.Info("Received close request", zap.Uint64("clientId", clientId), zap.String("reason", reason))
	route.closeOnce.Do(func() {
		route.SessionInitiatedClose <- handlers.ClientCloseCommand{ClientId: clientId, Reason: reason}
	})
}

func (r *clientConnectionRouter) DisconnectAll(reason string) {
	for _, clientId := range r.ConnectionIds() {
		r.Disconnect(clientId, reason)
	}
}

func (r *clientConnectionRouter) ConnectionIds() []uint64 {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()

	ids := make([]uint64, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	return ids
}

func (r *clientConnectionRouter) GetCurrentRtt(clientId uint64) uint64 {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()

	route, has := r.connections[clientId]
	if !has {
		return 0
	}
	return uint64(route.rttMicros.Load() / 1000)
}

// frameChannel prefixes the channel tag onto a payload for transports that
// have no native notion of channels.
func frameChannel(channel message.NetworkChannel, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, uint8(channel))
	return append(out, payload...)
}

func unframeChannel(data []byte) (message.NetworkChannel, []byte, bool) {
	if len(data) < 1 || message.NetworkChannel(data[0]) >= message.NetworkChannel_NONE {
		return message.NetworkChannel_NONE, nil, false
	}
	return message.NetworkChannel(data[0]), data[1:], true
}
