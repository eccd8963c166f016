package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sessionerrors "github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/handlers"
	"github.com/sessamekesh/spanreed-session/pkg/message"
	"go.uber.org/zap"
)

// websocketClientTransport dials a websocketServerTransport.
type websocketClientTransport struct {
	params WebsocketClientTransportParams
	router *clientConnectionRouter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *zap.Logger
}

type WebsocketClientTransportParams struct {
	ServerUrl        string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration

	IncomingEventQueueLength   uint32
	OutgoingMessageQueueLength uint32

	Logger *zap.Logger
}

func CreateWebsocketClientTransport(params WebsocketClientTransportParams) (*websocketClientTransport, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	if params.ServerUrl == "" {
		return nil, &sessionerrors.MissingFieldError{MessageName: "WebsocketClientTransportParams", FieldName: "ServerUrl"}
	}
	if params.HandshakeTimeout <= 0 {
		params.HandshakeTimeout = 10 * time.Second
	}
	if params.PingInterval <= 0 {
		params.PingInterval = defaultPingInterval
	}

	return &websocketClientTransport{
		params: params,
		router: CreateClientConnectionRouter("WebSocketClient", ClientConnectionRouterParams{
			IncomingEventQueueLength:   params.IncomingEventQueueLength,
			OutgoingMessageQueueLength: params.OutgoingMessageQueueLength,
		}, logger),
		log: logger.With(zap.String("handler", "WebSocketClient"), zap.String("serverUrl", params.ServerUrl)),
	}, nil
}

func (wc *websocketClientTransport) Init() error {
	return nil
}

func (wc *websocketClientTransport) StartServer() error {
	return &sessionerrors.NotPermittedError{Operation: "StartServer", Reason: "the WebSocket client transport only dials"}
}

// StartClient dials in the background. A Connect event follows a successful
// handshake; a failed dial surfaces as a Disconnect event.
func (wc *websocketClientTransport) StartClient() error {
	if wc.ctx != nil {
		return &sessionerrors.AlreadyRunningError{Operation: "start WebSocket client", IsClient: true}
	}

	wc.ctx, wc.cancel = context.WithCancel(context.Background())
	ctx := wc.ctx
	wc.router.Open()

	wc.wg.Add(1)
	go func() {
		defer wc.wg.Done()

		dialer := websocket.Dialer{HandshakeTimeout: wc.params.HandshakeTimeout}
		c, _, err := dialer.DialContext(ctx, wc.params.ServerUrl, nil)
		if err != nil {
			wc.log.Error("Failed to dial WebSocket server", zap.Error(err))
			wc.router.ConnectFailed(DefaultServerClientId)
			return
		}
		defer c.Close()

		channels, err := wc.router.OpenConnection(DefaultServerClientId, false)
		if err != nil {
			wc.log.Error("Failed to open server connection", zap.Error(err))
			return
		}

		runWebsocketConnection(ctx, c, wc.router, channels, wc.params.PingInterval, wc.log)
	}()

	return nil
}

func (wc *websocketClientTransport) PollEvent() handlers.TransportEvent {
	return wc.router.PollEvent()
}

func (wc *websocketClientTransport) Send(_ uint64, channel message.NetworkChannel, payload []byte) error {
	return wc.router.Send(DefaultServerClientId, channel, payload)
}

func (wc *websocketClientTransport) DisconnectRemoteClient(_ uint64) {}

func (wc *websocketClientTransport) DisconnectLocalClient() {
	wc.router.Disconnect(DefaultServerClientId, "Client disconnecting")
}

func (wc *websocketClientTransport) GetCurrentRtt(_ uint64) uint64 {
	return wc.router.GetCurrentRtt(DefaultServerClientId)
}

func (wc *websocketClientTransport) ServerClientId() uint64 {
	return DefaultServerClientId
}

func (wc *websocketClientTransport) Shutdown() {
	if wc.ctx == nil {
		return
	}

	wc.router.Close()
	wc.router.DisconnectAll("Client shutting down")
	wc.cancel()
	wc.wg.Wait()
	wc.ctx = nil
	wc.cancel = nil
}
