package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"
	sessionerrors "github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/handlers"
	"github.com/sessamekesh/spanreed-session/pkg/message"
	utils "github.com/sessamekesh/spanreed-session/pkg/util"
	"go.uber.org/zap"
)

const defaultPingInterval = 2 * time.Second

// websocketServerTransport accepts game clients over WebSocket. Each binary
// WebSocket message carries one wire item prefixed by its channel byte.
type websocketServerTransport struct {
	upgrader *websocket.Upgrader

	params WebsocketServerTransportParams
	router *clientConnectionRouter

	server   *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	listener net.Listener

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

type WebsocketServerTransportParams struct {
	ListenAddress    string
	ListenEndpoint   string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize int64
	PingInterval       time.Duration

	IncomingEventQueueLength   uint32
	OutgoingMessageQueueLength uint32

	Logger *zap.Logger
}

func checkOrigin(r *http.Request, allowAll bool, allowlisted, denylisted []string) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, denylisted) {
		return false
	}

	if allowAll {
		return true
	}

	return utils.Contains(origin, allowlisted)
}

func CreateWebsocketServerTransport(params WebsocketServerTransportParams) (*websocketServerTransport, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/ws"
	}
	if params.PingInterval <= 0 {
		params.PingInterval = defaultPingInterval
	}

	return &websocketServerTransport{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params.AllowAllHosts, params.AllowlistedHosts, params.DenylistedHosts)
			},
		},
		params: params,
		router: CreateClientConnectionRouter("WebSocket", ClientConnectionRouterParams{
			IncomingEventQueueLength:   params.IncomingEventQueueLength,
			OutgoingMessageQueueLength: params.OutgoingMessageQueueLength,
		}, logger),

		log:       logger.With(zap.String("handler", "WebSocket")),
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}, nil
}

func (ws *websocketServerTransport) Init() error {
	return nil
}

func (ws *websocketServerTransport) StartServer() error {
	if ws.server != nil {
		return &sessionerrors.AlreadyRunningError{Operation: "start WebSocket server", IsServer: true}
	}

	listener, err := net.Listen("tcp", ws.params.ListenAddress)
	if err != nil {
		return pkgerrors.Wrapf(err, "listening on %s", ws.params.ListenAddress)
	}

	ws.ctx, ws.cancel = context.WithCancel(context.Background())
	ws.listener = listener
	ws.router.Open()

	ctx := ws.ctx
	mux := http.NewServeMux()
	mux.HandleFunc(ws.params.ListenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		// Upgraded connections outlive http.Server.Shutdown, so they are tracked here.
		ws.wg.Add(1)
		defer ws.wg.Done()
		ws.onWsRequest(ctx, w, r)
	})

	ws.server = &http.Server{
		Handler: mux,
	}

	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()

		ws.log.Info("Starting WebSocket server", zap.String("address", listener.Addr().String()))
		if err := ws.server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			ws.log.Error("Unexpected WebSocket server close!", zap.Error(err))
		}
	}()

	return nil
}

// Addr is the bound listen address, useful when listening on port 0.
func (ws *websocketServerTransport) Addr() net.Addr {
	if ws.listener == nil {
		return nil
	}
	return ws.listener.Addr()
}

func (ws *websocketServerTransport) StartClient() error {
	return &sessionerrors.NotPermittedError{Operation: "StartClient", Reason: "the WebSocket server transport only listens"}
}

func (ws *websocketServerTransport) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	log := ws.log.With(
		zap.String("wsConnId", ws.stringGen.GetRandomString(6)),
	)

	log.Info("New WebSocket request")
	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}
	defer c.Close()

	if ws.params.MaxReadMessageSize > 0 {
		c.SetReadLimit(ws.params.MaxReadMessageSize)
	}

	channels, err := ws.router.OpenConnection(0, true)
	if err != nil {
		log.Error("Failed to open connection for new client", zap.Error(err))
		return
	}

	runWebsocketConnection(ctx, c, ws.router, channels, ws.params.PingInterval, log.With(zap.Uint64("clientId", channels.ClientId)))
}

func (ws *websocketServerTransport) PollEvent() handlers.TransportEvent {
	return ws.router.PollEvent()
}

func (ws *websocketServerTransport) Send(clientId uint64, channel message.NetworkChannel, payload []byte) error {
	return ws.router.Send(clientId, channel, payload)
}

func (ws *websocketServerTransport) DisconnectRemoteClient(clientId uint64) {
	ws.router.Disconnect(clientId, "Disconnected by server")
}

func (ws *websocketServerTransport) DisconnectLocalClient() {}

func (ws *websocketServerTransport) GetCurrentRtt(clientId uint64) uint64 {
	return ws.router.GetCurrentRtt(clientId)
}

func (ws *websocketServerTransport) ServerClientId() uint64 {
	return DefaultServerClientId
}

func (ws *websocketServerTransport) Shutdown() {
	if ws.server == nil {
		return
	}

	ws.router.Close()
	ws.router.DisconnectAll("Server shutting down")
	ws.cancel()

	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownRelease()
	ws.log.Info("Attempting to trigger shutdown of WebSocket server")

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		ws.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
	}
	ws.wg.Wait()

	ws.server = nil
	ws.listener = nil
	ws.log.Info("Successfully shutdown WebSocket server")
}

var expectedCloseErrors = []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}

// runWebsocketConnection pumps one connection until either side closes it.
// The calling goroutine reads; a second goroutine owns every write.
func runWebsocketConnection(ctx context.Context, c *websocket.Conn, router *clientConnectionRouter, channels *SingleClientTransportChannels, pingInterval time.Duration, log *zap.Logger) {
	clientId := channels.ClientId

	c.SetPongHandler(func(appData string) error {
		sentMicros, err := strconv.ParseInt(appData, 10, 64)
		if err != nil {
			return nil
		}
		router.SetRtt(clientId, time.Since(time.UnixMicro(sentMicros)))
		return nil
	})

	readerDone := make(chan struct{})
	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Debug("Starting WebSocket writer goroutine")
		defer log.Debug("Stopping WebSocket writer goroutine")

		pingTicker := time.NewTicker(pingInterval)
		defer pingTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "Shutting down"))
				c.Close()
				return
			case <-readerDone:
				return
			case closeRequest := <-channels.SessionInitiatedClose:
				log.Info("Closing connection at request of session", zap.String("reason", closeRequest.Reason))
				c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeRequest.Reason))
				c.Close()
				return
			case logicalMessage := <-channels.OutgoingMessages:
				if err := c.WriteMessage(websocket.BinaryMessage, frameChannel(logicalMessage.Channel, logicalMessage.Data)); err != nil {
					log.Warn("Failed to write WebSocket message, closing", zap.Error(err))
					c.Close()
					return
				}
			case <-pingTicker.C:
				ping := []byte(strconv.FormatInt(time.Now().UnixMicro(), 10))
				if err := c.WriteControl(websocket.PingMessage, ping, time.Now().Add(time.Second)); err != nil {
					log.Debug("Failed to write ping", zap.Error(err))
				}
			}
		}
	}()

	for {
		msgType, payload, msgErr := c.ReadMessage()
		if msgErr != nil {
			reason := "Unexpected read error"
			if websocket.IsCloseError(msgErr, expectedCloseErrors...) {
				reason = "Close request received from websocket"
				log.Info("Received close request, shutting down connection")
			} else if strings.Contains(msgErr.Error(), "use of closed network connection") {
				reason = "Connection closed locally"
				log.Info("Closing connection, probably from session-initiated close")
			} else {
				log.Warn("Received unexpected WebSocket error on message read", zap.Error(msgErr))
			}

			router.ConnectionLost(clientId, reason)
			close(readerDone)
			break
		}

		if msgType != websocket.BinaryMessage {
			log.Info("Received non-binary message, ignoring", zap.Int("size", len(payload)))
			continue
		}

		channel, data, ok := unframeChannel(payload)
		if !ok {
			log.Debug("Received message with invalid channel tag, ignoring", zap.Int("size", len(payload)))
			continue
		}

		router.Receive(clientId, channel, data)
	}

	wg.Wait()
}
