package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	sessionerrors "github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/handlers"
	"github.com/sessamekesh/spanreed-session/pkg/message"
	utils "github.com/sessamekesh/spanreed-session/pkg/util"
	"go.uber.org/zap"
)

// webtransportServerTransport accepts browser clients over WebTransport. Each
// wire item travels as one datagram: [u8 kind][sequenced body]. Reliable
// channels are acked and resent the same way as over UDP.
type webtransportServerTransport struct {
	router *clientConnectionRouter

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator

	params WebtransportServerTransportParams

	s      *webtransport.Server
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type WebtransportServerTransportParams struct {
	ListenAddress  string
	ListenEndpoint string

	Logger *zap.Logger

	CertPath string
	KeyPath  string

	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	IncomingEventQueueLength   uint32
	OutgoingMessageQueueLength uint32

	ResendInterval time.Duration
	MaxInFlight    int
}

const (
	wtDatagramKind_Data uint8 = iota
	wtDatagramKind_Ack
)

func wtDatagram(kind uint8, body []byte) []byte {
	datagram := make([]byte, 0, len(body)+1)
	datagram = append(datagram, kind)
	return append(datagram, body...)
}

func CreateWebtransportServerTransport(params WebtransportServerTransportParams) (*webtransportServerTransport, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	if params.CertPath == "" {
		return nil, &sessionerrors.MissingFieldError{MessageName: "WebtransportServerTransportParams", FieldName: "CertPath"}
	}
	if params.KeyPath == "" {
		return nil, &sessionerrors.MissingFieldError{MessageName: "WebtransportServerTransportParams", FieldName: "KeyPath"}
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/wt"
	}
	if params.ResendInterval <= 0 {
		params.ResendInterval = 100 * time.Millisecond
	}

	return &webtransportServerTransport{
		router: CreateClientConnectionRouter("WebTransport", ClientConnectionRouterParams{
			IncomingEventQueueLength:   params.IncomingEventQueueLength,
			OutgoingMessageQueueLength: params.OutgoingMessageQueueLength,
		}, logger),
		log:       logger.With(zap.String("handler", "WebTransport")),
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
		params:    params,
	}, nil
}

func (wt *webtransportServerTransport) Init() error {
	return nil
}

func (wt *webtransportServerTransport) onWtRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	log := wt.log.With(zap.String("wtConnId", wt.stringGen.GetRandomString(6)))

	log.Info("New WebTransport request")

	session, sessionError := wt.s.Upgrade(w, r)
	if sessionError != nil {
		log.Warn("Failed to upgrade HTTP3 request to a WebTransport session", zap.Error(sessionError))
		w.WriteHeader(500)
		return
	}

	defer session.CloseWithError(0, "Session requested connection close")

	routeContext, routeCancel := context.WithCancel(ctx)
	defer routeCancel()

	channels, crErr := wt.router.OpenConnection(0, true)
	if crErr != nil {
		log.Error("Failed to open connection for new client", zap.Error(crErr))
		return
	}
	clientId := channels.ClientId

	log = log.With(zap.Uint64("clientId", clientId))

	seq := newChannelSequencer(SequencerParams{
		ResendInterval: wt.params.ResendInterval,
		MaxInFlight:    wt.params.MaxInFlight,
	})

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		log.Debug("Starting WebTransport writer goroutine")
		defer log.Debug("Stopped WebTransport writer goroutine")
		defer wg.Done()

		resendTicker := time.NewTicker(wt.params.ResendInterval)
		defer resendTicker.Stop()

		for {
			select {
			case <-session.Context().Done():
				routeCancel()
				return
			case <-routeContext.Done():
				return
			case closeRequest := <-channels.SessionInitiatedClose:
				log.Info("Closing connection at request of session", zap.String("reason", closeRequest.Reason))
				session.CloseWithError(0, closeRequest.Reason)
				routeCancel()
				return
			case logicalMessage := <-channels.OutgoingMessages:
				body, err := seq.Wrap(logicalMessage.Channel, logicalMessage.Data, time.Now())
				if err != nil {
					log.Warn("Client stopped acking reliable datagrams, closing", zap.Error(err))
					session.CloseWithError(0, "Reliable send window full")
					routeCancel()
					return
				}
				writeErr := session.SendDatagram(wtDatagram(wtDatagramKind_Data, body))
				if writeErr != nil {
					if cerr := session.Context().Err(); cerr != nil {
						routeCancel()
						return
					}
					log.Warn("Error sending datagram", zap.Error(writeErr))
				}
			case now := <-resendTicker.C:
				for _, body := range seq.Due(now) {
					session.SendDatagram(wtDatagram(wtDatagramKind_Data, body))
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		log.Debug("Starting WebTransport reader goroutine")
		defer log.Debug("Stopped WebTransport reader goroutine")
		defer wg.Done()
		defer routeCancel()

		for {
			readBuffer, readErr := session.ReceiveDatagram(routeContext)
			if readErr != nil {
				if routeContext.Err() == nil {
					log.Warn("Unexpected read error", zap.Error(readErr))
				}
				wt.router.ConnectionLost(clientId, "WebTransport session closed")
				return
			}

			if len(readBuffer) < 1 {
				continue
			}

			switch readBuffer[0] {
			case wtDatagramKind_Data:
				channel, deliveries, ack, err := seq.Accept(readBuffer[1:])
				if err != nil {
					log.Debug("Received malformed datagram, ignoring", zap.Int("size", len(readBuffer)), zap.Error(err))
					continue
				}
				if ack != nil {
					session.SendDatagram(wtDatagram(wtDatagramKind_Ack, ack))
				}
				for _, data := range deliveries {
					wt.router.Receive(clientId, channel, data)
				}
			case wtDatagramKind_Ack:
				if err := seq.Ack(readBuffer[1:]); err != nil {
					log.Debug("Received malformed ack, ignoring", zap.Error(err))
				}
			default:
				log.Debug("Received datagram of unknown kind, ignoring", zap.Uint8("kind", readBuffer[0]))
			}
		}
	}()

	wg.Wait()
}

func (wt *webtransportServerTransport) StartServer() error {
	if wt.s != nil {
		return &sessionerrors.AlreadyRunningError{Operation: "start WebTransport server", IsServer: true}
	}

	certs, err := tls.LoadX509KeyPair(wt.params.CertPath, wt.params.KeyPath)
	if err != nil {
		wt.log.Error("Failed to load certificate pair", zap.Error(err))
		return pkgerrors.Wrap(err, "loading WebTransport certificate pair")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{certs},
	}

	wt.ctx, wt.cancel = context.WithCancel(context.Background())
	ctx := wt.ctx
	wt.router.Open()

	mux := http.NewServeMux()
	mux.HandleFunc(wt.params.ListenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		wt.onWtRequest(ctx, w, r)
	})

	wt.s = &webtransport.Server{
		H3: http3.Server{
			Addr:            wt.params.ListenAddress,
			TLSConfig:       tlsConfig,
			Handler:         mux,
			EnableDatagrams: true,
		},
		CheckOrigin: func(r *http.Request) bool {
			return checkOrigin(r, wt.params.AllowAllHosts, wt.params.AllowlistedHosts, wt.params.DenylistedHosts)
		},
	}

	s := wt.s
	wt.wg.Add(1)
	go func() {
		wt.log.Info("Starting WebTransport HTTP3 server!", zap.String("path", wt.params.ListenAddress))
		defer wt.log.Info("Shutdown WebTransport HTTP3 server")
		defer wt.wg.Done()

		if err := s.ListenAndServeTLS(wt.params.CertPath, wt.params.KeyPath); err != nil && ctx.Err() == nil {
			wt.log.Error("Unexpected WebTransport server close!", zap.Error(err))
		}
	}()

	return nil
}

func (wt *webtransportServerTransport) StartClient() error {
	return &sessionerrors.NotPermittedError{Operation: "StartClient", Reason: "the WebTransport transport only listens"}
}

func (wt *webtransportServerTransport) PollEvent() handlers.TransportEvent {
	return wt.router.PollEvent()
}

func (wt *webtransportServerTransport) Send(clientId uint64, channel message.NetworkChannel, payload []byte) error {
	return wt.router.Send(clientId, channel, payload)
}

func (wt *webtransportServerTransport) DisconnectRemoteClient(clientId uint64) {
	wt.router.Disconnect(clientId, "Disconnected by server")
}

func (wt *webtransportServerTransport) DisconnectLocalClient() {}

// GetCurrentRtt is always 0; datagram sessions carry no ping exchange.
func (wt *webtransportServerTransport) GetCurrentRtt(clientId uint64) uint64 {
	return wt.router.GetCurrentRtt(clientId)
}

func (wt *webtransportServerTransport) ServerClientId() uint64 {
	return DefaultServerClientId
}

func (wt *webtransportServerTransport) Shutdown() {
	if wt.s == nil {
		return
	}

	wt.router.Close()
	wt.router.DisconnectAll("Server shutting down")
	wt.cancel()
	if err := wt.s.Close(); err != nil {
		wt.log.Warn("Error closing WebTransport server", zap.Error(err))
	}
	wt.wg.Wait()

	wt.s = nil
	wt.log.Info("All WebTransport server goroutines finished. Exiting gracefully.")
}
