// Main package for a standalone Spanreed session: a dedicated server, a
// headless client or a host, over WebSocket, WebTransport or UDP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sessamekesh/spanreed-session/pkg/message"
	"github.com/sessamekesh/spanreed-session/pkg/session"
	"github.com/sessamekesh/spanreed-session/pkg/transport"
	"go.uber.org/zap"
)

func main() {
	if dotenvErr := godotenv.Load(); dotenvErr != nil && !os.IsNotExist(dotenvErr) {
		fmt.Printf("Failed to load .env file! %s", dotenvErr.Error())
	}

	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	//
	// Flags
	mode := flag.String("mode", "server", "One of server, client, host")
	transportName := flag.String("transport", "ws", "One of ws, wt, udp")
	port := flag.Int("port", 3000, "Port the server listens on")
	serverAddress := flag.String("server", "127.0.0.1:3000", "Server address a client connects to")
	wsEndpoint := flag.String("ws-endpoint", "/ws", "HTTP endpoint that accepts WebSocket connections")
	wtEndpoint := flag.String("wt-endpoint", "/wt", "HTTP endpoint that accepts WebTransport sessions")
	tickRate := flag.Uint("tick-rate", 30, "Network ticks per second")
	batching := flag.Bool("batching", true, "Set to false to send every message as its own packet")
	playerName := flag.String("name", "player", "Player name sent with the connection request")
	statsInterval := flag.Duration("stats-interval", 0, "How often to log pipeline counters, 0 disables")
	flag.Parse()

	if *tickRate == 0 {
		*tickRate = 30
	}

	allowedTokens := []string{}
	if tokens := os.Getenv("SPANREED_AUTH_TOKENS"); tokens != "" {
		allowedTokens = strings.Split(tokens, ",")
	}
	authToken := os.Getenv("SPANREED_AUTH_TOKEN")

	//
	// Transport
	asServer := *mode == "server" || *mode == "host"
	listenAddress := fmt.Sprintf(":%d", *port)

	var t transport.Transport
	var transportErr error
	switch *transportName {
	case "ws":
		if asServer {
			t, transportErr = transport.CreateWebsocketServerTransport(transport.WebsocketServerTransportParams{
				ListenAddress:  listenAddress,
				ListenEndpoint: *wsEndpoint,
				AllowAllHosts:  true,
				Logger:         logger,
			})
		} else {
			t, transportErr = transport.CreateWebsocketClientTransport(transport.WebsocketClientTransportParams{
				ServerUrl: fmt.Sprintf("ws://%s%s", *serverAddress, *wsEndpoint),
				Logger:    logger,
			})
		}
	case "wt":
		if !asServer {
			logger.Error("WebTransport is only available to servers; browsers are the clients")
			return
		}
		t, transportErr = transport.CreateWebtransportServerTransport(transport.WebtransportServerTransportParams{
			ListenAddress:  listenAddress,
			ListenEndpoint: *wtEndpoint,
			CertPath:       os.Getenv("SPANREED_TLS_CERT_PATH"),
			KeyPath:        os.Getenv("SPANREED_TLS_KEY_PATH"),
			AllowAllHosts:  true,
			Logger:         logger,
		})
	case "udp":
		t, transportErr = transport.CreateUdpTransport(transport.UdpTransportParams{
			ListenAddress: listenAddress,
			ServerAddress: *serverAddress,
			Logger:        logger,
		})
	default:
		logger.Error("Unknown transport", zap.String("transport", *transportName))
		return
	}
	if transportErr != nil {
		logger.Error("Failed to create transport", zap.String("transport", *transportName), zap.Error(transportErr))
		return
	}

	//
	// Session
	metricsRegistry := metrics.NewRegistry()
	manager := session.CreateNetworkManager(session.NetworkManagerParams{
		Config: session.NetworkConfig{
			ProtocolVersion:       1,
			TickRate:              uint32(*tickRate),
			ConnectionApproval:    len(allowedTokens) > 0,
			ConnectionData:        message.BuildConnectionData(*playerName, []byte(authToken)),
			EnableMessageBatching: *batching,
		},
		Transport:       t,
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
	})

	if len(allowedTokens) > 0 {
		manager.ConnectionApprovalCallback = session.CreateTokenApprover(session.TokenApproverParams{
			AllowedTokens: allowedTokens,
			Logger:        logger,
		})
	}
	manager.OnServerStarted = func() {
		logger.Info("Server started", zap.String("transport", *transportName), zap.Int("port", *port))
	}
	manager.OnClientConnected = func(clientId uint64) {
		logger.Info("Client connected", zap.Uint64("clientId", clientId))
	}
	manager.OnClientDisconnected = func(clientId uint64) {
		logger.Info("Client disconnected", zap.Uint64("clientId", clientId))
	}

	var startErr error
	switch *mode {
	case "server":
		startErr = manager.StartServer()
	case "client":
		startErr = manager.StartClient()
	case "host":
		startErr = manager.StartHost()
	default:
		logger.Error("Unknown mode", zap.String("mode", *mode))
		return
	}
	if startErr != nil {
		logger.Error("Failed to start session", zap.String("mode", *mode), zap.Error(startErr))
		return
	}

	if *statsInterval > 0 {
		go metrics.Log(metricsRegistry, *statsInterval, zap.NewStdLog(logger))
	}

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer shutdownRelease()

	if runErr := manager.Run(shutdownCtx, time.Second/time.Duration(*tickRate)); runErr != nil {
		logger.Error("Session stopped with an error", zap.Error(runErr))
	}
	logger.Info("Session stopped")
}
