package session

import (
	"context"
	"time"

	pkgerrors "github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sessamekesh/spanreed-session/internal"
	"github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/handlers"
	"github.com/sessamekesh/spanreed-session/pkg/message"
	"github.com/sessamekesh/spanreed-session/pkg/pipeline"
	"github.com/sessamekesh/spanreed-session/pkg/rpc"
	"github.com/sessamekesh/spanreed-session/pkg/timesync"
	"github.com/sessamekesh/spanreed-session/pkg/transport"
	"go.uber.org/zap"
)

// NetworkClient is the membership record of an approved client.
type NetworkClient = internal.NetworkClient

type NetworkManagerParams struct {
	Config    NetworkConfig
	Transport transport.Transport

	RpcRegistry     *rpc.Registry
	MetricsRegistry metrics.Registry

	Logger *zap.Logger
}

// NetworkManager is one running server, client or host. All methods must be
// called from a single goroutine, normally the one running Run.
type NetworkManager struct {
	config         NetworkConfig
	configChecksum uint64

	transport  transport.Transport
	pipeline   *pipeline.Pipeline
	dispatcher *rpc.Dispatcher
	spawn      *SpawnManager

	pendingClients   *internal.PendingClientStore
	connectedClients *internal.ConnectedClientStore

	timeSystem *timesync.NetworkTimeSystem
	tickSystem *timesync.NetworkTickSystem

	isServer      bool
	isClient      bool
	isListening   bool
	localClientId uint64

	// Client handshake state
	isApproved             bool
	awaitingApproval       bool
	clientApprovalDeadline int64

	elapsedMicros int64

	log *zap.Logger

	OnClientConnected          func(clientId uint64)
	OnClientDisconnected       func(clientId uint64)
	OnServerStarted            func()
	ConnectionApprovalCallback ConnectionApprovalCallback

	// OnUpdateStage runs the application hooks for the Update, PreLateUpdate
	// and PostLateUpdate stages.
	OnUpdateStage func(stage pipeline.UpdateStage)
}

func CreateNetworkManager(params NetworkManagerParams) *NetworkManager {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	config := params.Config.withDefaults()

	m := &NetworkManager{
		config:           config,
		configChecksum:   config.GetConfigChecksum(),
		transport:        params.Transport,
		pendingClients:   internal.CreatePendingClientStore(),
		connectedClients: internal.CreateConnectedClientStore(config.MaxConnections),
		timeSystem:       timesync.ServerTimeSystem(),
		tickSystem:       timesync.NewNetworkTickSystem(config.TickRate, 0, 0),
		log:              logger.With(zap.String("component", "session")),
	}

	m.spawn = CreateSpawnManager(config.Prefabs, logger)
	m.pipeline = pipeline.CreatePipeline(pipeline.PipelineConfig{
		EnableMessageBatching: config.EnableMessageBatching,
		MaxBatchSize:          config.MaxBatchSize,
		IsListening:           func() bool { return m.isListening },
		IsLoopback:            m.isLoopback,
		GetNowTimestamp:       func() int64 { return m.elapsedMicros },
		MetricsRegistry:       params.MetricsRegistry,
		Logger:                logger,
	})
	m.dispatcher = rpc.CreateDispatcher(rpc.DispatcherParams{
		Registry: params.RpcRegistry,
		Resolver: m.spawn,
		Logger:   logger,
	})

	for _, msgType := range []message.MessageType{
		message.MessageType_ConnectionRequest,
		message.MessageType_ConnectionApproved,
		message.MessageType_CreateObject,
		message.MessageType_DestroyObject,
		message.MessageType_ChangeOwner,
		message.MessageType_TimeSync,
		message.MessageType_ServerRpc,
		message.MessageType_ClientRpc,
	} {
		m.pipeline.RegisterHandler(msgType, m.routeMessage)
	}

	m.tickSystem.Subscribe(m.onTick)

	return m
}

//
// Accessors

func (m *NetworkManager) IsServer() bool {
	return m.isServer
}

func (m *NetworkManager) IsClient() bool {
	return m.isClient
}

func (m *NetworkManager) IsHost() bool {
	return m.isServer && m.isClient
}

func (m *NetworkManager) IsListening() bool {
	return m.isListening
}

func (m *NetworkManager) LocalClientId() uint64 {
	return m.localClientId
}

// IsConnectedClient is true on a client once the server approved it.
func (m *NetworkManager) IsConnectedClient() bool { return m.isClient && m.isApproved }

func (m *NetworkManager) ConfigChecksum() uint64 { return m.configChecksum }

func (m *NetworkManager) ServerClientId() uint64 {
	if m.transport == nil {
		return transport.DefaultServerClientId
	}
	return m.transport.ServerClientId()
}

func (m *NetworkManager) ConnectedClients() map[uint64]*NetworkClient {
	return m.connectedClients.ConnectedClients()
}

func (m *NetworkManager) ConnectedClientsList() []*NetworkClient {
	return m.connectedClients.ConnectedClientsList()
}

func (m *NetworkManager) ConnectedClientIds() []uint64 {
	return m.connectedClients.ClientIds()
}

func (m *NetworkManager) PendingClientIds() []uint64 {
	return m.pendingClients.ClientIds()
}

func (m *NetworkManager) SpawnManager() *SpawnManager { return m.spawn }

func (m *NetworkManager) Pipeline() *pipeline.Pipeline { return m.pipeline }

func (m *NetworkManager) Stats() *pipeline.Stats { return m.pipeline.Stats }

func (m *NetworkManager) LocalTime() timesync.NetworkTime { return m.tickSystem.LocalTime }

func (m *NetworkManager) ServerTime() timesync.NetworkTime { return m.tickSystem.ServerTime }

// SubscribeTick registers a fixed-step handler; the returned func removes it.
func (m *NetworkManager) SubscribeTick(handler timesync.TickHandler) func() {
	return m.tickSystem.Subscribe(handler)
}

// SetTransport swaps the transport. Only allowed while stopped.
func (m *NetworkManager) SetTransport(t transport.Transport) error {
	if m.isListening {
		return &errors.AlreadyRunningError{Operation: "replace transport", IsServer: m.isServer, IsClient: m.isClient}
	}
	m.transport = t
	return nil
}

func (m *NetworkManager) isLoopback(clientId uint64) bool {
	return m.isServer && m.isClient && clientId == m.localClientId
}

func (m *NetworkManager) now() int64 {
	return m.elapsedMicros
}

//
// Lifecycle

func (m *NetworkManager) StartServer() error {
	return m.start("start server", true, false)
}

func (m *NetworkManager) StartClient() error {
	return m.start("start client", false, true)
}

func (m *NetworkManager) StartHost() error {
	return m.start("start host", true, true)
}

func (m *NetworkManager) start(operation string, asServer, asClient bool) error {
	log := m.log.With(zap.String("operation", operation))

	if m.isListening {
		err := &errors.AlreadyRunningError{Operation: operation, IsServer: m.isServer, IsClient: m.isClient}
		log.Error("Session already running", zap.Error(err))
		return err
	}

	if m.transport == nil {
		err := &errors.MissingTransportError{Operation: operation}
		log.Error("Cannot start session", zap.Error(err))
		return err
	}

	if asServer && m.config.CreatePlayerObject && m.config.PlayerPrefabHash != 0 && !m.spawn.HasPrefab(m.config.PlayerPrefabHash) {
		err := &errors.MissingPrefabError{PrefabHash: m.config.PlayerPrefabHash}
		log.Error("Player prefab is not in the prefab catalog", zap.Error(err))
		return err
	}

	if asServer && m.config.ConnectionApproval && m.ConnectionApprovalCallback == nil {
		log.Warn("Connection approval is enabled but no ConnectionApprovalCallback is set; clients will time out unless approved through HandleApproval")
	}

	m.resetState()
	if asServer {
		m.timeSystem = timesync.ServerTimeSystem()
	} else {
		m.timeSystem = timesync.NewNetworkTimeSystem(m.config.ClientLocalBufferSec, m.config.ClientServerBufferSec, m.config.ClientHardResetThresholdSec)
	}
	m.tickSystem.Reset(0, 0)

	if err := m.transport.Init(); err != nil {
		log.Error("Transport failed to initialize", zap.Error(err))
		return pkgerrors.Wrap(err, "initializing transport")
	}

	var startErr error
	if asServer {
		startErr = m.transport.StartServer()
	} else {
		startErr = m.transport.StartClient()
	}
	if startErr != nil {
		log.Error("Transport failed to start", zap.Error(startErr))
		return pkgerrors.Wrapf(startErr, "starting transport (server=%t)", asServer)
	}

	m.pipeline.SetSender(m.transport)
	m.isServer = asServer
	m.isClient = asClient
	m.isListening = true
	if asServer {
		m.localClientId = m.transport.ServerClientId()
	}

	log.Info("Session started", zap.Bool("server", asServer), zap.Bool("client", asClient))

	if asServer && m.OnServerStarted != nil {
		m.OnServerStarted()
	}

	if asServer && asClient {
		// The host's own client skips the transport but runs the same handshake.
		m.onServerTransportConnect(m.localClientId)
		m.processConnectionRequest(m.localClientId, &message.ConnectionRequest{
			ConfigChecksum: m.configChecksum,
			ConnectionData: m.config.ConnectionData,
		})
	}

	return nil
}

func (m *NetworkManager) resetState() {
	m.pendingClients.Clear()
	m.connectedClients.Clear()
	m.spawn.Clear()
	m.pipeline.Clear()

	m.isServer = false
	m.isClient = false
	m.isListening = false
	m.localClientId = 0
	m.isApproved = false
	m.awaitingApproval = false
	m.clientApprovalDeadline = 0
	m.elapsedMicros = 0
}

func (m *NetworkManager) StopServer() {
	if !m.isServer || m.isClient {
		m.log.Warn("StopServer called on a session that is not a dedicated server")
		return
	}
	m.Shutdown()
}

func (m *NetworkManager) StopClient() {
	if !m.isClient || m.isServer {
		m.log.Warn("StopClient called on a session that is not a client")
		return
	}
	m.Shutdown()
}

func (m *NetworkManager) StopHost() {
	if !m.IsHost() {
		m.log.Warn("StopHost called on a session that is not a host")
		return
	}
	m.Shutdown()
}

// Shutdown flushes pending sends, stops the transport and clears all session
// state. Safe to call repeatedly, and before any Start or transport.
func (m *NetworkManager) Shutdown() {
	if m.isListening {
		m.log.Info("Shutting down session", zap.Bool("server", m.isServer), zap.Bool("client", m.isClient))
		m.pipeline.Flush()
		if m.transport != nil {
			m.transport.Shutdown()
		}
	}

	m.resetState()
}

//
// Scheduler

// Update runs one full cycle: poll, route, advance time, application stages,
// flush. deltaTime is the wall time since the previous cycle.
func (m *NetworkManager) Update(deltaTime time.Duration) {
	if !m.isListening {
		return
	}
	if deltaTime < 0 {
		deltaTime = 0
	}
	m.elapsedMicros += deltaTime.Microseconds()

	// EarlyUpdate
	m.pollTransport()
	if !m.isListening {
		return
	}
	m.resolveApprovals()

	// PreUpdate
	m.pipeline.ProcessIncoming()
	if !m.isListening {
		return
	}

	// FixedUpdate
	if m.timeSystem.Advance(deltaTime.Seconds()) {
		m.log.Debug("Clock drifted past the hard reset threshold and snapped")
	}
	m.tickSystem.UpdateTick(m.timeSystem.LocalTime(), m.timeSystem.ServerTime())
	m.checkApprovalTimeouts()
	if !m.isListening {
		return
	}

	if m.OnUpdateStage != nil {
		for _, stage := range []pipeline.UpdateStage{pipeline.UpdateStage_Update, pipeline.UpdateStage_PreLateUpdate, pipeline.UpdateStage_PostLateUpdate} {
			m.OnUpdateStage(stage)
			if !m.isListening {
				return
			}
		}
	}

	m.pipeline.Flush()
}

// Run drives Update from a ticker until ctx is done or the session stops.
// A zero frameInterval runs one cycle per network tick.
func (m *NetworkManager) Run(ctx context.Context, frameInterval time.Duration) error {
	if frameInterval <= 0 {
		frameInterval = time.Second / time.Duration(m.config.TickRate)
	}

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return nil
		case now := <-ticker.C:
			m.Update(now.Sub(last))
			last = now
			if !m.isListening {
				return nil
			}
		}
	}
}

func (m *NetworkManager) pollTransport() {
	for {
		event := m.transport.PollEvent()
		switch event.Type {
		case handlers.NetworkEvent_Nothing:
			return
		case handlers.NetworkEvent_Connect:
			m.onTransportConnect(event.ClientId)
		case handlers.NetworkEvent_Data:
			recvTimestamp := event.RecvTimestamp
			if recvTimestamp == 0 {
				recvTimestamp = m.now()
			}
			m.pipeline.HandleIncomingData(event.ClientId, event.Channel, event.Payload, recvTimestamp)
		case handlers.NetworkEvent_Disconnect:
			m.onTransportDisconnect(event.ClientId)
			if !m.isListening {
				return
			}
		}
	}
}

func (m *NetworkManager) onTick(tick timesync.NetworkTime) {
	if !m.isServer || !m.isListening {
		return
	}

	resyncTicks := int32(m.config.TimeResyncIntervalSec * m.config.TickRate)
	if resyncTicks > 0 && tick.Tick%resyncTicks == 0 {
		m.broadcastTimeSync(tick.Tick)
	}
}
