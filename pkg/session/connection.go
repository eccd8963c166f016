package session

import (
	"github.com/sessamekesh/spanreed-session/internal"
	"github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/message"
	"go.uber.org/zap"
)

//
// Transport events

func (m *NetworkManager) onTransportConnect(clientId uint64) {
	if m.isServer {
		m.onServerTransportConnect(clientId)
		return
	}

	m.log.Info("Connected to server, requesting approval", zap.Uint64("serverClientId", clientId))
	m.awaitingApproval = true
	m.clientApprovalDeadline = m.now() + m.config.ClientConnectionBufferTimeout.Microseconds()
	m.sendInternal(message.MessageType_ConnectionRequest, message.NetworkChannel_Internal, []uint64{clientId}, (&message.ConnectionRequest{
		ConfigChecksum: m.configChecksum,
		ConnectionData: m.config.ConnectionData,
	}).Serialize)
}

func (m *NetworkManager) onServerTransportConnect(clientId uint64) {
	now := m.now()
	deadline := now + m.config.ClientConnectionBufferTimeout.Microseconds()
	if err := m.pendingClients.CreateClient(clientId, now, deadline); err != nil {
		m.log.Warn("Ignoring duplicate transport connect", zap.Uint64("clientId", clientId), zap.Error(err))
		return
	}
	m.log.Info("New pending client", zap.Uint64("clientId", clientId))
}

func (m *NetworkManager) onTransportDisconnect(clientId uint64) {
	if m.isServer {
		m.OnClientDisconnectFromServer(clientId)
		return
	}

	m.log.Info("Disconnected from server", zap.Uint64("clientId", m.localClientId))
	if m.OnClientDisconnected != nil {
		m.OnClientDisconnected(m.localClientId)
	}
	m.Shutdown()
}

//
// Approval handshake

func (m *NetworkManager) processConnectionRequest(clientId uint64, request *message.ConnectionRequest) {
	log := m.log.With(zap.Uint64("clientId", clientId))

	if !m.pendingClients.HasClient(clientId) {
		log.Debug("ConnectionRequest from a client that is not pending")
		return
	}

	if request.ConfigChecksum != m.configChecksum {
		err := &errors.ConfigMismatchError{
			ClientId:         clientId,
			ExpectedChecksum: m.configChecksum,
			ActualChecksum:   request.ConfigChecksum,
		}
		log.Warn("Rejecting client with a different network config", zap.Error(err))
		m.rejectClient(clientId)
		return
	}

	if err := m.pendingClients.SetConnectionState(clientId, internal.ConnectionState_PendingApproval); err != nil {
		log.Error("Pending client vanished mid-handshake", zap.Error(err))
		return
	}

	if !m.config.ConnectionApproval {
		m.applyApproval(clientId, ApprovalResponse{
			Approved:           true,
			CreatePlayerObject: m.config.CreatePlayerObject,
		})
		return
	}

	if m.ConnectionApprovalCallback == nil {
		log.Debug("No approval callback set, client stays pending")
		return
	}

	future := m.ConnectionApprovalCallback(ApprovalRequest{ClientId: clientId, Payload: request.ConnectionData})
	if future == nil {
		log.Warn("Approval callback returned no decision, client stays pending")
		return
	}

	if response, ok := future.poll(); ok {
		m.applyApproval(clientId, response)
		return
	}
	m.pendingClients.SetDecision(clientId, future)
}

// resolveApprovals resumes the handshake of every client whose approval
// future resolved since the previous cycle.
func (m *NetworkManager) resolveApprovals() {
	for _, pending := range m.pendingClients.GetDecisionClientList() {
		future, ok := pending.Decision.(*ApprovalFuture)
		if !ok {
			continue
		}
		if response, ok := future.poll(); ok {
			m.applyApproval(pending.ClientId, response)
		}
	}
}

// HandleApproval applies an approval decision made outside the approval
// callback, e.g. by an admin tool.
func (m *NetworkManager) HandleApproval(clientId uint64, response ApprovalResponse) error {
	if !m.isServer {
		return &errors.NotServerError{Operation: "HandleApproval"}
	}
	if !m.pendingClients.HasClient(clientId) {
		return &internal.MissingClientIdError{Id: clientId}
	}

	m.applyApproval(clientId, response)
	return nil
}

func (m *NetworkManager) applyApproval(clientId uint64, response ApprovalResponse) {
	log := m.log.With(zap.Uint64("clientId", clientId))

	if !m.isListening || !m.pendingClients.HasClient(clientId) {
		return
	}

	if !response.Approved {
		log.Info("Client rejected")
		m.rejectClient(clientId)
		return
	}

	m.pendingClients.RemoveClient(clientId)
	client, err := m.connectedClients.CreateClient(clientId)
	if err != nil {
		log.Warn("Could not admit approved client", zap.Error(err))
		m.transport.DisconnectRemoteClient(clientId)
		return
	}

	var player *NetworkObject
	if response.CreatePlayerObject {
		player = m.spawnPlayer(client, response)
	}

	isLocal := m.isLoopback(clientId)
	if !isLocal {
		m.sendInternal(message.MessageType_ConnectionApproved, message.NetworkChannel_Internal, []uint64{clientId}, (&message.ConnectionApproved{
			OwnerClientId: clientId,
			NetworkTick:   m.tickSystem.ServerTime.Tick,
		}).Serialize)

		for _, obj := range m.spawn.Objects() {
			if obj.IsVisibleTo(clientId) {
				m.sendCreateObject(obj, clientId)
			}
		}

		m.sendInternal(message.MessageType_TimeSync, message.NetworkChannel_TimeSync, []uint64{clientId}, (&message.TimeSync{
			Tick: m.tickSystem.ServerTime.Tick,
		}).Serialize)
	}

	if player != nil {
		for _, otherId := range m.connectedClients.ClientIds() {
			if otherId == clientId || m.isLoopback(otherId) || !player.IsVisibleTo(otherId) {
				continue
			}
			m.sendCreateObject(player, otherId)
		}
	}

	log.Info("Client approved", zap.Bool("isLocal", isLocal), zap.Bool("hasPlayer", player != nil))

	if isLocal {
		m.isApproved = true
	}
	if m.OnClientConnected != nil {
		m.OnClientConnected(clientId)
	}
}

func (m *NetworkManager) spawnPlayer(client *NetworkClient, response ApprovalResponse) *NetworkObject {
	prefabHash := m.config.PlayerPrefabHash
	if response.PlayerPrefabHash != nil {
		prefabHash = *response.PlayerPrefabHash
	}

	player, err := m.spawn.Spawn(SpawnParams{
		PrefabHash:     prefabHash,
		OwnerClientId:  client.ClientId,
		IsPlayerObject: true,
		Position:       response.Position,
		Rotation:       response.Rotation,
	})
	if err != nil {
		m.log.Error("Failed to spawn player object", zap.Uint64("clientId", client.ClientId), zap.Error(err))
		return nil
	}

	client.HasPlayer = true
	client.PlayerObjectId = player.ObjectId
	client.OwnedObjectIds[player.ObjectId] = struct{}{}
	return player
}

// rejectClient drops a pending client and closes its transport connection.
// Nothing is sent to it.
func (m *NetworkManager) rejectClient(clientId uint64) {
	if !m.pendingClients.RemoveClient(clientId) {
		return
	}
	if m.isLoopback(clientId) {
		m.log.Error("Host rejected its own local client")
		return
	}
	m.transport.DisconnectRemoteClient(clientId)
}

// checkApprovalTimeouts disconnects clients still pending past their deadline.
// Promotion to connected removes the pending entry, which cancels the timeout.
func (m *NetworkManager) checkApprovalTimeouts() {
	now := m.now()

	if m.isServer {
		for _, clientId := range m.pendingClients.GetAuthTimeoutClientList(now) {
			m.log.Info("Client did not complete approval in time", zap.Uint64("clientId", clientId))
			m.teardownClient(clientId)
			if !m.isLoopback(clientId) {
				m.transport.DisconnectRemoteClient(clientId)
			}
		}
		return
	}

	if m.awaitingApproval && !m.isApproved && m.clientApprovalDeadline < now {
		m.log.Warn("Server did not approve this client in time, disconnecting")
		m.transport.DisconnectLocalClient()
		if m.OnClientDisconnected != nil {
			m.OnClientDisconnected(m.localClientId)
		}
		m.Shutdown()
	}
}

//
// Disconnect

// DisconnectClient is the server-initiated disconnect of a remote client.
func (m *NetworkManager) DisconnectClient(clientId uint64) error {
	if !m.isServer {
		return &errors.NotServerError{Operation: "DisconnectClient"}
	}
	if clientId == m.ServerClientId() {
		return &errors.NotPermittedError{Operation: "DisconnectClient", Reason: "cannot disconnect the server's own client id"}
	}

	if !m.teardownClient(clientId) {
		return nil
	}
	m.transport.DisconnectRemoteClient(clientId)
	return nil
}

// OnClientDisconnectFromServer handles a transport-reported disconnect.
func (m *NetworkManager) OnClientDisconnectFromServer(clientId uint64) {
	m.teardownClient(clientId)
}

// teardownClient removes every trace of a client and reports whether it was
// known. Calling it again for the same id is a no-op.
func (m *NetworkManager) teardownClient(clientId uint64) bool {
	wasPending := m.pendingClients.RemoveClient(clientId)
	client := m.connectedClients.RemoveClient(clientId)
	if !wasPending && client == nil {
		return false
	}

	log := m.log.With(zap.Uint64("clientId", clientId))

	for _, obj := range m.spawn.ObjectsOwnedBy(clientId) {
		if obj.DontDestroyWithOwner {
			log.Debug("Returning object to the server", zap.Uint64("objectId", obj.ObjectId))
			m.changeOwnership(obj, m.ServerClientId())
			continue
		}
		m.despawn(obj)
	}
	m.spawn.RemoveObserver(clientId)

	log.Info("Client disconnected", zap.Bool("wasPending", wasPending))

	if m.OnClientDisconnected != nil {
		m.OnClientDisconnected(clientId)
	}
	return true
}
