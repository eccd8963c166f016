package session

import (
	"github.com/sessamekesh/spanreed-session/internal"
	"github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/message"
	"github.com/sessamekesh/spanreed-session/pkg/pipeline"
	"github.com/sessamekesh/spanreed-session/pkg/timesync"
	"go.uber.org/zap"
)

// Session messages share one stage so that per-channel order is send order.
const internalStage = pipeline.UpdateStage_EarlyUpdate

func (m *NetworkManager) sendInternal(msgType message.MessageType, channel message.NetworkChannel, clientIds []uint64, serialize func(w *message.Writer)) {
	if len(clientIds) == 0 {
		return
	}

	ctx := m.pipeline.AcquireCommandContext(msgType, channel, clientIds, internalStage)
	if ctx == nil {
		return
	}
	serialize(ctx.Writer)
	ctx.Release()
}

// remoteClientIds lists connected clients reached through the transport, in
// connection order.
func (m *NetworkManager) remoteClientIds() []uint64 {
	ids := []uint64{}
	for _, clientId := range m.connectedClients.ClientIds() {
		if !m.isLoopback(clientId) {
			ids = append(ids, clientId)
		}
	}
	return ids
}

func (m *NetworkManager) sendCreateObject(obj *NetworkObject, clientId uint64) {
	obj.Observers[clientId] = struct{}{}
	m.sendInternal(message.MessageType_CreateObject, message.NetworkChannel_Internal, []uint64{clientId}, obj.createMessage().Serialize)
}

func (m *NetworkManager) broadcastTimeSync(tick int32) {
	m.sendInternal(message.MessageType_TimeSync, message.NetworkChannel_TimeSync, m.remoteClientIds(), (&message.TimeSync{Tick: tick}).Serialize)
}

//
// Inbound routing

func (m *NetworkManager) routeMessage(frame *message.Frame) {
	if !m.isListening {
		return
	}

	log := m.log.With(zap.Uint64("clientId", frame.SenderClientId), zap.Stringer("messageType", frame.MessageType))
	r := message.NewReader(frame.Payload)

	switch frame.MessageType {
	case message.MessageType_ConnectionRequest:
		if !m.isServer {
			return
		}
		request, err := message.ParseConnectionRequest(r)
		if err != nil {
			log.Debug("Malformed message", zap.Error(err))
			return
		}
		m.processConnectionRequest(frame.SenderClientId, request)

	case message.MessageType_ConnectionApproved:
		if m.isServer {
			return
		}
		approved, err := message.ParseConnectionApproved(r)
		if err != nil {
			log.Debug("Malformed message", zap.Error(err))
			return
		}
		m.onConnectionApproved(approved)

	case message.MessageType_TimeSync:
		if m.isServer {
			return
		}
		timeSync, err := message.ParseTimeSync(r)
		if err != nil {
			log.Debug("Malformed message", zap.Error(err))
			return
		}
		m.syncServerTime(timeSync.Tick)

	case message.MessageType_CreateObject:
		if m.isServer {
			return
		}
		create, err := message.ParseCreateObject(r)
		if err != nil {
			log.Debug("Malformed message", zap.Error(err))
			return
		}
		m.onCreateObject(create)

	case message.MessageType_DestroyObject:
		if m.isServer {
			return
		}
		destroy, err := message.ParseDestroyObject(r)
		if err != nil {
			log.Debug("Malformed message", zap.Error(err))
			return
		}
		if _, has := m.spawn.Despawn(destroy.ObjectId); has {
			m.dropLocalOwnership(destroy.ObjectId)
		}

	case message.MessageType_ChangeOwner:
		if m.isServer {
			return
		}
		change, err := message.ParseChangeOwner(r)
		if err != nil {
			log.Debug("Malformed message", zap.Error(err))
			return
		}
		m.onChangeOwner(change)

	case message.MessageType_ServerRpc:
		if !m.isServer {
			return
		}
		if !m.connectedClients.HasClient(frame.SenderClientId) {
			log.Debug("ServerRpc from a client that is not connected")
			return
		}
		m.dispatcher.Dispatch(frame)

	case message.MessageType_ClientRpc:
		if !m.isClient || frame.SenderClientId != m.ServerClientId() {
			return
		}
		m.dispatcher.Dispatch(frame)
	}
}

//
// Client side

func (m *NetworkManager) onConnectionApproved(approved *message.ConnectionApproved) {
	if m.isApproved {
		m.log.Debug("Duplicate ConnectionApproved ignored")
		return
	}

	m.localClientId = approved.OwnerClientId
	m.isApproved = true
	m.awaitingApproval = false

	if _, err := m.connectedClients.CreateClient(approved.OwnerClientId); err != nil {
		m.log.Warn("Could not record local client", zap.Uint64("clientId", approved.OwnerClientId), zap.Error(err))
	}

	m.syncServerTime(approved.NetworkTick)

	// Jump straight to the synced clock rather than replaying every tick since start.
	if localTick := timesync.NetworkTimeFromSeconds(m.config.TickRate, m.timeSystem.LocalTime()).Tick; localTick >= m.tickSystem.LocalTime.Tick {
		m.tickSystem.Reset(m.timeSystem.LocalTime(), m.timeSystem.ServerTime())
	}

	m.log.Info("Approved by server", zap.Uint64("clientId", m.localClientId), zap.Int32("serverTick", approved.NetworkTick))

	if m.OnClientConnected != nil {
		m.OnClientConnected(m.localClientId)
	}
}

func (m *NetworkManager) syncServerTime(serverTick int32) {
	serverTimeSec := timesync.NewNetworkTime(m.config.TickRate, serverTick, 0).Time()
	rttSec := float64(m.transport.GetCurrentRtt(m.ServerClientId())) / 1000.0
	m.timeSystem.Sync(serverTimeSec, rttSec)
}

func (m *NetworkManager) onCreateObject(create *message.CreateObject) {
	params := SpawnParams{
		PrefabHash:     create.PrefabHash,
		OwnerClientId:  create.OwnerClientId,
		IsPlayerObject: create.IsPlayerObject,
		IsSceneObject:  create.IsSceneObject,
		Payload:        create.Payload,
	}
	if create.HasParent {
		parent := create.ParentObjectId
		params.ParentObjectId = &parent
	}
	if create.IncludesTransform {
		position, rotation := create.Position, create.Rotation
		params.Position = &position
		params.Rotation = &rotation
	}

	obj, err := m.spawn.spawnWithId(create.ObjectId, params)
	if err != nil {
		m.log.Debug("Could not mirror spawned object", zap.Uint64("objectId", create.ObjectId), zap.Error(err))
		return
	}

	if obj.OwnerClientId == m.localClientId {
		if client, has := m.connectedClients.GetClient(m.localClientId); has {
			client.OwnedObjectIds[obj.ObjectId] = struct{}{}
			if obj.IsPlayerObject {
				client.HasPlayer = true
				client.PlayerObjectId = obj.ObjectId
			}
		}
	}
}

func (m *NetworkManager) onChangeOwner(change *message.ChangeOwner) {
	obj, has := m.spawn.Get(change.ObjectId)
	if !has {
		return
	}

	obj.OwnerClientId = change.OwnerClientId
	if change.OwnerClientId == m.localClientId {
		if client, has := m.connectedClients.GetClient(m.localClientId); has {
			client.OwnedObjectIds[obj.ObjectId] = struct{}{}
		}
	} else {
		m.dropLocalOwnership(obj.ObjectId)
	}
}

func (m *NetworkManager) dropLocalOwnership(objectId uint64) {
	client, has := m.connectedClients.GetClient(m.localClientId)
	if !has {
		return
	}
	delete(client.OwnedObjectIds, objectId)
	if client.HasPlayer && client.PlayerObjectId == objectId {
		client.HasPlayer = false
		client.PlayerObjectId = 0
	}
}

//
// Server-side object lifecycle

// SpawnObject spawns a prefab on the server and announces it to every
// connected client that can see it.
func (m *NetworkManager) SpawnObject(params SpawnParams) (*NetworkObject, error) {
	if !m.isServer {
		return nil, &errors.NotServerError{Operation: "SpawnObject"}
	}

	owner, hasOwner := m.connectedClients.GetClient(params.OwnerClientId)
	if !hasOwner && params.OwnerClientId != m.ServerClientId() {
		return nil, &internal.MissingClientIdError{Id: params.OwnerClientId}
	}

	obj, err := m.spawn.Spawn(params)
	if err != nil {
		return nil, err
	}

	if hasOwner {
		owner.OwnedObjectIds[obj.ObjectId] = struct{}{}
		if obj.IsPlayerObject && !owner.HasPlayer {
			owner.HasPlayer = true
			owner.PlayerObjectId = obj.ObjectId
		}
	}

	for _, clientId := range m.remoteClientIds() {
		if obj.IsVisibleTo(clientId) {
			m.sendCreateObject(obj, clientId)
		}
	}

	return obj, nil
}

func (m *NetworkManager) DespawnObject(objectId uint64) error {
	if !m.isServer {
		return &errors.NotServerError{Operation: "DespawnObject"}
	}

	obj, has := m.spawn.Get(objectId)
	if !has {
		return &errors.NotPermittedError{Operation: "DespawnObject", Reason: "object is not spawned"}
	}
	m.despawn(obj)
	return nil
}

// ChangeOwnership hands an object to another connected client, or back to the
// server.
func (m *NetworkManager) ChangeOwnership(objectId uint64, newOwnerClientId uint64) error {
	if !m.isServer {
		return &errors.NotServerError{Operation: "ChangeOwnership"}
	}

	obj, has := m.spawn.Get(objectId)
	if !has {
		return &errors.NotPermittedError{Operation: "ChangeOwnership", Reason: "object is not spawned"}
	}
	if newOwnerClientId != m.ServerClientId() && !m.connectedClients.HasClient(newOwnerClientId) {
		return &internal.MissingClientIdError{Id: newOwnerClientId}
	}

	m.changeOwnership(obj, newOwnerClientId)
	return nil
}

func (m *NetworkManager) despawn(obj *NetworkObject) {
	m.spawn.Despawn(obj.ObjectId)
	m.releaseOwnership(obj)

	observers := []uint64{}
	for _, clientId := range obj.ObserverIds() {
		if m.connectedClients.HasClient(clientId) && !m.isLoopback(clientId) {
			observers = append(observers, clientId)
		}
	}
	m.sendInternal(message.MessageType_DestroyObject, message.NetworkChannel_Internal, observers, (&message.DestroyObject{ObjectId: obj.ObjectId}).Serialize)
}

func (m *NetworkManager) changeOwnership(obj *NetworkObject, newOwnerClientId uint64) {
	m.releaseOwnership(obj)

	obj.OwnerClientId = newOwnerClientId
	if client, has := m.connectedClients.GetClient(newOwnerClientId); has {
		client.OwnedObjectIds[obj.ObjectId] = struct{}{}
	}

	observers := []uint64{}
	for _, clientId := range obj.ObserverIds() {
		if m.connectedClients.HasClient(clientId) && !m.isLoopback(clientId) {
			observers = append(observers, clientId)
		}
	}
	m.sendInternal(message.MessageType_ChangeOwner, message.NetworkChannel_Internal, observers, (&message.ChangeOwner{
		ObjectId:      obj.ObjectId,
		OwnerClientId: newOwnerClientId,
	}).Serialize)
}

func (m *NetworkManager) releaseOwnership(obj *NetworkObject) {
	client, has := m.connectedClients.GetClient(obj.OwnerClientId)
	if !has {
		return
	}
	delete(client.OwnedObjectIds, obj.ObjectId)
	if client.HasPlayer && client.PlayerObjectId == obj.ObjectId {
		client.HasPlayer = false
		client.PlayerObjectId = 0
	}
}

//
// RPC

// SendServerRpc queues a ServerRpc to the server. write appends the method
// arguments after the header. A session that is not listening sends nothing.
func (m *NetworkManager) SendServerRpc(objectId uint64, behaviourIndex uint16, methodId uint32, channel message.NetworkChannel, stage pipeline.UpdateStage, write func(w *message.Writer)) error {
	if !m.isClient {
		return &errors.NotPermittedError{Operation: "SendServerRpc", Reason: "session is not a client"}
	}

	return m.sendRpc(message.MessageType_ServerRpc, []uint64{m.ServerClientId()}, objectId, behaviourIndex, methodId, channel, stage, write)
}

// SendClientRpc queues a ClientRpc to clientIds, or to every connected client
// when clientIds is nil.
func (m *NetworkManager) SendClientRpc(objectId uint64, behaviourIndex uint16, methodId uint32, channel message.NetworkChannel, stage pipeline.UpdateStage, write func(w *message.Writer), clientIds []uint64) error {
	if !m.isServer {
		return &errors.NotServerError{Operation: "SendClientRpc"}
	}

	if clientIds == nil {
		clientIds = m.connectedClients.ClientIds()
	}
	return m.sendRpc(message.MessageType_ClientRpc, clientIds, objectId, behaviourIndex, methodId, channel, stage, write)
}

func (m *NetworkManager) sendRpc(msgType message.MessageType, clientIds []uint64, objectId uint64, behaviourIndex uint16, methodId uint32, channel message.NetworkChannel, stage pipeline.UpdateStage, write func(w *message.Writer)) error {
	if channel >= message.NetworkChannel_NONE {
		return &errors.InvalidEnumValue{EnumName: "NetworkChannel", IntValue: uint8(channel)}
	}

	ctx := m.pipeline.AcquireCommandContext(msgType, channel, clientIds, stage)
	if ctx == nil {
		return nil
	}

	header := message.RpcHeader{
		ObjectId:       objectId,
		BehaviourIndex: behaviourIndex,
		MethodId:       methodId,
		UpdateStage:    uint8(ctx.Stage),
	}
	header.Serialize(ctx.Writer)
	if write != nil {
		write(ctx.Writer)
	}
	ctx.Release()
	return nil
}
