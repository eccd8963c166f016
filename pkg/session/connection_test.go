package session

import (
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-session/internal"
	"github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const playerPrefab uint32 = 7

type connectionLog struct {
	connected    []uint64
	disconnected []uint64
}

func (l *connectionLog) attach(m *NetworkManager) {
	m.OnClientConnected = func(clientId uint64) {
		l.connected = append(l.connected, clientId)
	}
	m.OnClientDisconnected = func(clientId uint64) {
		l.disconnected = append(l.disconnected, clientId)
	}
}

func TestConfigChecksum(t *testing.T) {
	base := NetworkConfig{Prefabs: []NetworkPrefab{{Hash: 1}, {Hash: 2}}}
	reordered := NetworkConfig{Prefabs: []NetworkPrefab{{Hash: 2}, {Hash: 1}}, TickRate: defaultTickRate}

	assert.Equal(t, base.GetConfigChecksum(), reordered.GetConfigChecksum())
	assert.NotEqual(t, base.GetConfigChecksum(), NetworkConfig{TickRate: 60, Prefabs: base.Prefabs}.GetConfigChecksum())
	assert.NotEqual(t, base.GetConfigChecksum(), NetworkConfig{ConnectionApproval: true, Prefabs: base.Prefabs}.GetConfigChecksum())

	// Local tuning does not take part.
	assert.Equal(t, base.GetConfigChecksum(), NetworkConfig{Prefabs: base.Prefabs, ClientConnectionBufferTimeout: time.Second, MaxBatchSize: 10}.GetConfigChecksum())
}

func TestApproval_DisabledApprovesImmediately(t *testing.T) {
	fake := &fakeTransport{}
	m := newTestManager(NetworkConfig{}, fake)
	log := &connectionLog{}
	log.attach(m)
	require.NoError(t, m.StartServer())

	fake.connect(1)
	m.Update(frameTime)
	assert.Equal(t, []uint64{1}, m.PendingClientIds())
	assert.Empty(t, m.ConnectedClientIds())

	fake.requestConnection(1, m.ConfigChecksum(), nil)
	m.Update(frameTime)
	assert.Empty(t, m.PendingClientIds())
	assert.Equal(t, []uint64{1}, m.ConnectedClientIds())
	assert.Equal(t, []uint64{1}, log.connected)

	frames := fake.framesTo(t, 1)
	require.Equal(t, []message.MessageType{message.MessageType_ConnectionApproved, message.MessageType_TimeSync}, messageTypes(frames))
	approved, err := message.ParseConnectionApproved(message.NewReader(frames[0].Payload))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), approved.OwnerClientId)
}

func TestApproval_TimeoutDisconnectsExactlyOnce(t *testing.T) {
	fake := &fakeTransport{}
	m := newTestManager(NetworkConfig{
		ConnectionApproval:            true,
		ClientConnectionBufferTimeout: 100 * time.Millisecond,
	}, fake)
	log := &connectionLog{}
	log.attach(m)
	require.NoError(t, m.StartServer())

	fake.connect(1)
	fake.requestConnection(1, m.ConfigChecksum(), nil)

	for i := 0; i < 4; i++ {
		m.Update(50 * time.Millisecond)
	}
	assert.Empty(t, m.PendingClientIds())
	assert.Equal(t, []uint64{1}, fake.disconnects)

	for i := 0; i < 20; i++ {
		m.Update(50 * time.Millisecond)
	}
	fake.disconnect(1)
	m.Update(50 * time.Millisecond)

	assert.Equal(t, []uint64{1}, fake.disconnects)
	assert.Equal(t, []uint64{1}, log.disconnected)
	assert.Empty(t, log.connected)
	assert.Empty(t, fake.framesTo(t, 1), "a client that was never approved hears nothing")
}

func TestApproval_PromotionCancelsTimeout(t *testing.T) {
	fake := &fakeTransport{}
	m := newTestManager(NetworkConfig{
		ConnectionApproval:            true,
		ClientConnectionBufferTimeout: 100 * time.Millisecond,
	}, fake)
	require.NoError(t, m.StartServer())

	fake.connect(1)
	m.Update(50 * time.Millisecond)
	require.NoError(t, m.HandleApproval(1, ApprovalResponse{Approved: true}))

	for i := 0; i < 10; i++ {
		m.Update(50 * time.Millisecond)
	}
	assert.Empty(t, fake.disconnects)
	assert.Equal(t, []uint64{1}, m.ConnectedClientIds())

	var missing *internal.MissingClientIdError
	assert.ErrorAs(t, m.HandleApproval(1, ApprovalResponse{Approved: true}), &missing)
}

func TestApproval_ChecksumMismatchRejects(t *testing.T) {
	fake := &fakeTransport{}
	m := newTestManager(NetworkConfig{}, fake)
	log := &connectionLog{}
	log.attach(m)
	require.NoError(t, m.StartServer())

	fake.connect(1)
	fake.requestConnection(1, m.ConfigChecksum()+1, nil)
	m.Update(frameTime)

	assert.Empty(t, m.PendingClientIds())
	assert.Empty(t, m.ConnectedClientIds())
	assert.Equal(t, []uint64{1}, fake.disconnects)
	assert.Empty(t, fake.framesTo(t, 1))
	assert.Empty(t, log.connected)
}

func TestApproval_CallbackRejects(t *testing.T) {
	fake := &fakeTransport{}
	m := newTestManager(NetworkConfig{ConnectionApproval: true}, fake)
	requests := []ApprovalRequest{}
	m.ConnectionApprovalCallback = func(request ApprovalRequest) *ApprovalFuture {
		requests = append(requests, request)
		return ResolvedApproval(ApprovalResponse{Approved: false})
	}
	require.NoError(t, m.StartServer())

	fake.connect(3)
	fake.requestConnection(3, m.ConfigChecksum(), []byte("let me in"))
	m.Update(frameTime)

	require.Len(t, requests, 1)
	assert.Equal(t, uint64(3), requests[0].ClientId)
	assert.Equal(t, []byte("let me in"), requests[0].Payload)

	assert.Empty(t, m.PendingClientIds())
	assert.Empty(t, m.ConnectedClientIds())
	assert.Equal(t, []uint64{3}, fake.disconnects)
	assert.Empty(t, fake.sent)
}

func TestApproval_AsyncDecision(t *testing.T) {
	fake := &fakeTransport{}
	m := newTestManager(NetworkConfig{ConnectionApproval: true}, fake)
	future := NewApprovalFuture()
	m.ConnectionApprovalCallback = func(request ApprovalRequest) *ApprovalFuture {
		return future
	}
	require.NoError(t, m.StartServer())

	fake.connect(1)
	fake.requestConnection(1, m.ConfigChecksum(), nil)
	m.Update(frameTime)
	m.Update(frameTime)
	assert.Equal(t, []uint64{1}, m.PendingClientIds())

	done := make(chan struct{})
	go func() {
		future.Resolve(ApprovalResponse{Approved: true})
		future.Resolve(ApprovalResponse{Approved: false})
		close(done)
	}()
	<-done

	m.Update(frameTime)
	assert.Empty(t, m.PendingClientIds())
	assert.Equal(t, []uint64{1}, m.ConnectedClientIds())
}

func TestApproval_PlayerObjectScenario(t *testing.T) {
	fake := &fakeTransport{}
	m := newTestManager(NetworkConfig{
		ConnectionApproval: true,
		PlayerPrefabHash:   playerPrefab,
		Prefabs:            []NetworkPrefab{{Hash: playerPrefab, Name: "Player"}, {Hash: 8, Name: "Crate"}},
	}, fake)
	log := &connectionLog{}
	log.attach(m)
	spawnPoint := message.Vec3{1, 2, 3}
	m.ConnectionApprovalCallback = func(request ApprovalRequest) *ApprovalFuture {
		return ResolvedApproval(ApprovalResponse{Approved: true, CreatePlayerObject: true, Position: &spawnPoint})
	}
	require.NoError(t, m.StartServer())

	fake.connect(1)
	fake.requestConnection(1, m.ConfigChecksum(), nil)
	m.Update(frameTime)
	require.Equal(t, []uint64{1}, m.ConnectedClientIds())

	first := m.ConnectedClients()[1]
	require.True(t, first.HasPlayer)
	player1, has := m.SpawnManager().Get(first.PlayerObjectId)
	require.True(t, has)
	assert.Equal(t, uint64(1), player1.OwnerClientId)
	assert.True(t, player1.IsObservedBy(1))

	// Hidden from client 2.
	crate, err := m.SpawnObject(SpawnParams{
		PrefabHash:            8,
		CheckObjectVisibility: func(clientId uint64) bool { return clientId != 2 },
	})
	require.NoError(t, err)
	m.Update(frameTime)
	fake.sent = nil

	fake.connect(2)
	fake.requestConnection(2, m.ConfigChecksum(), nil)
	m.Update(frameTime)

	assert.Empty(t, m.PendingClientIds())
	assert.Equal(t, []uint64{1, 2}, m.ConnectedClientIds())
	assert.Equal(t, []uint64{1, 2}, log.connected)

	toNew := fake.framesTo(t, 2)
	require.Equal(t, []message.MessageType{
		message.MessageType_ConnectionApproved,
		message.MessageType_CreateObject,
		message.MessageType_CreateObject,
		message.MessageType_TimeSync,
	}, messageTypes(toNew))

	approved, err := message.ParseConnectionApproved(message.NewReader(toNew[0].Payload))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), approved.OwnerClientId)

	player2Id := m.ConnectedClients()[2].PlayerObjectId
	createdForNew := []uint64{}
	for _, frame := range toNew[1:3] {
		create, err := message.ParseCreateObject(message.NewReader(frame.Payload))
		require.NoError(t, err)
		assert.NotEqual(t, crate.ObjectId, create.ObjectId)
		createdForNew = append(createdForNew, create.ObjectId)
	}
	assert.Equal(t, []uint64{player1.ObjectId, player2Id}, createdForNew)

	toExisting := fake.framesTo(t, 1)
	require.Equal(t, []message.MessageType{message.MessageType_CreateObject}, messageTypes(toExisting))
	create, err := message.ParseCreateObject(message.NewReader(toExisting[0].Payload))
	require.NoError(t, err)
	assert.Equal(t, player2Id, create.ObjectId)
	assert.Equal(t, uint64(2), create.OwnerClientId)
	assert.True(t, create.IsPlayerObject)
	assert.True(t, create.IncludesTransform)
	assert.Equal(t, spawnPoint, create.Position)
}

func TestApproval_BatchingIsTransparent(t *testing.T) {
	run := func(batching bool) (*fakeTransport, []message.RawFrame) {
		fake := &fakeTransport{}
		m := newTestManager(NetworkConfig{
			EnableMessageBatching: batching,
			CreatePlayerObject:    true,
			PlayerPrefabHash:      playerPrefab,
			Prefabs:               []NetworkPrefab{{Hash: playerPrefab}},
		}, fake)
		require.NoError(t, m.StartServer())
		for clientId := uint64(1); clientId <= 3; clientId++ {
			fake.connect(clientId)
			fake.requestConnection(clientId, m.ConfigChecksum(), nil)
		}
		m.Update(frameTime)
		return fake, fake.framesTo(t, 3)
	}

	unbatched, plain := run(false)
	batched, packed := run(true)

	assert.Equal(t, plain, packed)
	assert.Less(t, len(batched.sent), len(unbatched.sent))
}

//
// Disconnect

func TestDisconnectClient_PolicyAndIdempotence(t *testing.T) {
	client := newTestManager(NetworkConfig{}, &fakeTransport{})
	require.NoError(t, client.StartClient())
	var notServer *errors.NotServerError
	assert.ErrorAs(t, client.DisconnectClient(1), &notServer)

	fake := &fakeTransport{}
	m := newTestManager(NetworkConfig{}, fake)
	log := &connectionLog{}
	log.attach(m)
	require.NoError(t, m.StartServer())

	var notPermitted *errors.NotPermittedError
	assert.ErrorAs(t, m.DisconnectClient(m.ServerClientId()), &notPermitted)

	fake.connect(1)
	fake.requestConnection(1, m.ConfigChecksum(), nil)
	m.Update(frameTime)

	require.NoError(t, m.DisconnectClient(1))
	require.NoError(t, m.DisconnectClient(1))
	fake.disconnect(1)
	m.Update(frameTime)

	assert.Equal(t, []uint64{1}, fake.disconnects)
	assert.Equal(t, []uint64{1}, log.disconnected)
	assert.Empty(t, m.ConnectedClientIds())
}

func TestDisconnect_ReleasesOwnedObjects(t *testing.T) {
	fake := &fakeTransport{}
	m := newTestManager(NetworkConfig{
		Prefabs: []NetworkPrefab{{Hash: 8, Name: "Crate"}},
	}, fake)
	require.NoError(t, m.StartServer())

	for clientId := uint64(1); clientId <= 2; clientId++ {
		fake.connect(clientId)
		fake.requestConnection(clientId, m.ConfigChecksum(), nil)
	}
	m.Update(frameTime)

	doomed, err := m.SpawnObject(SpawnParams{PrefabHash: 8, OwnerClientId: 1})
	require.NoError(t, err)
	kept, err := m.SpawnObject(SpawnParams{PrefabHash: 8, OwnerClientId: 1, DontDestroyWithOwner: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{doomed.ObjectId, kept.ObjectId}, m.ConnectedClients()[1].OwnedObjects())
	m.Update(frameTime)
	fake.sent = nil

	fake.disconnect(1)
	m.Update(frameTime)

	_, has := m.SpawnManager().Get(doomed.ObjectId)
	assert.False(t, has)
	survivor, has := m.SpawnManager().Get(kept.ObjectId)
	require.True(t, has)
	assert.Equal(t, m.ServerClientId(), survivor.OwnerClientId)
	assert.False(t, survivor.IsObservedBy(1))
	assert.True(t, survivor.IsObservedBy(2))

	assert.Empty(t, fake.framesTo(t, 1))
	toObserver := fake.framesTo(t, 2)
	require.Equal(t, []message.MessageType{message.MessageType_DestroyObject, message.MessageType_ChangeOwner}, messageTypes(toObserver))
	destroy, err := message.ParseDestroyObject(message.NewReader(toObserver[0].Payload))
	require.NoError(t, err)
	assert.Equal(t, doomed.ObjectId, destroy.ObjectId)
	change, err := message.ParseChangeOwner(message.NewReader(toObserver[1].Payload))
	require.NoError(t, err)
	assert.Equal(t, kept.ObjectId, change.ObjectId)
	assert.Equal(t, m.ServerClientId(), change.OwnerClientId)
}

func TestServerRpc_OnlyFromConnectedClients(t *testing.T) {
	fake := &fakeTransport{}
	m := newTestManager(NetworkConfig{}, fake)
	require.NoError(t, m.StartServer())

	fake.connect(1)
	fake.receive(1, message.NetworkChannel_ReliableRpc, message.MessageType_ServerRpc, (&message.RpcHeader{ObjectId: 1}).Serialize)
	// Unknown message types are ignored.
	fake.receive(1, message.NetworkChannel_ReliableRpc, message.MessageType(0x40), func(w *message.Writer) { w.WriteUint32(1) })
	m.Update(frameTime)

	assert.Equal(t, []uint64{1}, m.PendingClientIds())
	assert.True(t, m.IsListening())
}

//
// Token approver

func TestTokenApprover(t *testing.T) {
	approve := CreateTokenApprover(TokenApproverParams{
		AllowedTokens:      []string{"abc"},
		CreatePlayerObject: true,
		Logger:             zap.NewNop(),
	})

	response, ok := approve(ApprovalRequest{ClientId: 1, Payload: message.BuildConnectionData("ada", []byte("abc"))}).poll()
	require.True(t, ok)
	assert.True(t, response.Approved)
	assert.True(t, response.CreatePlayerObject)

	response, ok = approve(ApprovalRequest{ClientId: 2, Payload: message.BuildConnectionData("bob", []byte("nope"))}).poll()
	require.True(t, ok)
	assert.False(t, response.Approved)

	response, ok = approve(ApprovalRequest{ClientId: 3, Payload: []byte{1}}).poll()
	require.True(t, ok)
	assert.False(t, response.Approved)
}
