package rpc

import (
	"testing"

	"github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/message"
	"github.com/sessamekesh/spanreed-session/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type counterBehaviour struct {
	total   uint32
	callers []uint64
}

type mapResolver map[uint64][]any

func (m mapResolver) ResolveBehaviour(objectId uint64, behaviourIndex uint16) (any, bool) {
	behaviours, has := m[objectId]
	if !has || int(behaviourIndex) >= len(behaviours) {
		return nil, false
	}
	return behaviours[behaviourIndex], true
}

var lastParams Params

func addHandler(behaviour any, r *message.Reader, params Params) error {
	amount, err := r.ReadUint32("Add::Amount")
	if err != nil {
		return err
	}
	counter := behaviour.(*counterBehaviour)
	counter.total += amount
	counter.callers = append(counter.callers, params.Server.SenderClientId)
	lastParams = params
	return nil
}

func rpcFrame(msgType message.MessageType, sender uint64, header message.RpcHeader, args ...uint32) *message.Frame {
	w := message.NewWriter(32)
	header.Serialize(w)
	for _, arg := range args {
		w.WriteUint32(arg)
	}
	return &message.Frame{MessageType: msgType, SenderClientId: sender, Payload: w.Bytes()}
}

func TestMethodId_IsStableFnv1a(t *testing.T) {
	assert.Equal(t, uint32(0x811c9dc5), MethodId(""))
	assert.Equal(t, uint32(0xe40c292c), MethodId("a"))
	assert.Equal(t, MethodId("Counter.Add"), NewEntry("Counter.Add", addHandler).MethodId)
}

func TestNewRegistry_RejectsDuplicatesAndNilHandlers(t *testing.T) {
	_, err := NewRegistry(NewEntry("Counter.Add", addHandler), NewEntry("Counter.Add", addHandler))
	var collision *errors.NameCollision
	assert.ErrorAs(t, err, &collision)

	_, err = NewRegistry(Entry{MethodId: 1, Name: "Broken"})
	var missing *errors.MissingFieldError
	assert.ErrorAs(t, err, &missing)

	registry, err := NewRegistry(NewEntry("Counter.Add", addHandler))
	require.NoError(t, err)
	assert.Equal(t, 1, registry.Len())

	var nilRegistry *Registry
	_, has := nilRegistry.Lookup(1)
	assert.False(t, has)
}

func TestDispatcher_ServerRpc(t *testing.T) {
	registry, err := NewRegistry(NewEntry("Counter.Add", addHandler))
	require.NoError(t, err)

	counter := &counterBehaviour{}
	d := CreateDispatcher(DispatcherParams{
		Registry: registry,
		Resolver: mapResolver{10: {nil, counter}},
		Logger:   zap.NewNop(),
	})

	header := message.RpcHeader{ObjectId: 10, BehaviourIndex: 1, MethodId: MethodId("Counter.Add"), UpdateStage: uint8(pipeline.UpdateStage_PreLateUpdate)}
	require.True(t, d.Dispatch(rpcFrame(message.MessageType_ServerRpc, 7, header, 5)))
	require.True(t, d.Dispatch(rpcFrame(message.MessageType_ServerRpc, 8, header, 2)))

	assert.Equal(t, uint32(7), counter.total)
	assert.Equal(t, []uint64{7, 8}, counter.callers)
	assert.Equal(t, Kind_Server, lastParams.Kind)
	assert.Equal(t, pipeline.UpdateStage_PreLateUpdate, lastParams.ReceiveStage)
}

func TestDispatcher_ClientRpcHasNoSender(t *testing.T) {
	registry, err := NewRegistry(NewEntry("Counter.Add", addHandler))
	require.NoError(t, err)

	counter := &counterBehaviour{}
	d := CreateDispatcher(DispatcherParams{Registry: registry, Resolver: mapResolver{1: {counter}}, Logger: zap.NewNop()})

	header := message.RpcHeader{ObjectId: 1, MethodId: MethodId("Counter.Add"), UpdateStage: 0xEE}
	require.True(t, d.Dispatch(rpcFrame(message.MessageType_ClientRpc, 0, header, 1)))
	assert.Equal(t, Kind_Client, lastParams.Kind)
	assert.Equal(t, ServerParams{}, lastParams.Server)
	assert.Equal(t, pipeline.UpdateStage_Update, lastParams.ReceiveStage)
}

func TestDispatcher_DropsWhatItCannotResolve(t *testing.T) {
	registry, err := NewRegistry(NewEntry("Counter.Add", addHandler))
	require.NoError(t, err)

	counter := &counterBehaviour{}
	resolver := mapResolver{1: {counter}}
	d := CreateDispatcher(DispatcherParams{Registry: registry, Resolver: resolver, Logger: zap.NewNop()})
	add := MethodId("Counter.Add")

	assert.False(t, d.Dispatch(rpcFrame(message.MessageType_ServerRpc, 2, message.RpcHeader{ObjectId: 1, MethodId: MethodId("Counter.Missing")}, 1)), "unknown method")
	assert.False(t, d.Dispatch(rpcFrame(message.MessageType_ServerRpc, 2, message.RpcHeader{ObjectId: 1, BehaviourIndex: 3, MethodId: add}, 1)), "behaviour out of range")
	assert.False(t, d.Dispatch(&message.Frame{MessageType: message.MessageType_ServerRpc, Payload: []byte{1, 2}}), "truncated header")
	assert.False(t, d.Dispatch(rpcFrame(message.MessageType_TimeSync, 2, message.RpcHeader{ObjectId: 1, MethodId: add}, 1)), "not an rpc")

	delete(resolver, 1)
	assert.False(t, d.Dispatch(rpcFrame(message.MessageType_ServerRpc, 2, message.RpcHeader{ObjectId: 1, MethodId: add}, 1)), "destroyed object")

	assert.Equal(t, uint32(0), counter.total)
}

func TestDispatcher_HandlerErrorIsContained(t *testing.T) {
	registry, err := NewRegistry(NewEntry("Counter.Add", addHandler))
	require.NoError(t, err)

	counter := &counterBehaviour{}
	d := CreateDispatcher(DispatcherParams{Registry: registry, Resolver: mapResolver{1: {counter}}, Logger: zap.NewNop()})

	// Header only, no argument: the handler's read underflows.
	assert.True(t, d.Dispatch(rpcFrame(message.MessageType_ServerRpc, 2, message.RpcHeader{ObjectId: 1, MethodId: MethodId("Counter.Add")})))
	assert.Equal(t, uint32(0), counter.total)
}
