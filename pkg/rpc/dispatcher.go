package rpc

import (
	"github.com/sessamekesh/spanreed-session/pkg/message"
	"github.com/sessamekesh/spanreed-session/pkg/pipeline"
	"go.uber.org/zap"
)

type Kind uint8

const (
	Kind_Server Kind = iota
	Kind_Client

	Kind_NONE
)

func (k Kind) String() string {
	switch k {
	case Kind_Server:
		return "Server"
	case Kind_Client:
		return "Client"
	}
	return "Unknown"
}

type ServerParams struct {
	SenderClientId uint64
}

// Params is the context a handler runs with. Server is only meaningful when
// Kind is Kind_Server.
type Params struct {
	Kind         Kind
	Server       ServerParams
	ReceiveStage pipeline.UpdateStage
}

// ObjectResolver finds the behaviour an RPC targets. It reports false for
// objects that were never spawned or are already destroyed, and for behaviour
// indices out of range.
type ObjectResolver interface {
	ResolveBehaviour(objectId uint64, behaviourIndex uint16) (any, bool)
}

type DispatcherParams struct {
	Registry *Registry
	Resolver ObjectResolver
	Logger   *zap.Logger
}

type Dispatcher struct {
	registry *Registry
	resolver ObjectResolver
	log      *zap.Logger
}

func CreateDispatcher(params DispatcherParams) *Dispatcher {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &Dispatcher{
		registry: params.Registry,
		resolver: params.Resolver,
		log:      logger.With(zap.String("component", "rpc")),
	}
}

// Dispatch invokes the handler a ServerRpc/ClientRpc frame addresses and
// reports whether one ran. Stale object references, unknown methods and
// malformed headers are expected under latency and are dropped.
func (d *Dispatcher) Dispatch(frame *message.Frame) bool {
	params := Params{}
	switch frame.MessageType {
	case message.MessageType_ServerRpc:
		params.Kind = Kind_Server
		params.Server.SenderClientId = frame.SenderClientId
	case message.MessageType_ClientRpc:
		params.Kind = Kind_Client
	default:
		return false
	}

	log := d.log.With(zap.Uint64("clientId", frame.SenderClientId), zap.Stringer("kind", params.Kind))

	r := message.NewReader(frame.Payload)
	header, err := message.ParseRpcHeader(r)
	if err != nil {
		log.Debug("Dropping RPC with malformed header", zap.Error(err))
		return false
	}

	if d.resolver == nil {
		return false
	}
	behaviour, has := d.resolver.ResolveBehaviour(header.ObjectId, header.BehaviourIndex)
	if !has {
		log.Debug("Dropping RPC for unknown object or behaviour", zap.Uint64("objectId", header.ObjectId), zap.Uint16("behaviourIndex", header.BehaviourIndex))
		return false
	}

	entry, has := d.registry.Lookup(header.MethodId)
	if !has {
		log.Debug("Dropping RPC for unregistered method", zap.Uint32("methodId", header.MethodId))
		return false
	}

	params.ReceiveStage = pipeline.UpdateStage(header.UpdateStage)
	if params.ReceiveStage >= pipeline.UpdateStage_NONE {
		params.ReceiveStage = pipeline.UpdateStage_Update
	}

	if err := entry.Handler(behaviour, r, params); err != nil {
		log.Debug("RPC handler failed", zap.String("method", entry.Name), zap.Error(err))
	}
	return true
}
