package message

type MessageType uint8

const (
	MessageType_ConnectionRequest MessageType = iota
	MessageType_ConnectionApproved
	MessageType_CreateObject
	MessageType_DestroyObject
	MessageType_ChangeOwner
	MessageType_TimeSync
	MessageType_ServerRpc
	MessageType_ClientRpc

	MessageType_NONE
)

// MessageType_Batch tags a wire item that carries length-prefixed sub-frames.
const MessageType_Batch MessageType = 0xFF

func (t MessageType) String() string {
	switch t {
	case MessageType_ConnectionRequest:
		return "ConnectionRequest"
	case MessageType_ConnectionApproved:
		return "ConnectionApproved"
	case MessageType_CreateObject:
		return "CreateObject"
	case MessageType_DestroyObject:
		return "DestroyObject"
	case MessageType_ChangeOwner:
		return "ChangeOwner"
	case MessageType_TimeSync:
		return "TimeSync"
	case MessageType_ServerRpc:
		return "ServerRpc"
	case MessageType_ClientRpc:
		return "ClientRpc"
	case MessageType_Batch:
		return "Batch"
	}

	return "Unknown"
}

// NetworkChannel selects the ordering/reliability class of a message. The
// core only uses it to keep per-channel ordering; transports decide what each
// channel means on the wire.
type NetworkChannel uint8

const (
	NetworkChannel_Internal NetworkChannel = iota
	NetworkChannel_TimeSync
	NetworkChannel_ReliableRpc
	NetworkChannel_UnreliableRpc
	NetworkChannel_SyncChannel

	NetworkChannel_NONE
)

func (c NetworkChannel) IsReliable() bool {
	return c != NetworkChannel_UnreliableRpc && c != NetworkChannel_TimeSync
}
