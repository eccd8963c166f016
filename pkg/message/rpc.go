package message

// RpcHeader prefixes every ServerRpc/ClientRpc payload. Field order is fixed:
// object, behaviour, method, then the stage the sender queued it on.
type RpcHeader struct {
	ObjectId       uint64
	BehaviourIndex uint16
	MethodId       uint32
	UpdateStage    uint8
}

func (m *RpcHeader) Serialize(w *Writer) {
	w.WriteUint64(m.ObjectId)
	w.WriteUint16(m.BehaviourIndex)
	w.WriteUint32(m.MethodId)
	w.WriteUint8(m.UpdateStage)
}

func ParseRpcHeader(r *Reader) (*RpcHeader, error) {
	var err error
	msg := &RpcHeader{}

	if msg.ObjectId, err = r.ReadUint64("Rpc::ObjectId"); err != nil {
		return nil, err
	}
	if msg.BehaviourIndex, err = r.ReadUint16("Rpc::BehaviourIndex"); err != nil {
		return nil, err
	}
	if msg.MethodId, err = r.ReadUint32("Rpc::MethodId"); err != nil {
		return nil, err
	}
	if msg.UpdateStage, err = r.ReadUint8("Rpc::UpdateStage"); err != nil {
		return nil, err
	}

	return msg, nil
}
