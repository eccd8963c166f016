package message

type ConnectionRequest struct {
	ConfigChecksum uint64

	// Optional, handed verbatim to the approval callback.
	ConnectionData []byte
}

func (m *ConnectionRequest) Serialize(w *Writer) {
	w.WriteUint64(m.ConfigChecksum)
	w.WriteBool(m.ConnectionData != nil)
	if m.ConnectionData != nil {
		w.WriteBytes(m.ConnectionData)
	}
}

func ParseConnectionRequest(r *Reader) (*ConnectionRequest, error) {
	checksum, err := r.ReadUint64("ConnectionRequest::ConfigChecksum")
	if err != nil {
		return nil, err
	}

	hasData, err := r.ReadBool("ConnectionRequest::HasConnectionData")
	if err != nil {
		return nil, err
	}

	msg := &ConnectionRequest{ConfigChecksum: checksum}
	if hasData {
		data, err := r.ReadBytes("ConnectionRequest::ConnectionData")
		if err != nil {
			return nil, err
		}
		msg.ConnectionData = append([]byte{}, data...)
	}

	return msg, nil
}

type ConnectionApproved struct {
	OwnerClientId uint64
	NetworkTick   int32
}

func (m *ConnectionApproved) Serialize(w *Writer) {
	w.WriteUint64(m.OwnerClientId)
	w.WriteInt32(m.NetworkTick)
}

func ParseConnectionApproved(r *Reader) (*ConnectionApproved, error) {
	clientId, err := r.ReadUint64("ConnectionApproved::OwnerClientId")
	if err != nil {
		return nil, err
	}
	tick, err := r.ReadInt32("ConnectionApproved::NetworkTick")
	if err != nil {
		return nil, err
	}

	return &ConnectionApproved{OwnerClientId: clientId, NetworkTick: tick}, nil
}

type TimeSync struct {
	Tick int32
}

func (m *TimeSync) Serialize(w *Writer) {
	w.WriteInt32(m.Tick)
}

func ParseTimeSync(r *Reader) (*TimeSync, error) {
	tick, err := r.ReadInt32("TimeSync::Tick")
	if err != nil {
		return nil, err
	}
	return &TimeSync{Tick: tick}, nil
}
