package message

// CreateObject announces a spawned object to a client that can observe it.
// The trailing payload is opaque object state owned by the spawn layer.
type CreateObject struct {
	IsPlayerObject bool
	ObjectId       uint64
	OwnerClientId  uint64

	HasParent      bool
	ParentObjectId uint64

	IsSceneObject bool
	PrefabHash    uint32

	IncludesTransform bool
	Position          Vec3
	Rotation          Vec3

	Payload []byte
}

func (m *CreateObject) Serialize(w *Writer) {
	w.WriteBool(m.IsPlayerObject)
	w.WriteUint64(m.ObjectId)
	w.WriteUint64(m.OwnerClientId)

	w.WriteBool(m.HasParent)
	if m.HasParent {
		w.WriteUint64(m.ParentObjectId)
	}

	w.WriteBool(m.IsSceneObject)
	w.WriteUint32(m.PrefabHash)

	w.WriteBool(m.IncludesTransform)
	if m.IncludesTransform {
		w.WriteVec3(m.Position)
		w.WriteVec3(m.Rotation)
	}

	w.WriteBool(m.Payload != nil)
	if m.Payload != nil {
		w.WriteBytes(m.Payload)
	}
}

func ParseCreateObject(r *Reader) (*CreateObject, error) {
	var err error
	msg := &CreateObject{}

	if msg.IsPlayerObject, err = r.ReadBool("CreateObject::IsPlayerObject"); err != nil {
		return nil, err
	}
	if msg.ObjectId, err = r.ReadUint64("CreateObject::ObjectId"); err != nil {
		return nil, err
	}
	if msg.OwnerClientId, err = r.ReadUint64("CreateObject::OwnerClientId"); err != nil {
		return nil, err
	}

	if msg.HasParent, err = r.ReadBool("CreateObject::HasParent"); err != nil {
		return nil, err
	}
	if msg.HasParent {
		if msg.ParentObjectId, err = r.ReadUint64("CreateObject::ParentObjectId"); err != nil {
			return nil, err
		}
	}

	if msg.IsSceneObject, err = r.ReadBool("CreateObject::IsSceneObject"); err != nil {
		return nil, err
	}
	if msg.PrefabHash, err = r.ReadUint32("CreateObject::PrefabHash"); err != nil {
		return nil, err
	}

	if msg.IncludesTransform, err = r.ReadBool("CreateObject::IncludesTransform"); err != nil {
		return nil, err
	}
	if msg.IncludesTransform {
		if msg.Position, err = r.ReadVec3("CreateObject::Position"); err != nil {
			return nil, err
		}
		if msg.Rotation, err = r.ReadVec3("CreateObject::Rotation"); err != nil {
			return nil, err
		}
	}

	hasPayload, err := r.ReadBool("CreateObject::HasPayload")
	if err != nil {
		return nil, err
	}
	if hasPayload {
		payload, err := r.ReadBytes("CreateObject::Payload")
		if err != nil {
			return nil, err
		}
		msg.Payload = append([]byte{}, payload...)
	}

	return msg, nil
}

type DestroyObject struct {
	ObjectId uint64
}

func (m *DestroyObject) Serialize(w *Writer) {
	w.WriteUint64(m.ObjectId)
}

func ParseDestroyObject(r *Reader) (*DestroyObject, error) {
	id, err := r.ReadUint64("DestroyObject::ObjectId")
	if err != nil {
		return nil, err
	}
	return &DestroyObject{ObjectId: id}, nil
}

type ChangeOwner struct {
	ObjectId      uint64
	OwnerClientId uint64
}

func (m *ChangeOwner) Serialize(w *Writer) {
	w.WriteUint64(m.ObjectId)
	w.WriteUint64(m.OwnerClientId)
}

func ParseChangeOwner(r *Reader) (*ChangeOwner, error) {
	id, err := r.ReadUint64("ChangeOwner::ObjectId")
	if err != nil {
		return nil, err
	}
	owner, err := r.ReadUint64("ChangeOwner::OwnerClientId")
	if err != nil {
		return nil, err
	}
	return &ChangeOwner{ObjectId: id, OwnerClientId: owner}, nil
}
