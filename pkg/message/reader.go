package message

import (
	"encoding/binary"
	"math"

	"github.com/sessamekesh/spanreed-session/pkg/errors"
)

// Reader is a forward-only cursor over a received payload. Every read checks
// bounds and reports an Underflow naming the field that ran out of bytes.
type Reader struct {
	msg     []byte
	readPtr int
}

func NewReader(msg []byte) *Reader {
	return &Reader{msg: msg}
}

func (r *Reader) Remaining() int {
	return len(r.msg) - r.readPtr
}

func (r *Reader) Position() int {
	return r.readPtr
}

// Rest returns every unread byte without copying and moves the cursor to the end.
func (r *Reader) Rest() []byte {
	rest := r.msg[r.readPtr:]
	r.readPtr = len(r.msg)
	return rest
}

func (r *Reader) need(name string, n int) error {
	if len(r.msg) < r.readPtr+n {
		return &errors.Underflow{
			MessageName: name,
			MsgSize:     len(r.msg),
			MinimumSize: r.readPtr + n,
		}
	}
	return nil
}

func (r *Reader) ReadUint8(name string) (uint8, error) {
	if err := r.need(name, 1); err != nil {
		return 0, err
	}
	v := r.msg[r.readPtr]
	r.readPtr++
	return v, nil
}

func (r *Reader) ReadBool(name string) (bool, error) {
	v, err := r.ReadUint8(name)
	return v > 0, err
}

func (r *Reader) ReadUint16(name string) (uint16, error) {
	if err := r.need(name, 2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.msg[r.readPtr : r.readPtr+2])
	r.readPtr += 2
	return v, nil
}

func (r *Reader) ReadUint32(name string) (uint32, error) {
	if err := r.need(name, 4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.msg[r.readPtr : r.readPtr+4])
	r.readPtr += 4
	return v, nil
}

func (r *Reader) ReadInt32(name string) (int32, error) {
	v, err := r.ReadUint32(name)
	return int32(v), err
}

func (r *Reader) ReadUint64(name string) (uint64, error) {
	if err := r.need(name, 8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.msg[r.readPtr : r.readPtr+8])
	r.readPtr += 8
	return v, nil
}

func (r *Reader) ReadFloat32(name string) (float32, error) {
	v, err := r.ReadUint32(name)
	return math.Float32frombits(v), err
}

func (r *Reader) ReadVec3(name string) (Vec3, error) {
	var out Vec3
	for i := range out {
		f, err := r.ReadFloat32(name)
		if err != nil {
			return Vec3{}, err
		}
		out[i] = f
	}
	return out, nil
}

func (r *Reader) ReadUvarint(name string) (uint64, error) {
	v, n := binary.Uvarint(r.msg[r.readPtr:])
	if n <= 0 {
		return 0, &errors.Underflow{
			MessageName: name,
			MsgSize:     len(r.msg),
			MinimumSize: r.readPtr + 1,
		}
	}
	r.readPtr += n
	return v, nil
}

// ReadBytes reads a uvarint length prefix followed by that many bytes. The
// returned slice aliases the underlying message.
func (r *Reader) ReadBytes(name string) ([]byte, error) {
	length, err := r.ReadUvarint(name)
	if err != nil {
		return nil, err
	}
	if uint64(r.Remaining()) < length {
		return nil, &errors.Underflow{
			MessageName: name,
			MsgSize:     len(r.msg),
			MinimumSize: r.readPtr + int(length),
		}
	}
	out := r.msg[r.readPtr : r.readPtr+int(length)]
	r.readPtr += int(length)
	return out, nil
}
