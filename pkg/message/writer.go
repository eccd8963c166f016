package message

import (
	"encoding/binary"
	"math"
)

// Vec3 is three little-endian float32 values on the wire.
type Vec3 [3]float32

// Writer appends little-endian fields to a growing buffer.
type Writer struct {
	out []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{out: make([]byte, 0, capacity)}
}

func (w *Writer) Bytes() []byte {
	return w.out
}

func (w *Writer) Len() int {
	return len(w.out)
}

func (w *Writer) Reset() {
	w.out = w.out[:0]
}

func (w *Writer) WriteUint8(v uint8) {
	w.out = append(w.out, v)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.out = append(w.out, 1)
		return
	}
	w.out = append(w.out, 0)
}

func (w *Writer) WriteUint16(v uint16) {
	w.out = binary.LittleEndian.AppendUint16(w.out, v)
}

func (w *Writer) WriteUint32(v uint32) {
	w.out = binary.LittleEndian.AppendUint32(w.out, v)
}

func (w *Writer) WriteInt32(v int32) {
	w.out = binary.LittleEndian.AppendUint32(w.out, uint32(v))
}

func (w *Writer) WriteUint64(v uint64) {
	w.out = binary.LittleEndian.AppendUint64(w.out, v)
}

func (w *Writer) WriteFloat32(v float32) {
	w.out = binary.LittleEndian.AppendUint32(w.out, math.Float32bits(v))
}

func (w *Writer) WriteVec3(v Vec3) {
	for _, f := range v {
		w.WriteFloat32(f)
	}
}

func (w *Writer) WriteUvarint(v uint64) {
	w.out = binary.AppendUvarint(w.out, v)
}

// WriteBytes writes a uvarint length prefix followed by the bytes.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUvarint(uint64(len(b)))
	w.out = append(w.out, b...)
}

// WriteRaw appends bytes with no length prefix.
func (w *Writer) WriteRaw(b []byte) {
	w.out = append(w.out, b...)
}
