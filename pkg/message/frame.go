package message

import (
	"encoding/binary"

	"github.com/sessamekesh/spanreed-session/pkg/errors"
)

// Frame is one decoded protocol message, alive only until the pipeline or the
// dispatcher has consumed it.
type Frame struct {
	MessageType    MessageType
	Channel        NetworkChannel
	SenderClientId uint64
	Payload        []byte

	// Telemetry
	RecvTimestamp int64
}

// RawFrame is a frame as it sits on the wire, before sender metadata is attached.
type RawFrame struct {
	MessageType MessageType
	Payload     []byte
}

// SerializeFrame lays out an unbatched wire item: [u8 type][payload].
func SerializeFrame(msgType MessageType, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, uint8(msgType))
	return append(out, payload...)
}

// BatchedFrameSize is the number of bytes a serialized frame occupies inside a batch.
func BatchedFrameSize(frame []byte) int {
	var scratch [binary.MaxVarintLen64]byte
	return binary.PutUvarint(scratch[:], uint64(len(frame))) + len(frame)
}

// NewBatch starts a batch wire item.
func NewBatch(capacity int) []byte {
	out := make([]byte, 0, capacity)
	return append(out, uint8(MessageType_Batch))
}

// AppendToBatch appends one serialized frame as a length-prefixed sub-frame.
func AppendToBatch(batch []byte, frame []byte) []byte {
	batch = binary.AppendUvarint(batch, uint64(len(frame)))
	return append(batch, frame...)
}

// Unpack splits a wire item into its frames. An unbatched item yields exactly
// one frame; a batch yields its sub-frames in order. Frames that were fully read
// before a malformed sub-frame are returned alongside the error.
func Unpack(data []byte) ([]RawFrame, error) {
	if len(data) < 1 {
		return nil, &errors.Underflow{
			MessageName: "WireItem",
			MsgSize:     0,
			MinimumSize: 1,
		}
	}

	if MessageType(data[0]) != MessageType_Batch {
		return []RawFrame{{MessageType: MessageType(data[0]), Payload: data[1:]}}, nil
	}

	frames := []RawFrame{}
	reader := NewReader(data[1:])
	for reader.Remaining() > 0 {
		sub, err := reader.ReadBytes("Batch::SubFrame")
		if err != nil {
			return frames, err
		}
		if len(sub) < 1 {
			return frames, &errors.Underflow{
				MessageName: "Batch::SubFrame::MessageType",
				MsgSize:     0,
				MinimumSize: 1,
			}
		}
		if MessageType(sub[0]) == MessageType_Batch {
			return frames, &errors.InvalidEnumValue{
				EnumName: "Batch::SubFrame::MessageType",
				IntValue: sub[0],
			}
		}
		frames = append(frames, RawFrame{MessageType: MessageType(sub[0]), Payload: sub[1:]})
	}

	return frames, nil
}
