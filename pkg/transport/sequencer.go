package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	sessionerrors "github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/message"
)

// channelSequencer gives datagram transports the per-channel guarantees the
// session relies on. Every data packet carries [u8 channel][u64 sequence].
//
// Reliable channels: the receiver acks each packet, delivers in sequence
// order and drops duplicates; the sender resends anything unacked after
// ResendInterval. Unreliable channels: nothing is resent, and a packet older
// than the newest one already delivered is dropped.
type channelSequencer struct {
	mut_state sync.Mutex

	params SequencerParams
	send   [message.NetworkChannel_NONE]sequencedSend
	recv   [message.NetworkChannel_NONE]sequencedRecv
}

type SequencerParams struct {
	ResendInterval time.Duration

	// MaxInFlight bounds unacked packets per channel on the sending side and
	// early arrivals per channel on the receiving side.
	MaxInFlight int
}

type SendWindowFullError struct {
	Channel  message.NetworkChannel
	InFlight int
}

func (e *SendWindowFullError) Error() string {
	return fmt.Sprintf("Reliable send window full on channel %d (%d packets unacked)", e.Channel, e.InFlight)
}

type inFlightPacket struct {
	body     []byte
	lastSent time.Time
}

type sequencedSend struct {
	nextSeq  uint64
	inFlight *treemap.Map
}

type sequencedRecv struct {
	nextSeq uint64
	early   *treemap.Map
}

const sequenceHeaderSize = 9

func SequenceComparator(a, b interface{}) int {
	seqA := a.(uint64)
	seqB := b.(uint64)

	if seqA > seqB {
		return 1
	}
	if seqA == seqB {
		return 0
	}
	return -1
}

func newChannelSequencer(params SequencerParams) *channelSequencer {
	if params.ResendInterval <= 0 {
		params.ResendInterval = 100 * time.Millisecond
	}
	if params.MaxInFlight <= 0 {
		params.MaxInFlight = 1024
	}

	s := &channelSequencer{params: params}
	for i := range s.send {
		s.send[i].inFlight = treemap.NewWith(SequenceComparator)
		s.recv[i].early = treemap.NewWith(SequenceComparator)
	}
	return s
}

// Wrap stamps the next sequence number onto payload. Reliable packets are
// kept until acked.
func (s *channelSequencer) Wrap(channel message.NetworkChannel, payload []byte, now time.Time) ([]byte, error) {
	if channel >= message.NetworkChannel_NONE {
		return nil, &sessionerrors.InvalidEnumValue{EnumName: "NetworkChannel", IntValue: uint8(channel)}
	}

	s.mut_state.Lock()
	defer s.mut_state.Unlock()

	send := &s.send[channel]
	if channel.IsReliable() && send.inFlight.Size() >= s.params.MaxInFlight {
		return nil, &SendWindowFullError{Channel: channel, InFlight: send.inFlight.Size()}
	}

	seq := send.nextSeq
	send.nextSeq++

	w := message.NewWriter(sequenceHeaderSize + len(payload))
	w.WriteUint8(uint8(channel))
	w.WriteUint64(seq)
	w.WriteRaw(payload)
	body := w.Bytes()

	if channel.IsReliable() {
		send.inFlight.Put(seq, &inFlightPacket{body: body, lastSent: now})
	}
	return body, nil
}

// Ack releases the reliable packet named by an ack body.
func (s *channelSequencer) Ack(ack []byte) error {
	channel, seq, err := readSequenceHeader(ack)
	if err != nil {
		return err
	}

	s.mut_state.Lock()
	defer s.mut_state.Unlock()

	s.send[channel].inFlight.Remove(seq)
	return nil
}

// Accept takes one received data body and returns the payloads that are now
// deliverable, in order. ack is non-nil when the sender expects one back.
func (s *channelSequencer) Accept(body []byte) (channel message.NetworkChannel, deliveries [][]byte, ack []byte, err error) {
	channel, seq, err := readSequenceHeader(body)
	if err != nil {
		return message.NetworkChannel_NONE, nil, nil, err
	}
	payload := body[sequenceHeaderSize:]

	s.mut_state.Lock()
	defer s.mut_state.Unlock()

	recv := &s.recv[channel]

	if !channel.IsReliable() {
		if seq < recv.nextSeq {
			return channel, nil, nil, nil
		}
		recv.nextSeq = seq + 1
		return channel, [][]byte{payload}, nil, nil
	}

	switch {
	case seq < recv.nextSeq:
		// Duplicate: the earlier ack was lost.
	case seq == recv.nextSeq:
		deliveries = append(deliveries, payload)
		recv.nextSeq++
		for {
			k, v := recv.early.Min()
			if k == nil || k.(uint64) != recv.nextSeq {
				break
			}
			recv.early.Remove(k)
			deliveries = append(deliveries, v.([]byte))
			recv.nextSeq++
		}
	default:
		if seq-recv.nextSeq > uint64(s.params.MaxInFlight) {
			// Too far ahead to buffer. No ack, so the sender resends it later.
			return channel, nil, nil, nil
		}
		recv.early.Put(seq, payload)
	}

	return channel, deliveries, body[:sequenceHeaderSize], nil
}

// Due returns every reliable packet whose last send is older than the resend
// interval, oldest first per channel.
func (s *channelSequencer) Due(now time.Time) [][]byte {
	s.mut_state.Lock()
	defer s.mut_state.Unlock()

	due := [][]byte{}
	for i := range s.send {
		it := s.send[i].inFlight.Iterator()
		for it.Next() {
			packet := it.Value().(*inFlightPacket)
			if now.Sub(packet.lastSent) < s.params.ResendInterval {
				continue
			}
			packet.lastSent = now
			due = append(due, packet.body)
		}
	}
	return due
}

// InFlight counts unacked reliable packets across channels.
func (s *channelSequencer) InFlight() int {
	s.mut_state.Lock()
	defer s.mut_state.Unlock()

	total := 0
	for i := range s.send {
		total += s.send[i].inFlight.Size()
	}
	return total
}

func readSequenceHeader(body []byte) (message.NetworkChannel, uint64, error) {
	r := message.NewReader(body)
	rawChannel, err := r.ReadUint8("Sequenced::Channel")
	if err != nil {
		return message.NetworkChannel_NONE, 0, err
	}
	channel := message.NetworkChannel(rawChannel)
	if channel >= message.NetworkChannel_NONE {
		return message.NetworkChannel_NONE, 0, &sessionerrors.InvalidEnumValue{EnumName: "NetworkChannel", IntValue: rawChannel}
	}

	seq, err := r.ReadUint64("Sequenced::Sequence")
	if err != nil {
		return message.NetworkChannel_NONE, 0, err
	}
	return channel, seq, nil
}
