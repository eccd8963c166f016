package transport

import (
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-session/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelSequencer_ReliableInOrderDespiteLossAndReordering(t *testing.T) {
	sender := newChannelSequencer(SequencerParams{ResendInterval: 10 * time.Millisecond})
	receiver := newChannelSequencer(SequencerParams{})
	start := time.Now()

	bodies := [][]byte{}
	for i := 0; i < 5; i++ {
		body, err := sender.Wrap(message.NetworkChannel_Internal, []byte{byte(i)}, start)
		require.NoError(t, err)
		bodies = append(bodies, body)
	}
	assert.Equal(t, 5, sender.InFlight())

	delivered := [][]byte{}
	deliver := func(body []byte) {
		channel, payloads, ack, err := receiver.Accept(body)
		require.NoError(t, err)
		assert.Equal(t, message.NetworkChannel_Internal, channel)
		require.NotNil(t, ack)
		require.NoError(t, sender.Ack(ack))
		delivered = append(delivered, payloads...)
	}

	// 1 is lost, 3 arrives before 2.
	deliver(bodies[0])
	deliver(bodies[3])
	deliver(bodies[2])
	assert.Equal(t, [][]byte{{0}}, delivered, "nothing past a gap is delivered")
	assert.Equal(t, 2, sender.InFlight())

	assert.Empty(t, sender.Due(start.Add(5*time.Millisecond)))
	resent := sender.Due(start.Add(20 * time.Millisecond))
	require.Len(t, resent, 2)
	for _, body := range resent {
		deliver(body)
	}

	assert.Equal(t, [][]byte{{0}, {1}, {2}, {3}, {4}}, delivered)
	assert.Equal(t, 0, sender.InFlight())

	// A duplicate is acked again but not delivered twice.
	_, payloads, ack, err := receiver.Accept(bodies[4])
	require.NoError(t, err)
	assert.Empty(t, payloads)
	assert.NotNil(t, ack)
}

func TestChannelSequencer_UnreliableDropsStalePackets(t *testing.T) {
	sender := newChannelSequencer(SequencerParams{})
	receiver := newChannelSequencer(SequencerParams{})
	now := time.Now()

	first, err := sender.Wrap(message.NetworkChannel_UnreliableRpc, []byte{1}, now)
	require.NoError(t, err)
	second, err := sender.Wrap(message.NetworkChannel_UnreliableRpc, []byte{2}, now)
	require.NoError(t, err)
	assert.Equal(t, 0, sender.InFlight(), "unreliable packets are never kept for resend")

	_, payloads, ack, err := receiver.Accept(second)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{2}}, payloads)
	assert.Nil(t, ack)

	_, payloads, _, err = receiver.Accept(first)
	require.NoError(t, err)
	assert.Empty(t, payloads)
	assert.Empty(t, sender.Due(now.Add(time.Hour)))
}

func TestChannelSequencer_ChannelsAreIndependent(t *testing.T) {
	sender := newChannelSequencer(SequencerParams{})
	receiver := newChannelSequencer(SequencerParams{})
	now := time.Now()

	internal, err := sender.Wrap(message.NetworkChannel_Internal, []byte{1}, now)
	require.NoError(t, err)
	rpc, err := sender.Wrap(message.NetworkChannel_ReliableRpc, []byte{2}, now)
	require.NoError(t, err)

	channel, payloads, _, err := receiver.Accept(rpc)
	require.NoError(t, err)
	assert.Equal(t, message.NetworkChannel_ReliableRpc, channel)
	assert.Equal(t, [][]byte{{2}}, payloads, "a gap on another channel does not hold this one back")

	channel, payloads, _, err = receiver.Accept(internal)
	require.NoError(t, err)
	assert.Equal(t, message.NetworkChannel_Internal, channel)
	assert.Equal(t, [][]byte{{1}}, payloads)
}

func TestChannelSequencer_SendWindowFull(t *testing.T) {
	sender := newChannelSequencer(SequencerParams{MaxInFlight: 2})
	now := time.Now()

	_, err := sender.Wrap(message.NetworkChannel_ReliableRpc, []byte{1}, now)
	require.NoError(t, err)
	_, err = sender.Wrap(message.NetworkChannel_ReliableRpc, []byte{2}, now)
	require.NoError(t, err)

	var full *SendWindowFullError
	_, err = sender.Wrap(message.NetworkChannel_ReliableRpc, []byte{3}, now)
	assert.ErrorAs(t, err, &full)

	_, err = sender.Wrap(message.NetworkChannel_UnreliableRpc, []byte{4}, now)
	assert.NoError(t, err)
}

func TestChannelSequencer_Malformed(t *testing.T) {
	receiver := newChannelSequencer(SequencerParams{})

	_, _, _, err := receiver.Accept([]byte{uint8(message.NetworkChannel_Internal), 0, 0})
	assert.Error(t, err)
	_, _, _, err = receiver.Accept([]byte{uint8(message.NetworkChannel_NONE), 0, 0, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err)
	assert.Error(t, receiver.Ack([]byte{}))
}
