package pipeline

import (
	"github.com/sessamekesh/spanreed-session/pkg/message"
)

// InternalCommandContext is a scoped builder for one outbound protocol message.
// Write the payload into Writer, then call Release to frame it and queue one
// copy per recipient. A nil context (session not listening) must be skipped.
type InternalCommandContext struct {
	MessageType message.MessageType
	Channel     message.NetworkChannel
	ClientIds   []uint64
	Stage       UpdateStage

	Writer *message.Writer

	pipeline *Pipeline
	released bool
}

// AcquireCommandContext starts a message for clientIds. Frames to the same
// (recipient, channel) leave in send order within a stage; across stages in
// one cycle, stage order wins, so a PostLateUpdate frame queued before an
// EarlyUpdate frame is sent after it. Keep a channel on one stage when its
// order matters.
func (p *Pipeline) AcquireCommandContext(msgType message.MessageType, channel message.NetworkChannel, clientIds []uint64, stage UpdateStage) *InternalCommandContext {
	if p.config.IsListening != nil && !p.config.IsListening() {
		return nil
	}
	if stage >= UpdateStage_NONE {
		stage = UpdateStage_Update
	}

	return &InternalCommandContext{
		MessageType: msgType,
		Channel:     channel,
		ClientIds:   clientIds,
		Stage:       stage,
		Writer:      message.NewWriter(64),
		pipeline:    p,
	}
}

// Release is safe to call on a nil context and more than once.
func (c *InternalCommandContext) Release() {
	if c == nil || c.released {
		return
	}
	c.released = true

	frame := message.SerializeFrame(c.MessageType, c.Writer.Bytes())
	for _, clientId := range c.ClientIds {
		c.pipeline.enqueue(c.Stage, outboundFrame{
			recipient: clientId,
			channel:   c.Channel,
			data:      frame,
		})
	}
}
