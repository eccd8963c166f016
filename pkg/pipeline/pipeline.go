package pipeline

import (
	"time"

	"github.com/eapache/queue"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sessamekesh/spanreed-session/pkg/message"
	"go.uber.org/zap"
)

const DefaultMaxBatchSize = 1200

// MessageHandler receives one routed inbound frame. Handlers run on the
// scheduler goroutine and must not block.
type MessageHandler func(frame *message.Frame)

// WireSender is the slice of the transport contract the pipeline writes to.
type WireSender interface {
	Send(clientId uint64, channel message.NetworkChannel, payload []byte) error
}

type PipelineConfig struct {
	Name string

	EnableMessageBatching bool
	MaxBatchSize          int

	IsListening func() bool
	// IsLoopback reports whether a recipient is this process itself (a host's
	// own client). Loopback frames skip the transport.
	IsLoopback      func(clientId uint64) bool
	GetNowTimestamp func() int64

	MetricsRegistry metrics.Registry
	Logger          *zap.Logger
}

type outboundFrame struct {
	recipient uint64
	channel   message.NetworkChannel
	data      []byte
}

type routeKey struct {
	recipient uint64
	channel   message.NetworkChannel
}

// Pipeline owns the per-stage outbound queues, the inbound frame queue and
// the message type routing table. It is driven from the scheduler goroutine
// only and takes no locks.
type Pipeline struct {
	config PipelineConfig
	sender WireSender

	outbound [UpdateStage_NONE]*queue.Queue
	inbound  *queue.Queue
	handlers [256]MessageHandler

	Stats *Stats

	startTime time.Time
	log       *zap.Logger
}

func CreatePipeline(config PipelineConfig) *Pipeline {
	logger := config.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultMaxBatchSize
	}
	if config.Name == "" {
		config.Name = "session"
	}

	p := &Pipeline{
		config:    config,
		inbound:   queue.New(),
		Stats:     NewStats(config.Name, config.MetricsRegistry),
		startTime: time.Now(),
		log:       logger.With(zap.String("component", "pipeline")),
	}
	for i := range p.outbound {
		p.outbound[i] = queue.New()
	}
	if p.config.GetNowTimestamp == nil {
		p.config.GetNowTimestamp = p.getNowTime
	}

	return p
}

func (p *Pipeline) getNowTime() int64 {
	return time.Since(p.startTime).Microseconds()
}

// SetSender attaches the transport. A nil sender drops outbound wire items.
func (p *Pipeline) SetSender(sender WireSender) {
	p.sender = sender
}

func (p *Pipeline) RegisterHandler(msgType message.MessageType, handler MessageHandler) {
	p.handlers[msgType] = handler
}

func (p *Pipeline) enqueue(stage UpdateStage, frame outboundFrame) {
	p.outbound[stage].Add(frame)
}

// PendingOutbound counts queued frames across all stages.
func (p *Pipeline) PendingOutbound() int {
	total := 0
	for _, q := range p.outbound {
		total += q.Length()
	}
	return total
}

func (p *Pipeline) PendingInbound() int {
	return p.inbound.Length()
}

//
// Inbound

// HandleIncomingData unpacks one wire item from the transport and queues its
// frames for ProcessIncoming. Frames read before a malformed sub-frame are kept.
func (p *Pipeline) HandleIncomingData(senderClientId uint64, channel message.NetworkChannel, data []byte, recvTimestamp int64) {
	p.Stats.BytesReceived.Inc(int64(len(data)))

	frames, err := message.Unpack(data)
	if err != nil {
		p.log.Debug("Dropping malformed wire item", zap.Uint64("clientId", senderClientId), zap.Int("size", len(data)), zap.Error(err))
		p.Stats.FramesDropped.Inc(1)
	}

	for _, raw := range frames {
		p.inbound.Add(message.Frame{
			MessageType:    raw.MessageType,
			Channel:        channel,
			SenderClientId: senderClientId,
			Payload:        raw.Payload,
			RecvTimestamp:  recvTimestamp,
		})
	}
}

// ProcessIncoming routes every queued inbound frame through the routing table.
// Frame types with no registered handler are dropped silently.
func (p *Pipeline) ProcessIncoming() {
	for p.inbound.Length() > 0 {
		frame := p.inbound.Remove().(message.Frame)
		p.Stats.FramesReceived.Inc(1)

		handler := p.handlers[frame.MessageType]
		if handler == nil {
			continue
		}
		handler(&frame)
	}
}

//
// Outbound

// Flush drains every stage queue in UpdateStages order.
func (p *Pipeline) Flush() {
	for _, stage := range UpdateStages {
		p.FlushStage(stage)
	}
}

func (p *Pipeline) FlushStage(stage UpdateStage) {
	q := p.outbound[stage]
	if q.Length() == 0 {
		return
	}

	frames := make([]outboundFrame, 0, q.Length())
	for q.Length() > 0 {
		frames = append(frames, q.Remove().(outboundFrame))
	}
	p.Stats.FramesSent.Inc(int64(len(frames)))

	if !p.config.EnableMessageBatching {
		for _, frame := range frames {
			p.sendWireItem(frame.recipient, frame.channel, frame.data)
		}
		return
	}

	order := []routeKey{}
	groups := make(map[routeKey][][]byte)
	for _, frame := range frames {
		key := routeKey{recipient: frame.recipient, channel: frame.channel}
		if _, has := groups[key]; !has {
			order = append(order, key)
		}
		groups[key] = append(groups[key], frame.data)
	}

	for _, key := range order {
		p.sendBatched(key, groups[key])
	}
}

// sendBatched packs frames for one (recipient, channel) route into batches of
// at most MaxBatchSize bytes. A batch that would hold a single frame, and any
// frame too large for the budget on its own, goes out unbatched.
func (p *Pipeline) sendBatched(key routeKey, frames [][]byte) {
	budget := p.config.MaxBatchSize

	var batch []byte
	var first []byte
	count := 0

	flushBatch := func() {
		switch {
		case count == 1:
			p.sendWireItem(key.recipient, key.channel, first)
		case count > 1:
			p.sendWireItem(key.recipient, key.channel, batch)
		}
		batch = nil
		first = nil
		count = 0
	}

	for _, frame := range frames {
		frameSize := message.BatchedFrameSize(frame)
		if 1+frameSize > budget {
			flushBatch()
			p.sendWireItem(key.recipient, key.channel, frame)
			continue
		}

		if count > 0 && len(batch)+frameSize > budget {
			flushBatch()
		}
		if count == 0 {
			batch = message.NewBatch(budget)
			first = frame
		}
		batch = message.AppendToBatch(batch, frame)
		count++
	}

	flushBatch()
}

func (p *Pipeline) sendWireItem(recipient uint64, channel message.NetworkChannel, data []byte) {
	if p.config.IsLoopback != nil && p.config.IsLoopback(recipient) {
		p.Stats.WireItemsSent.Inc(1)
		p.HandleIncomingData(recipient, channel, data, p.config.GetNowTimestamp())
		return
	}

	if p.sender == nil {
		p.log.Debug("No transport attached, dropping wire item", zap.Uint64("clientId", recipient))
		p.Stats.FramesDropped.Inc(1)
		return
	}

	if err := p.sender.Send(recipient, channel, data); err != nil {
		p.log.Debug("Transport refused wire item", zap.Uint64("clientId", recipient), zap.Error(err))
		p.Stats.FramesDropped.Inc(1)
		return
	}

	p.Stats.WireItemsSent.Inc(1)
	p.Stats.BytesSent.Inc(int64(len(data)))
}

// Clear drops everything still queued in either direction.
func (p *Pipeline) Clear() {
	for i := range p.outbound {
		p.outbound[i] = queue.New()
	}
	p.inbound = queue.New()
}
