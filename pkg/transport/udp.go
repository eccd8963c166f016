package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	sessionerrors "github.com/sessamekesh/spanreed-session/pkg/errors"
	"github.com/sessamekesh/spanreed-session/pkg/handlers"
	"github.com/sessamekesh/spanreed-session/pkg/message"
	"go.uber.org/zap"
)

// Every UDP datagram starts with a packet kind. Data packets follow it with
// a sequenced body (see channelSequencer); acks carry the channel and
// sequence they confirm. Ping and pong carry a u64 microsecond stamp.
type udpPacketKind uint8

const (
	udpPacketKind_Connect udpPacketKind = iota
	udpPacketKind_Data
	udpPacketKind_Disconnect
	udpPacketKind_Ping
	udpPacketKind_Pong
	udpPacketKind_Ack
)

const (
	udpConnState_Connecting int32 = iota
	udpConnState_Connected
	udpConnState_Failed
)

type udpPeer struct {
	clientId  uint64
	addr      *net.UDPAddr
	write     func(packet []byte) error
	lastHeard atomic.Int64
	done      chan struct{}
	seq       *channelSequencer
}

type udpTransport struct {
	params UdpTransportParams
	router *clientConnectionRouter
	log    *zap.Logger

	conn     *net.UDPConn
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	isServer bool

	clientState atomic.Int32

	mut_peers   sync.RWMutex
	peersByAddr map[string]*udpPeer
	peersById   map[uint64]*udpPeer
}

type UdpTransportParams struct {
	// Server side
	ListenAddress string

	// Client side
	ServerAddress        string
	ConnectRetryInterval time.Duration
	ConnectTimeout       time.Duration

	MaxDatagramSize int
	PingInterval    time.Duration
	PeerTimeout     time.Duration

	// Reliable channels resend unacked packets every ResendInterval. A peer
	// with MaxInFlight unacked packets on one channel is dropped.
	ResendInterval time.Duration
	MaxInFlight    int

	IncomingEventQueueLength   uint32
	OutgoingMessageQueueLength uint32

	Logger *zap.Logger
}

func CreateUdpTransport(params UdpTransportParams) (*udpTransport, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	if params.MaxDatagramSize <= 0 {
		params.MaxDatagramSize = 1400
	}
	if params.ConnectRetryInterval <= 0 {
		params.ConnectRetryInterval = 250 * time.Millisecond
	}
	if params.ConnectTimeout <= 0 {
		params.ConnectTimeout = 10 * time.Second
	}
	if params.PingInterval <= 0 {
		params.PingInterval = time.Second
	}
	if params.PeerTimeout <= 0 {
		params.PeerTimeout = 10 * time.Second
	}
	if params.ResendInterval <= 0 {
		params.ResendInterval = 100 * time.Millisecond
	}

	return &udpTransport{
		params: params,
		router: CreateClientConnectionRouter("UDP", ClientConnectionRouterParams{
			IncomingEventQueueLength:   params.IncomingEventQueueLength,
			OutgoingMessageQueueLength: params.OutgoingMessageQueueLength,
		}, logger),
		log:         logger.With(zap.String("handler", "udp")),
		peersByAddr: make(map[string]*udpPeer),
		peersById:   make(map[uint64]*udpPeer),
	}, nil
}

func (t *udpTransport) Init() error {
	return nil
}

func (t *udpTransport) StartServer() error {
	if t.conn != nil {
		return &sessionerrors.AlreadyRunningError{Operation: "start UDP server", IsServer: t.isServer, IsClient: !t.isServer}
	}

	hostAddr, hostAddrErr := net.ResolveUDPAddr("udp", t.params.ListenAddress)
	if hostAddrErr != nil {
		return pkgerrors.Wrapf(hostAddrErr, "resolving listen address %s", t.params.ListenAddress)
	}

	conn, listenErr := net.ListenUDP("udp", hostAddr)
	if listenErr != nil {
		return pkgerrors.Wrapf(listenErr, "listening on %s", t.params.ListenAddress)
	}

	t.conn = conn
	t.isServer = true
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.router.Open()

	t.startCloser()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.log.Info("Starting UDP server read loop", zap.String("address", conn.LocalAddr().String()))

		buf := make([]byte, t.params.MaxDatagramSize)
		for {
			bytesRead, clientAddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					t.log.Info("UDP server connection close requested - exiting read loop")
					return
				}
				t.log.Warn("Error reading UDP datagram", zap.Error(err))
				continue
			}
			if bytesRead < 1 {
				continue
			}

			packet := make([]byte, bytesRead)
			copy(packet, buf[:bytesRead])
			t.onServerPacket(clientAddr, packet)
		}
	}()

	return nil
}

// LocalAddr is the bound socket address, useful when listening on port 0.
func (t *udpTransport) LocalAddr() net.Addr {
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

func (t *udpTransport) onServerPacket(addr *net.UDPAddr, packet []byte) {
	kind := udpPacketKind(packet[0])

	t.mut_peers.RLock()
	peer, has := t.peersByAddr[addr.String()]
	t.mut_peers.RUnlock()

	if !has {
		if kind != udpPacketKind_Connect {
			return
		}
		peer = t.acceptPeer(addr)
		if peer == nil {
			return
		}
	}

	peer.lastHeard.Store(time.Now().UnixMicro())
	t.handlePacket(peer, kind, packet[1:])
}

func (t *udpTransport) acceptPeer(addr *net.UDPAddr) *udpPeer {
	conn := t.conn
	channels, err := t.router.OpenConnection(0, true)
	if err != nil {
		t.log.Error("Failed to open connection for UDP peer", zap.String("addr", addr.String()), zap.Error(err))
		return nil
	}

	peer := &udpPeer{
		clientId: channels.ClientId,
		addr:     addr,
		write: func(packet []byte) error {
			_, err := conn.WriteToUDP(packet, addr)
			return err
		},
		done: make(chan struct{}),
		seq:  t.newSequencer(),
	}

	t.mut_peers.Lock()
	t.peersByAddr[addr.String()] = peer
	t.peersById[peer.clientId] = peer
	t.mut_peers.Unlock()

	t.log.Info("Accepted UDP peer", zap.Uint64("clientId", peer.clientId), zap.String("addr", addr.String()))
	t.startPeerWriter(peer, channels)
	return peer
}

func (t *udpTransport) StartClient() error {
	if t.conn != nil {
		return &sessionerrors.AlreadyRunningError{Operation: "start UDP client", IsServer: t.isServer, IsClient: !t.isServer}
	}

	serverAddr, resolveErr := net.ResolveUDPAddr("udp", t.params.ServerAddress)
	if resolveErr != nil {
		return pkgerrors.Wrapf(resolveErr, "resolving server address %s", t.params.ServerAddress)
	}

	conn, dialErr := net.DialUDP("udp", nil, serverAddr)
	if dialErr != nil {
		return pkgerrors.Wrapf(dialErr, "dialing %s", t.params.ServerAddress)
	}

	t.conn = conn
	t.isServer = false
	t.clientState.Store(udpConnState_Connecting)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.router.Open()

	peer := &udpPeer{
		clientId: DefaultServerClientId,
		addr:     serverAddr,
		write: func(packet []byte) error {
			_, err := conn.Write(packet)
			return err
		},
		done: make(chan struct{}),
		seq:  t.newSequencer(),
	}
	acked := make(chan struct{})

	t.startCloser()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		buf := make([]byte, t.params.MaxDatagramSize)
		for {
			bytesRead, err := conn.Read(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				// Connected UDP sockets surface ICMP errors here while the server is down.
				t.log.Debug("Error reading UDP datagram", zap.Error(err))
				continue
			}
			if bytesRead < 1 {
				continue
			}

			packet := make([]byte, bytesRead)
			copy(packet, buf[:bytesRead])
			kind := udpPacketKind(packet[0])

			if kind == udpPacketKind_Connect {
				if t.clientState.CompareAndSwap(udpConnState_Connecting, udpConnState_Connected) {
					t.onClientAccepted(peer)
					close(acked)
				}
				continue
			}

			if t.clientState.Load() != udpConnState_Connected {
				continue
			}
			peer.lastHeard.Store(time.Now().UnixMicro())
			t.handlePacket(peer, kind, packet[1:])
		}
	}()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ctx := t.ctx
		retry := time.NewTicker(t.params.ConnectRetryInterval)
		defer retry.Stop()
		deadline := time.NewTimer(t.params.ConnectTimeout)
		defer deadline.Stop()

		for {
			peer.write([]byte{uint8(udpPacketKind_Connect)})

			select {
			case <-ctx.Done():
				return
			case <-acked:
				return
			case <-deadline.C:
				if t.clientState.CompareAndSwap(udpConnState_Connecting, udpConnState_Failed) {
					t.log.Warn("Timed out connecting to UDP server", zap.String("serverAddr", serverAddr.String()))
					t.router.ConnectFailed(DefaultServerClientId)
				}
				return
			case <-retry.C:
			}
		}
	}()

	return nil
}

func (t *udpTransport) newSequencer() *channelSequencer {
	return newChannelSequencer(SequencerParams{
		ResendInterval: t.params.ResendInterval,
		MaxInFlight:    t.params.MaxInFlight,
	})
}

func (t *udpTransport) onClientAccepted(peer *udpPeer) {
	channels, err := t.router.OpenConnection(DefaultServerClientId, false)
	if err != nil {
		t.log.Error("Failed to open server connection", zap.Error(err))
		return
	}

	peer.lastHeard.Store(time.Now().UnixMicro())

	t.mut_peers.Lock()
	t.peersByAddr[peer.addr.String()] = peer
	t.peersById[peer.clientId] = peer
	t.mut_peers.Unlock()

	t.log.Info("Connected to UDP server", zap.String("serverAddr", peer.addr.String()))
	t.startPeerWriter(peer, channels)
}

func (t *udpTransport) startCloser() {
	ctx := t.ctx
	conn := t.conn

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		<-ctx.Done()
		conn.Close()
	}()
}

func (t *udpTransport) handlePacket(peer *udpPeer, kind udpPacketKind, body []byte) {
	switch kind {
	case udpPacketKind_Connect:
		// Repeated connect from a known peer: its ack was lost.
		peer.write([]byte{uint8(udpPacketKind_Connect)})
	case udpPacketKind_Data:
		channel, deliveries, ack, err := peer.seq.Accept(body)
		if err != nil {
			t.log.Debug("Received malformed UDP data, ignoring", zap.Uint64("clientId", peer.clientId), zap.Error(err))
			return
		}
		if ack != nil {
			peer.write(udpPacket(udpPacketKind_Ack, ack))
		}
		for _, data := range deliveries {
			t.router.Receive(peer.clientId, channel, data)
		}
	case udpPacketKind_Ack:
		if err := peer.seq.Ack(body); err != nil {
			t.log.Debug("Received malformed UDP ack, ignoring", zap.Uint64("clientId", peer.clientId), zap.Error(err))
		}
	case udpPacketKind_Disconnect:
		if t.dropPeer(peer) {
			t.router.ConnectionLost(peer.clientId, "Remote sent disconnect")
		}
	case udpPacketKind_Ping:
		peer.write(udpPacket(udpPacketKind_Pong, body))
	case udpPacketKind_Pong:
		sentMicros, err := message.NewReader(body).ReadUint64("UdpPong")
		if err != nil {
			return
		}
		t.router.SetRtt(peer.clientId, time.Since(time.UnixMicro(int64(sentMicros))))
	default:
		t.log.Debug("Unknown UDP packet kind", zap.Uint8("kind", uint8(kind)))
	}
}

func (t *udpTransport) dropPeer(peer *udpPeer) bool {
	t.mut_peers.Lock()
	defer t.mut_peers.Unlock()

	if existing, has := t.peersById[peer.clientId]; !has || existing != peer {
		return false
	}

	delete(t.peersById, peer.clientId)
	delete(t.peersByAddr, peer.addr.String())
	close(peer.done)
	return true
}

func (t *udpTransport) startPeerWriter(peer *udpPeer, channels *SingleClientTransportChannels) {
	ctx := t.ctx
	log := t.log.With(zap.Uint64("clientId", peer.clientId))

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		pingTicker := time.NewTicker(t.params.PingInterval)
		defer pingTicker.Stop()
		resendTicker := time.NewTicker(t.params.ResendInterval)
		defer resendTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				peer.write([]byte{uint8(udpPacketKind_Disconnect)})
				return
			case <-peer.done:
				return
			case closeRequest := <-channels.SessionInitiatedClose:
				log.Info("Closing UDP peer at request of session", zap.String("reason", closeRequest.Reason))
				peer.write([]byte{uint8(udpPacketKind_Disconnect)})
				t.dropPeer(peer)
				return
			case logicalMessage := <-channels.OutgoingMessages:
				if len(logicalMessage.Data)+1+sequenceHeaderSize > t.params.MaxDatagramSize {
					log.Warn("Dropping oversized UDP payload", zap.Int("size", len(logicalMessage.Data)))
					continue
				}
				body, err := peer.seq.Wrap(logicalMessage.Channel, logicalMessage.Data, time.Now())
				if err != nil {
					log.Warn("Peer stopped acking reliable packets, dropping it", zap.Error(err))
					if t.dropPeer(peer) {
						t.router.ConnectionLost(peer.clientId, "Reliable send window full")
					}
					return
				}
				if err := peer.write(udpPacket(udpPacketKind_Data, body)); err != nil {
					log.Debug("Failed to write UDP datagram", zap.Error(err))
				}
			case now := <-resendTicker.C:
				for _, body := range peer.seq.Due(now) {
					peer.write(udpPacket(udpPacketKind_Data, body))
				}
			case <-pingTicker.C:
				if time.Since(time.UnixMicro(peer.lastHeard.Load())) > t.params.PeerTimeout {
					if t.dropPeer(peer) {
						t.router.ConnectionLost(peer.clientId, "UDP peer timed out")
					}
					return
				}

				w := message.NewWriter(9)
				w.WriteUint8(uint8(udpPacketKind_Ping))
				w.WriteUint64(uint64(time.Now().UnixMicro()))
				peer.write(w.Bytes())
			}
		}
	}()
}

func udpPacket(kind udpPacketKind, body []byte) []byte {
	packet := make([]byte, 0, len(body)+1)
	packet = append(packet, uint8(kind))
	return append(packet, body...)
}

func (t *udpTransport) PollEvent() handlers.TransportEvent {
	return t.router.PollEvent()
}

func (t *udpTransport) Send(clientId uint64, channel message.NetworkChannel, payload []byte) error {
	if !t.isServer {
		clientId = DefaultServerClientId
	}
	return t.router.Send(clientId, channel, payload)
}

func (t *udpTransport) DisconnectRemoteClient(clientId uint64) {
	if !t.isServer {
		return
	}
	t.router.Disconnect(clientId, "Disconnected by server")
}

func (t *udpTransport) DisconnectLocalClient() {
	if t.isServer {
		return
	}
	t.router.Disconnect(DefaultServerClientId, "Client disconnecting")
}

func (t *udpTransport) GetCurrentRtt(clientId uint64) uint64 {
	if !t.isServer {
		clientId = DefaultServerClientId
	}
	return t.router.GetCurrentRtt(clientId)
}

func (t *udpTransport) ServerClientId() uint64 {
	return DefaultServerClientId
}

func (t *udpTransport) Shutdown() {
	if t.conn == nil {
		return
	}

	t.router.Close()
	t.router.DisconnectAll("Shutting down")
	t.cancel()
	t.wg.Wait()

	t.mut_peers.Lock()
	t.peersByAddr = make(map[string]*udpPeer)
	t.peersById = make(map[uint64]*udpPeer)
	t.mut_peers.Unlock()

	t.conn = nil
	t.log.Info("UDP transport shut down")
}
