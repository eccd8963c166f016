package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-session/pkg/handlers"
	"github.com/sessamekesh/spanreed-session/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	_ Transport = (*MemoryTransport)(nil)
	_ Transport = (*websocketServerTransport)(nil)
	_ Transport = (*websocketClientTransport)(nil)
	_ Transport = (*webtransportServerTransport)(nil)
	_ Transport = (*udpTransport)(nil)
)

func TestMemoryTransport_ConnectAndDeliver(t *testing.T) {
	network := NewMemoryNetwork()
	server := network.NewTransport()
	client := network.NewTransport()

	require.Error(t, client.StartClient(), "client cannot start before a server listens")
	require.NoError(t, server.StartServer())
	require.NoError(t, client.StartClient())

	connect := server.PollEvent()
	assert.Equal(t, handlers.NetworkEvent_Connect, connect.Type)
	assert.Equal(t, uint64(1), connect.ClientId)

	clientConnect := client.PollEvent()
	assert.Equal(t, handlers.NetworkEvent_Connect, clientConnect.Type)
	assert.Equal(t, DefaultServerClientId, clientConnect.ClientId)

	require.NoError(t, client.Send(DefaultServerClientId, message.NetworkChannel_ReliableRpc, []byte{1, 2}))
	require.NoError(t, client.Send(DefaultServerClientId, message.NetworkChannel_ReliableRpc, []byte{3}))

	first := server.PollEvent()
	assert.Equal(t, handlers.NetworkEvent_Data, first.Type)
	assert.Equal(t, uint64(1), first.ClientId)
	assert.Equal(t, []byte{1, 2}, first.Payload)
	assert.Equal(t, []byte{3}, server.PollEvent().Payload)
	assert.Equal(t, handlers.NetworkEvent_Nothing, server.PollEvent().Type)

	require.NoError(t, server.Send(1, message.NetworkChannel_Internal, []byte{9}))
	fromServer := client.PollEvent()
	assert.Equal(t, DefaultServerClientId, fromServer.ClientId)
	assert.Equal(t, message.NetworkChannel_Internal, fromServer.Channel)

	var closed *ConnectionClosedError
	assert.ErrorAs(t, server.Send(7, message.NetworkChannel_Internal, []byte{9}), &closed)
}

func TestMemoryTransport_SendCopiesPayload(t *testing.T) {
	network := NewMemoryNetwork()
	server := network.NewTransport()
	client := network.NewTransport()
	require.NoError(t, server.StartServer())
	require.NoError(t, client.StartClient())
	server.PollEvent()

	payload := []byte{1, 2, 3}
	require.NoError(t, client.Send(0, message.NetworkChannel_Internal, payload))
	payload[0] = 42

	assert.Equal(t, []byte{1, 2, 3}, server.PollEvent().Payload)
}

func TestMemoryTransport_Disconnects(t *testing.T) {
	network := NewMemoryNetwork()
	server := network.NewTransport()
	clientA := network.NewTransport()
	clientB := network.NewTransport()
	require.NoError(t, server.StartServer())
	require.NoError(t, clientA.StartClient())
	require.NoError(t, clientB.StartClient())
	server.PollEvent()
	server.PollEvent()
	clientA.PollEvent()
	clientB.PollEvent()

	server.DisconnectRemoteClient(1)
	assert.Equal(t, handlers.NetworkEvent_Disconnect, clientA.PollEvent().Type)
	assert.Equal(t, handlers.NetworkEvent_Nothing, server.PollEvent().Type, "server-initiated disconnects raise no server event")

	clientB.DisconnectLocalClient()
	event := server.PollEvent()
	assert.Equal(t, handlers.NetworkEvent_Disconnect, event.Type)
	assert.Equal(t, uint64(2), event.ClientId)

	clientB.DisconnectLocalClient()
	assert.Equal(t, handlers.NetworkEvent_Nothing, server.PollEvent().Type)
	assert.Empty(t, network.ClientIds())
}

func TestMemoryTransport_ShutdownAllowsRestart(t *testing.T) {
	network := NewMemoryNetwork()
	server := network.NewTransport()
	client := network.NewTransport()
	require.NoError(t, server.StartServer())
	require.NoError(t, client.StartClient())

	server.Shutdown()
	assert.Equal(t, handlers.NetworkEvent_Nothing, server.PollEvent().Type)
	assert.Equal(t, handlers.NetworkEvent_Connect, client.PollEvent().Type)
	assert.Equal(t, handlers.NetworkEvent_Disconnect, client.PollEvent().Type)

	require.NoError(t, server.StartServer())
}

func TestClientConnectionRouter_Lifecycle(t *testing.T) {
	router := CreateClientConnectionRouter("test", ClientConnectionRouterParams{}, zap.NewNop())

	assert.Equal(t, handlers.NetworkEvent_Nothing, router.PollEvent().Type)

	channels, err := router.OpenConnection(0, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), channels.ClientId)

	connect := router.PollEvent()
	assert.Equal(t, handlers.NetworkEvent_Connect, connect.Type)
	assert.Equal(t, uint64(1), connect.ClientId)

	router.Receive(1, message.NetworkChannel_SyncChannel, []byte{5})
	data := router.PollEvent()
	assert.Equal(t, handlers.NetworkEvent_Data, data.Type)
	assert.Equal(t, message.NetworkChannel_SyncChannel, data.Channel)

	require.NoError(t, router.Send(1, message.NetworkChannel_Internal, []byte{7}))
	outgoing := <-channels.OutgoingMessages
	assert.Equal(t, []byte{7}, outgoing.Data)

	router.ConnectionLost(1, "gone")
	assert.Equal(t, handlers.NetworkEvent_Disconnect, router.PollEvent().Type)
	router.ConnectionLost(1, "gone again")
	assert.Equal(t, handlers.NetworkEvent_Nothing, router.PollEvent().Type)

	var closed *ConnectionClosedError
	assert.ErrorAs(t, router.Send(1, message.NetworkChannel_Internal, []byte{7}), &closed)
}

func TestClientConnectionRouter_SessionDisconnectRaisesNoEvent(t *testing.T) {
	router := CreateClientConnectionRouter("test", ClientConnectionRouterParams{}, zap.NewNop())
	channels, err := router.OpenConnection(DefaultServerClientId, false)
	require.NoError(t, err)
	router.PollEvent()

	_, err = router.OpenConnection(DefaultServerClientId, false)
	assert.Error(t, err)

	router.Disconnect(DefaultServerClientId, "bye")
	closeRequest := <-channels.SessionInitiatedClose
	assert.Equal(t, "bye", closeRequest.Reason)

	router.ConnectionLost(DefaultServerClientId, "socket closed")
	assert.Equal(t, handlers.NetworkEvent_Nothing, router.PollEvent().Type)
}

func TestClientConnectionRouter_FullQueueDrops(t *testing.T) {
	router := CreateClientConnectionRouter("test", ClientConnectionRouterParams{OutgoingMessageQueueLength: 1}, zap.NewNop())
	_, err := router.OpenConnection(0, true)
	require.NoError(t, err)

	require.NoError(t, router.Send(1, message.NetworkChannel_Internal, []byte{1}))
	var full *OutgoingQueueFullError
	assert.ErrorAs(t, router.Send(1, message.NetworkChannel_Internal, []byte{2}), &full)
}

func TestClientConnectionRouter_CloseReleasesBlockedProducers(t *testing.T) {
	router := CreateClientConnectionRouter("test", ClientConnectionRouterParams{IncomingEventQueueLength: 1}, zap.NewNop())
	_, err := router.OpenConnection(0, true)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			router.Receive(1, message.NetworkChannel_Internal, []byte{byte(i)})
		}
	}()

	select {
	case <-done:
		t.Fatal("producer should block while nothing polls")
	case <-time.After(50 * time.Millisecond):
	}

	router.Close()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not release the blocked producer")
	}

	_, err = router.OpenConnection(0, true)
	var closed *ConnectionClosedError
	assert.ErrorAs(t, err, &closed, "no new connections once closed")
}

func TestClientConnectionRouter_OpenDiscardsPreviousSession(t *testing.T) {
	router := CreateClientConnectionRouter("test", ClientConnectionRouterParams{}, zap.NewNop())
	_, err := router.OpenConnection(0, true)
	require.NoError(t, err)
	router.Receive(1, message.NetworkChannel_Internal, []byte{9})
	router.Close()

	router.Open()
	assert.Equal(t, handlers.NetworkEvent_Nothing, router.PollEvent().Type)
	assert.Empty(t, router.ConnectionIds())

	channels, err := router.OpenConnection(0, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), channels.ClientId, "ids are not reused across sessions")
	connect := router.PollEvent()
	assert.Equal(t, handlers.NetworkEvent_Connect, connect.Type)
	assert.Equal(t, uint64(2), connect.ClientId)
}

func TestFrameChannel(t *testing.T) {
	framed := frameChannel(message.NetworkChannel_UnreliableRpc, []byte{8, 9})
	assert.Equal(t, []byte{uint8(message.NetworkChannel_UnreliableRpc), 8, 9}, framed)

	channel, data, ok := unframeChannel(framed)
	require.True(t, ok)
	assert.Equal(t, message.NetworkChannel_UnreliableRpc, channel)
	assert.Equal(t, []byte{8, 9}, data)

	_, _, ok = unframeChannel([]byte{})
	assert.False(t, ok)
	_, _, ok = unframeChannel([]byte{uint8(message.NetworkChannel_NONE)})
	assert.False(t, ok)
}

func pollUntil(t *testing.T, tr Transport, eventType handlers.NetworkEvent) handlers.TransportEvent {
	t.Helper()
	var event handlers.TransportEvent
	require.Eventually(t, func() bool {
		event = tr.PollEvent()
		return event.Type == eventType
	}, 5*time.Second, 5*time.Millisecond)
	return event
}

func TestWebsocketTransport_RoundTrip(t *testing.T) {
	server, err := CreateWebsocketServerTransport(WebsocketServerTransportParams{
		ListenAddress: "127.0.0.1:0",
		AllowAllHosts: true,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, server.StartServer())
	defer server.Shutdown()

	client, err := CreateWebsocketClientTransport(WebsocketClientTransportParams{
		ServerUrl: fmt.Sprintf("ws://%s/ws", server.Addr().String()),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, client.StartClient())
	defer client.Shutdown()

	connect := pollUntil(t, server, handlers.NetworkEvent_Connect)
	pollUntil(t, client, handlers.NetworkEvent_Connect)

	require.NoError(t, client.Send(0, message.NetworkChannel_ReliableRpc, []byte{4, 5, 6}))
	data := pollUntil(t, server, handlers.NetworkEvent_Data)
	assert.Equal(t, connect.ClientId, data.ClientId)
	assert.Equal(t, message.NetworkChannel_ReliableRpc, data.Channel)
	assert.Equal(t, []byte{4, 5, 6}, data.Payload)

	require.NoError(t, server.Send(connect.ClientId, message.NetworkChannel_Internal, []byte{1}))
	fromServer := pollUntil(t, client, handlers.NetworkEvent_Data)
	assert.Equal(t, []byte{1}, fromServer.Payload)

	server.DisconnectRemoteClient(connect.ClientId)
	pollUntil(t, client, handlers.NetworkEvent_Disconnect)
}

func TestUdpTransport_RoundTrip(t *testing.T) {
	server, err := CreateUdpTransport(UdpTransportParams{ListenAddress: "127.0.0.1:0", Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, server.StartServer())
	defer server.Shutdown()

	client, err := CreateUdpTransport(UdpTransportParams{
		ServerAddress:        server.LocalAddr().String(),
		ConnectRetryInterval: 20 * time.Millisecond,
		Logger:               zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, client.StartClient())
	defer client.Shutdown()

	connect := pollUntil(t, server, handlers.NetworkEvent_Connect)
	pollUntil(t, client, handlers.NetworkEvent_Connect)

	require.NoError(t, client.Send(0, message.NetworkChannel_TimeSync, []byte{7, 7}))
	data := pollUntil(t, server, handlers.NetworkEvent_Data)
	assert.Equal(t, connect.ClientId, data.ClientId)
	assert.Equal(t, message.NetworkChannel_TimeSync, data.Channel)
	assert.Equal(t, []byte{7, 7}, data.Payload)

	client.DisconnectLocalClient()
	disconnect := pollUntil(t, server, handlers.NetworkEvent_Disconnect)
	assert.Equal(t, connect.ClientId, disconnect.ClientId)
}

func TestUdpTransport_ConnectTimeout(t *testing.T) {
	// Nothing listens on the reserved port, so the handshake is never acked.
	client, err := CreateUdpTransport(UdpTransportParams{
		ServerAddress:        "127.0.0.1:9",
		ConnectRetryInterval: 10 * time.Millisecond,
		ConnectTimeout:       50 * time.Millisecond,
		Logger:               zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, client.StartClient())
	defer client.Shutdown()

	pollUntil(t, client, handlers.NetworkEvent_Disconnect)
}

// rawUdpPeer speaks the UDP packet format directly, for tests that need a
// peer which never polls or acks.
type rawUdpPeer struct {
	conn *net.UDPConn
	seq  *channelSequencer
}

func dialRawUdpPeer(t *testing.T, addr net.Addr) *rawUdpPeer {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, addr.(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawUdpPeer{conn: conn, seq: newChannelSequencer(SequencerParams{})}
}

func (p *rawUdpPeer) connect(t *testing.T) {
	t.Helper()
	_, err := p.conn.Write([]byte{uint8(udpPacketKind_Connect)})
	require.NoError(t, err)
}

func (p *rawUdpPeer) send(t *testing.T, channel message.NetworkChannel, payload []byte) {
	t.Helper()
	body, err := p.seq.Wrap(channel, payload, time.Now())
	require.NoError(t, err)
	_, err = p.conn.Write(udpPacket(udpPacketKind_Data, body))
	require.NoError(t, err)
}

func TestUdpTransport_ShutdownWithFullEventQueue(t *testing.T) {
	server, err := CreateUdpTransport(UdpTransportParams{
		ListenAddress:            "127.0.0.1:0",
		IncomingEventQueueLength: 4,
		Logger:                   zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, server.StartServer())

	peer := dialRawUdpPeer(t, server.LocalAddr())
	peer.connect(t)
	for i := 0; i < 20; i++ {
		peer.send(t, message.NetworkChannel_UnreliableRpc, []byte{byte(i)})
	}
	require.Eventually(t, func() bool {
		return len(server.router.events) == 4
	}, 3*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		server.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown blocked behind a full inbound event queue")
	}
}

func TestUdpTransport_RestartDropsStaleEvents(t *testing.T) {
	server, err := CreateUdpTransport(UdpTransportParams{ListenAddress: "127.0.0.1:0", Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, server.StartServer())

	peer := dialRawUdpPeer(t, server.LocalAddr())
	peer.connect(t)
	peer.send(t, message.NetworkChannel_Internal, []byte{9})
	require.Eventually(t, func() bool {
		return len(server.router.events) == 2
	}, 3*time.Second, 5*time.Millisecond)

	server.Shutdown()
	require.NoError(t, server.StartServer())
	defer server.Shutdown()

	assert.Equal(t, handlers.NetworkEvent_Nothing, server.PollEvent().Type)
}

// startLossyUdpRelay forwards datagrams between one client and addr, passing
// each through drop first.
func startLossyUdpRelay(t *testing.T, addr net.Addr, drop func(packet []byte) bool) net.Addr {
	t.Helper()
	front, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	back, err := net.DialUDP("udp", nil, addr.(*net.UDPAddr))
	require.NoError(t, err)

	var clientAddr atomic.Pointer[net.UDPAddr]
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		buf := make([]byte, 2048)
		for {
			n, from, err := front.ReadFromUDP(buf)
			if err != nil {
				return
			}
			clientAddr.Store(from)
			if !drop(buf[:n]) {
				back.Write(buf[:n])
			}
		}
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, 2048)
		for {
			n, err := back.Read(buf)
			if err != nil {
				return
			}
			if to := clientAddr.Load(); to != nil && !drop(buf[:n]) {
				front.WriteToUDP(buf[:n], to)
			}
		}
	}()

	t.Cleanup(func() {
		front.Close()
		back.Close()
		wg.Wait()
	})
	return front.LocalAddr()
}

func TestUdpTransport_ReliableChannelsSurviveLoss(t *testing.T) {
	server, err := CreateUdpTransport(UdpTransportParams{
		ListenAddress:  "127.0.0.1:0",
		ResendInterval: 20 * time.Millisecond,
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, server.StartServer())
	defer server.Shutdown()

	mut := sync.Mutex{}
	dataSeen, acksSeen := 0, 0
	relay := startLossyUdpRelay(t, server.LocalAddr(), func(packet []byte) bool {
		mut.Lock()
		defer mut.Unlock()
		switch udpPacketKind(packet[0]) {
		case udpPacketKind_Data:
			dataSeen++
			return dataSeen%3 == 0
		case udpPacketKind_Ack:
			acksSeen++
			return acksSeen%4 == 0
		}
		return false
	})

	client, err := CreateUdpTransport(UdpTransportParams{
		ServerAddress:        relay.String(),
		ConnectRetryInterval: 20 * time.Millisecond,
		ResendInterval:       20 * time.Millisecond,
		Logger:               zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, client.StartClient())
	defer client.Shutdown()

	connect := pollUntil(t, server, handlers.NetworkEvent_Connect)
	pollUntil(t, client, handlers.NetworkEvent_Connect)

	const count = 30
	for i := 0; i < count; i++ {
		require.NoError(t, server.Send(connect.ClientId, message.NetworkChannel_ReliableRpc, []byte{byte(i)}))
	}

	received := []byte{}
	require.Eventually(t, func() bool {
		for {
			event := client.PollEvent()
			if event.Type == handlers.NetworkEvent_Nothing {
				return len(received) >= count
			}
			if event.Type == handlers.NetworkEvent_Data {
				assert.Equal(t, message.NetworkChannel_ReliableRpc, event.Channel)
				received = append(received, event.Payload...)
			}
		}
	}, 5*time.Second, 10*time.Millisecond)

	expected := make([]byte, count)
	for i := range expected {
		expected[i] = byte(i)
	}
	assert.Equal(t, expected, received)
}
