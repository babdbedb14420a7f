package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"

	"github.com/3leaps/ipcprims/ipc/common"
	"github.com/3leaps/ipcprims/ipc/common/codec"
	"github.com/3leaps/ipcprims/ipc/transport"
)

var dftContext = context.Background()

// sessionPair negotiates a client and server session over an in-memory
// duplex stream.
func sessionPair(t *testing.T, clientCfg, serverCfg *Config) (Session, Session) {
	t.Helper()

	clientConn, serverConn := net.Pipe()

	var (
		server    Session
		serverErr error
		wg        sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		server, serverErr = NewServerSession(dftContext, transport.NewConn(serverConn), serverCfg)
	}()

	client, err := NewClientSession(dftContext, transport.NewConn(clientConn), clientCfg)
	wg.Wait()
	assert.NoError(t, err, "Client handshake failed")
	assert.NoError(t, serverErr, "Server handshake failed")

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

// rawPeer accepts the server side of the handshake and then hands the
// test direct frame-level control over the stream.
type rawPeer struct {
	fr *codec.FrameReader
	fw *codec.FrameWriter
}

func newRawServer(t *testing.T, conn net.Conn) *rawPeer {
	t.Helper()
	st := transport.NewConn(conn)
	cfg, err := resolveConfig(&Config{})
	assert.NoError(t, err)

	fr := codec.NewFrameReader(st, codec.WithMaxPayload(cfg.HandshakeMaxPayload))
	fw := codec.NewFrameWriter(st, codec.WithWriteMaxPayload(cfg.HandshakeMaxPayload))
	_, err = serverHandshake(fr, fw, cfg)
	assert.NoError(t, err)

	fr.SetMaxPayload(cfg.MaxPayload)
	fw.SetMaxPayload(cfg.MaxPayload)
	return &rawPeer{fr: fr, fw: fw}
}

func TestSendAndRecvOn(t *testing.T) {
	client, server := sessionPair(t,
		&Config{RequestedChannels: []common.Channel{common.ChannelCommand}},
		&Config{})

	go func() {
		payload, err := server.RecvOn(common.ChannelCommand)
		if err == nil {
			_ = server.Send(common.ChannelCommand, payload)
		}
	}()

	assert.NoError(t, client.Send(common.ChannelCommand, []byte(`{"action":"ping"}`)))
	payload, err := client.RecvOn(common.ChannelCommand)
	assert.NoError(t, err)
	assert.Equal(t, `{"action":"ping"}`, string(payload))
}

func TestSendRejectsControlAndUnnegotiated(t *testing.T) {
	client, _ := sessionPair(t,
		&Config{RequestedChannels: []common.Channel{common.ChannelCommand}},
		&Config{})

	assert.ErrorIs(t, client.Send(common.ChannelControl, []byte("x")), common.ErrUnsupportedChannel)
	assert.ErrorIs(t, client.Send(common.ChannelData, []byte("x")), common.ErrUnsupportedChannel)
	assert.ErrorIs(t, client.Send(common.Channel(300), []byte("x")), common.ErrUnsupportedChannel)
}

func TestRecvOnRejectsUnnegotiated(t *testing.T) {
	client, _ := sessionPair(t,
		&Config{RequestedChannels: []common.Channel{common.ChannelCommand}},
		&Config{})

	_, err := client.RecvOn(common.Channel(300))
	assert.ErrorIs(t, err, common.ErrUnsupportedChannel)
	_, err = client.RecvOn(common.ChannelControl)
	assert.ErrorIs(t, err, common.ErrUnsupportedChannel)
}

func TestUnnegotiatedIngressTerminates(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	type raw struct{ peer *rawPeer }
	rawc := make(chan raw, 1)
	go func() {
		peer := newRawServer(t, serverConn)
		// Channel 2 was never negotiated.
		_ = peer.fw.WriteFrame(common.ChannelData, []byte("surprise"))
		rawc <- raw{peer}
	}()

	client, err := NewClientSession(dftContext, transport.NewConn(clientConn),
		&Config{RequestedChannels: []common.Channel{common.ChannelCommand}})
	assert.NoError(t, err)

	_, _, err = client.Recv()
	var perr *common.ProtocolError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, common.ViolationUnnegotiatedChannel, perr.Violation)
	assert.Equal(t, common.ChannelData, perr.Channel)

	assert.Equal(t, StateFailed, client.State())
	_, _, err = client.Recv()
	assert.ErrorIs(t, err, common.ErrDisconnected, "A poisoned session only surfaces terminal errors")
	<-rawc
}

func TestControlFloodTerminates(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	go func() {
		peer := newRawServer(t, serverConn)
		pong, _ := common.EncodeControl(&common.PongMessage{Type: common.MsgPong, Nonce: "unsolicited"})
		for i := 0; i < 100; i++ {
			if err := peer.fw.WriteFrame(common.ChannelControl, pong); err != nil {
				return
			}
		}
	}()

	client, err := NewClientSession(dftContext, transport.NewConn(clientConn),
		&Config{RequestedChannels: []common.Channel{common.ChannelCommand}})
	assert.NoError(t, err)
	defer client.Close()

	_, _, err = client.Recv()
	var perr *common.ProtocolError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, common.ViolationControlFlood, perr.Violation)
}

func TestPreAuthPayloadCap(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	// A server that opens with an oversized pre-auth frame.
	go func() {
		st := transport.NewConn(serverConn)
		fw := codec.NewFrameWriter(st)
		_ = fw.WriteFrame(common.ChannelControl, make([]byte, codec.HandshakeMaxPayload+1))
	}()

	// Drain the client hello so the server write can proceed, then let the
	// client fail on the oversized reply.
	go func() {
		buf := make([]byte, 64*1024)
		for {
			if _, err := serverConn.Read(buf); err != nil {
				return
			}
		}
	}()

	_, err := NewClientSession(dftContext, transport.NewConn(clientConn),
		&Config{RequestedChannels: []common.Channel{common.ChannelCommand}})
	var tooLarge *codec.FrameTooLargeError
	assert.ErrorAs(t, err, &tooLarge, "Pre-auth frames above the handshake cap are fatal")
}

func TestPostHandshakeAcceptsLargeFrames(t *testing.T) {
	client, server := sessionPair(t,
		&Config{RequestedChannels: []common.Channel{common.ChannelCommand}},
		&Config{})

	// Comfortably above the pre-auth cap.
	payload := make([]byte, codec.HandshakeMaxPayload*2)

	done := make(chan []byte, 1)
	go func() {
		got, err := server.RecvOn(common.ChannelCommand)
		if err == nil {
			done <- got
		} else {
			done <- nil
		}
	}()

	assert.NoError(t, client.Send(common.ChannelCommand, payload))
	got := <-done
	assert.Len(t, got, len(payload))
}

func TestPingMeasuresRTT(t *testing.T) {
	client, server := sessionPair(t,
		&Config{RequestedChannels: []common.Channel{common.ChannelCommand}},
		&Config{})

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		// Recv services the ping in-line and never surfaces it.
		_, _, _ = server.Recv()
	}()

	rtt, err := client.Ping()
	assert.NoError(t, err)
	assert.True(t, rtt >= 0, "RTT should be non-negative")
	assert.False(t, client.LastHeartbeat().IsZero(), "Pong receipt updates the heartbeat")

	_ = client.Close()
	<-serverDone
}

func TestRecvOnBuffersOtherChannels(t *testing.T) {
	client, server := sessionPair(t,
		&Config{RequestedChannels: []common.Channel{common.ChannelCommand, common.ChannelData}},
		&Config{})

	go func() {
		_ = server.Send(common.ChannelData, []byte("data-1"))
		_ = server.Send(common.ChannelData, []byte("data-2"))
		_ = server.Send(common.ChannelCommand, []byte("cmd"))
	}()

	payload, err := client.RecvOn(common.ChannelCommand)
	assert.NoError(t, err)
	assert.Equal(t, "cmd", string(payload))

	// The bypassed frames are delivered in FIFO order.
	payload, err = client.RecvOn(common.ChannelData)
	assert.NoError(t, err)
	assert.Equal(t, "data-1", string(payload))
	payload, err = client.RecvOn(common.ChannelData)
	assert.NoError(t, err)
	assert.Equal(t, "data-2", string(payload))
}

func TestBufferOverrunTerminates(t *testing.T) {
	client, server := sessionPair(t,
		&Config{
			RequestedChannels:     []common.Channel{common.ChannelCommand, common.ChannelData},
			MaxBufferPerChannel:   64,
			MaxTotalBufferedBytes: 128,
		},
		&Config{})

	go func() {
		payload := make([]byte, 48)
		for {
			if err := server.Send(common.ChannelData, payload); err != nil {
				return
			}
		}
	}()

	// Waiting on COMMAND forces DATA frames into the buffer until the cap
	// trips.
	_, err := client.RecvOn(common.ChannelCommand)
	var perr *common.ProtocolError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, common.ViolationBufferFull, perr.Violation)
}

func TestGracefulShutdown(t *testing.T) {
	client, server := sessionPair(t,
		&Config{RequestedChannels: []common.Channel{common.ChannelCommand}},
		&Config{})

	serverErr := make(chan error, 1)
	go func() {
		_, _, err := server.Recv()
		serverErr <- err
	}()

	assert.NoError(t, client.Shutdown())
	assert.Equal(t, StateClosed, client.State())

	assert.ErrorIs(t, <-serverErr, common.ErrDisconnected, "Peer recv reports disconnection after shutdown")
	assert.Equal(t, StateShuttingDown, server.State())

	// Idempotence.
	assert.NoError(t, client.Shutdown())
	assert.NoError(t, client.Close())
	assert.NoError(t, client.Close())
}

func TestShutdownWithoutAckForcesClose(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	go func() {
		peer := newRawServer(t, serverConn)
		// Swallow everything, including the shutdown request, and never
		// acknowledge.
		for {
			if _, _, err := peer.fr.ReadFrame(); err != nil {
				return
			}
		}
	}()

	client, err := NewClientSession(dftContext, transport.NewConn(clientConn),
		&Config{
			RequestedChannels:   []common.Channel{common.ChannelCommand},
			ShutdownTimeoutSecs: 1,
		})
	assert.NoError(t, err)

	err = client.Shutdown()
	assert.ErrorIs(t, err, common.ErrShutdownFailed)
	assert.Equal(t, StateClosed, client.State())
}

func TestRequestCorrelatesByChannel(t *testing.T) {
	client, server := sessionPair(t,
		&Config{RequestedChannels: []common.Channel{common.ChannelCommand}},
		&Config{})

	go func() {
		payload, err := server.RecvOn(common.ChannelCommand)
		if err == nil {
			_ = server.Send(common.ChannelCommand, append([]byte("re:"), payload...))
		}
	}()

	reply, err := client.Request(common.ChannelCommand, []byte("question"))
	assert.NoError(t, err)
	assert.Equal(t, "re:question", string(reply))
}

func TestCloseUnblocksPendingRecv(t *testing.T) {
	client, _ := sessionPair(t,
		&Config{RequestedChannels: []common.Channel{common.ChannelCommand}},
		&Config{})

	recvErr := make(chan error, 1)
	go func() {
		_, _, err := client.Recv()
		recvErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, client.Close())

	select {
	case err := <-recvErr:
		assert.ErrorIs(t, err, common.ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not unblock on close")
	}
}

func TestPeerCredentialsUnsupportedOnPipe(t *testing.T) {
	client, _ := sessionPair(t,
		&Config{RequestedChannels: []common.Channel{common.ChannelCommand}},
		&Config{})

	_, err := client.PeerCredentials()
	assert.ErrorIs(t, err, transport.ErrCredentialsUnsupported)
}

func TestChannelsAccessorCopies(t *testing.T) {
	client, _ := sessionPair(t,
		&Config{RequestedChannels: []common.Channel{common.ChannelCommand, 300}},
		&Config{})

	channels := client.Channels()
	assert.Equal(t, []common.Channel{common.ChannelCommand, 300}, channels)
	channels[0] = 999
	assert.Equal(t, []common.Channel{common.ChannelCommand, 300}, client.Channels())
}
