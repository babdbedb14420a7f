package session

import (
	"net"
	"testing"

	assert "github.com/stretchr/testify/require"

	"github.com/3leaps/ipcprims/ipc/common"
	"github.com/3leaps/ipcprims/ipc/common/codec"
	"github.com/3leaps/ipcprims/ipc/transport"
)

// handshakePair runs both handshake sides over an in-memory duplex
// stream and returns their results.
func handshakePair(t *testing.T, clientCfg, serverCfg *Config) (*HandshakeResult, error, *HandshakeResult, error) {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientResolved, err := resolveConfig(clientCfg)
	assert.NoError(t, err)
	serverResolved, err := resolveConfig(serverCfg)
	assert.NoError(t, err)

	type outcome struct {
		result *HandshakeResult
		err    error
	}
	serverDone := make(chan outcome, 1)
	go func() {
		st := transport.NewConn(serverConn)
		fr := codec.NewFrameReader(st, codec.WithMaxPayload(serverResolved.HandshakeMaxPayload))
		fw := codec.NewFrameWriter(st, codec.WithWriteMaxPayload(serverResolved.HandshakeMaxPayload))
		result, err := serverHandshake(fr, fw, serverResolved)
		serverDone <- outcome{result, err}
	}()

	ct := transport.NewConn(clientConn)
	cfr := codec.NewFrameReader(ct, codec.WithMaxPayload(clientResolved.HandshakeMaxPayload))
	cfw := codec.NewFrameWriter(ct, codec.WithWriteMaxPayload(clientResolved.HandshakeMaxPayload))
	clientResult, clientErr := clientHandshake(cfr, cfw, clientResolved)

	server := <-serverDone
	return clientResult, clientErr, server.result, server.err
}

func TestHandshakeNegotiatesChannels(t *testing.T) {
	clientCfg := &Config{
		RequestedChannels: []common.Channel{common.ChannelCommand, common.ChannelData, 300},
		Capabilities:      map[string]string{"impl": "client"},
	}
	serverCfg := &Config{
		SupportedChannels: []common.Channel{common.ChannelCommand, 300, 400},
		Capabilities:      map[string]string{"impl": "server"},
	}

	clientResult, clientErr, serverResult, serverErr := handshakePair(t, clientCfg, serverCfg)
	assert.NoError(t, clientErr)
	assert.NoError(t, serverErr)

	expected := []common.Channel{common.ChannelCommand, 300}
	assert.Equal(t, expected, clientResult.Channels)
	assert.Equal(t, expected, serverResult.Channels)

	assert.True(t, clientResult.Accepted(common.ChannelControl), "CONTROL is implicit")
	assert.True(t, clientResult.Accepted(common.ChannelCommand))
	assert.False(t, clientResult.Accepted(common.ChannelData), "Unsupported channel must not be accepted")

	assert.Equal(t, common.ProtocolVersion, clientResult.Version)
	assert.Equal(t, "server", clientResult.Capabilities["impl"])
	assert.Equal(t, "client", serverResult.Capabilities["impl"])
}

func TestHandshakeServerAcceptsAllWhenUnrestricted(t *testing.T) {
	clientCfg := &Config{RequestedChannels: []common.Channel{common.ChannelCommand, 500}}

	clientResult, clientErr, _, serverErr := handshakePair(t, clientCfg, &Config{})
	assert.NoError(t, clientErr)
	assert.NoError(t, serverErr)
	assert.Equal(t, []common.Channel{common.ChannelCommand, 500}, clientResult.Channels)
}

func TestHandshakeRejectsReservedChannelClientSide(t *testing.T) {
	cfg, err := resolveConfig(&Config{RequestedChannels: []common.Channel{5}})
	assert.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	ct := transport.NewConn(clientConn)
	_, hErr := clientHandshake(codec.NewFrameReader(ct), codec.NewFrameWriter(ct), cfg)

	var herr *common.HandshakeError
	assert.ErrorAs(t, hErr, &herr)
	assert.Equal(t, common.ReservedChannel, herr.Failure)
}

func TestHandshakeRejectsReservedChannelServerSide(t *testing.T) {
	// Bypass the client-side guard by sending the hello raw.
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverCfg, err := resolveConfig(&Config{})
	assert.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		st := transport.NewConn(serverConn)
		_, err := serverHandshake(codec.NewFrameReader(st), codec.NewFrameWriter(st), serverCfg)
		done <- err
	}()

	ct := transport.NewConn(clientConn)
	fw := codec.NewFrameWriter(ct)
	fr := codec.NewFrameReader(ct)
	hello := &common.HelloMessage{
		Type:              common.MsgHello,
		VersionMajor:      common.ProtocolVersion.Major,
		RequestedChannels: []common.Channel{common.ChannelCommand, 5},
	}
	payload, err := common.EncodeControl(hello)
	assert.NoError(t, err)
	assert.NoError(t, fw.WriteFrame(common.ChannelControl, payload))

	// The client is told why. Read the reject before collecting the
	// server outcome; the in-memory pipe is synchronous.
	channel, rejectPayload, err := fr.ReadFrame()
	assert.NoError(t, err)
	assert.Equal(t, common.ChannelControl, channel)
	msgType, err := common.ControlType(rejectPayload)
	assert.NoError(t, err)
	assert.Equal(t, common.MsgHelloReject, msgType)

	serverErr := <-done
	var herr *common.HandshakeError
	assert.ErrorAs(t, serverErr, &herr)
	assert.Equal(t, common.ReservedChannel, herr.Failure)
}

func TestHandshakeRejectsOversizeToken(t *testing.T) {
	cfg, err := resolveConfig(&Config{
		RequestedChannels: []common.Channel{common.ChannelCommand},
		AuthToken:         make([]byte, common.MaxAuthTokenLen+1),
	})
	assert.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	ct := transport.NewConn(clientConn)
	_, hErr := clientHandshake(codec.NewFrameReader(ct), codec.NewFrameWriter(ct), cfg)

	var herr *common.HandshakeError
	assert.ErrorAs(t, hErr, &herr)
	assert.Equal(t, common.TokenTooLarge, herr.Failure)
}

func TestHandshakeTokenAtLimitPassesThrough(t *testing.T) {
	token := make([]byte, common.MaxAuthTokenLen)
	for i := range token {
		token[i] = byte(i)
	}

	clientCfg := &Config{
		RequestedChannels: []common.Channel{common.ChannelCommand},
		AuthToken:         token,
	}

	_, clientErr, serverResult, serverErr := handshakePair(t, clientCfg, &Config{})
	assert.NoError(t, clientErr)
	assert.NoError(t, serverErr)

	taken := serverResult.TakeAuthToken()
	assert.Equal(t, token, taken, "Token is an opaque passthrough")
	assert.Nil(t, serverResult.TakeAuthToken(), "Token can be moved out exactly once")
}

func TestHandshakeVersionMismatch(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverCfg, err := resolveConfig(&Config{})
	assert.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		st := transport.NewConn(serverConn)
		_, err := serverHandshake(codec.NewFrameReader(st), codec.NewFrameWriter(st), serverCfg)
		done <- err
	}()

	ct := transport.NewConn(clientConn)
	fw := codec.NewFrameWriter(ct)
	fr := codec.NewFrameReader(ct)
	hello := &common.HelloMessage{
		Type:              common.MsgHello,
		VersionMajor:      common.ProtocolVersion.Major + 1,
		RequestedChannels: []common.Channel{common.ChannelCommand},
	}
	payload, err := common.EncodeControl(hello)
	assert.NoError(t, err)
	assert.NoError(t, fw.WriteFrame(common.ChannelControl, payload))

	channel, rejectPayload, err := fr.ReadFrame()
	assert.NoError(t, err)
	assert.Equal(t, common.ChannelControl, channel)
	msgType, err := common.ControlType(rejectPayload)
	assert.NoError(t, err)
	assert.Equal(t, common.MsgHelloReject, msgType)

	serverErr := <-done
	var herr *common.HandshakeError
	assert.ErrorAs(t, serverErr, &herr)
	assert.Equal(t, common.VersionIncompatible, herr.Failure)
}

func TestHandshakeResultRedactsToken(t *testing.T) {
	result := newHandshakeResult(common.ProtocolVersion, []common.Channel{common.ChannelCommand},
		codec.DefaultMaxPayload, nil, []byte("super-secret"))

	rendered := result.String()
	assert.NotContains(t, rendered, "super-secret")
	assert.Contains(t, rendered, "[redacted]")

	// Taking the token zeroes the stored copy.
	taken := result.TakeAuthToken()
	assert.Equal(t, "super-secret", string(taken))
	assert.NotContains(t, result.String(), "redacted", "No marker once the token is gone")
}
