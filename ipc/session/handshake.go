package session

import (
	"fmt"

	"github.com/3leaps/ipcprims/ipc/common"
	"github.com/3leaps/ipcprims/ipc/common/codec"
)

// The handshake engine runs once per session, both sides, over the
// CONTROL channel, with the reader and writer capped at the reduced
// pre-auth payload limit. Any decode error, protocol violation or
// timeout here is fatal for the session; there is no retry at this layer.

// HandshakeResult records the outcome of a successful negotiation.
type HandshakeResult struct {
	// Version is the agreed protocol version.
	Version common.Version

	// Channels is the accepted channel set, excluding CONTROL (which is
	// implicit in every session).
	Channels []common.Channel

	// MaxPayload is the agreed per-frame payload cap.
	MaxPayload uint32

	// Capabilities are the peer-advertised capabilities.
	Capabilities map[string]string

	channelSet map[common.Channel]bool
	authToken  []byte
}

func newHandshakeResult(version common.Version, channels []common.Channel, maxPayload uint32,
	capabilities map[string]string, authToken []byte) *HandshakeResult {
	set := make(map[common.Channel]bool, len(channels))
	for _, c := range channels {
		set[c] = true
	}
	return &HandshakeResult{
		Version:      version,
		Channels:     channels,
		MaxPayload:   maxPayload,
		Capabilities: capabilities,
		channelSet:   set,
		authToken:    authToken,
	}
}

// Accepted reports whether channel is in the negotiated set. CONTROL is
// always accepted.
func (r *HandshakeResult) Accepted(channel common.Channel) bool {
	return channel == common.ChannelControl || r.channelSet[channel]
}

// TakeAuthToken moves the auth token out of the result. The stored copy
// is zeroed; a second call returns nil. There is deliberately no way to
// inspect the token without consuming it.
func (r *HandshakeResult) TakeAuthToken() []byte {
	if len(r.authToken) == 0 {
		return nil
	}
	out := make([]byte, len(r.authToken))
	copy(out, r.authToken)
	for i := range r.authToken {
		r.authToken[i] = 0
	}
	r.authToken = nil
	return out
}

// String renders the result for diagnostics. Token material never
// appears; its presence is reported as a redaction marker.
func (r *HandshakeResult) String() string {
	token := ""
	if len(r.authToken) > 0 {
		token = " token:[redacted]"
	}
	return fmt.Sprintf("negotiated v%s channels:%v max_payload:%d%s", r.Version, r.Channels, r.MaxPayload, token)
}

// validateRequest checks the channel request and token bounds shared by
// both sides of the handshake.
func validateRequest(channels []common.Channel, token []byte) error {
	for _, c := range channels {
		if c.Reserved() {
			return &common.HandshakeError{
				Failure: common.ReservedChannel,
				Reason:  fmt.Sprintf("channel %d", c),
			}
		}
	}
	if len(token) > common.MaxAuthTokenLen {
		return &common.HandshakeError{
			Failure: common.TokenTooLarge,
			Reason:  fmt.Sprintf("%d bytes, limit %d", len(token), common.MaxAuthTokenLen),
		}
	}
	return nil
}

// clientHandshake sends HELLO and awaits HELLO_ACK or HELLO_REJECT. The
// reader and writer are expected to carry the pre-auth payload cap.
func clientHandshake(fr *codec.FrameReader, fw *codec.FrameWriter, cfg *Config) (*HandshakeResult, error) {
	if err := validateRequest(cfg.RequestedChannels, cfg.AuthToken); err != nil {
		return nil, err
	}

	hello := &common.HelloMessage{
		Type:              common.MsgHello,
		VersionMajor:      common.ProtocolVersion.Major,
		VersionMinor:      common.ProtocolVersion.Minor,
		RequestedChannels: cfg.RequestedChannels,
		AuthToken:         cfg.AuthToken,
		Capabilities:      cfg.Capabilities,
	}
	if err := writeControl(fw, hello); err != nil {
		return nil, err
	}

	payload, err := readControlFrame(fr)
	if err != nil {
		return nil, err
	}

	msgType, err := common.ControlType(payload)
	if err != nil {
		return nil, &common.HandshakeError{Failure: common.MalformedHello, Reason: err.Error()}
	}

	switch msgType {
	case common.MsgHelloAck:
		var ack common.HelloAckMessage
		if err := common.DecodeControl(payload, &ack); err != nil {
			return nil, &common.HandshakeError{Failure: common.MalformedHello, Reason: err.Error()}
		}
		if ack.VersionMajor != common.ProtocolVersion.Major {
			return nil, &common.HandshakeError{
				Failure: common.VersionIncompatible,
				Reason:  fmt.Sprintf("server v%d.%d, client v%s", ack.VersionMajor, ack.VersionMinor, common.ProtocolVersion),
			}
		}
		version := common.Version{Major: ack.VersionMajor, Minor: minMinor(ack.VersionMinor, common.ProtocolVersion.Minor)}
		return newHandshakeResult(version, ack.AcceptedChannels, cfg.MaxPayload, ack.Capabilities, nil), nil

	case common.MsgHelloReject:
		var reject common.HelloRejectMessage
		if err := common.DecodeControl(payload, &reject); err != nil {
			return nil, &common.HandshakeError{Failure: common.MalformedHello, Reason: err.Error()}
		}
		return nil, &common.HandshakeError{Failure: common.Rejected, Reason: reject.Reason}

	default:
		return nil, &common.HandshakeError{
			Failure: common.MalformedHello,
			Reason:  fmt.Sprintf("unexpected %s message", msgType),
		}
	}
}

// serverHandshake awaits HELLO, applies the negotiation rules and replies
// with HELLO_ACK or HELLO_REJECT.
func serverHandshake(fr *codec.FrameReader, fw *codec.FrameWriter, cfg *Config) (*HandshakeResult, error) {
	payload, err := readControlFrame(fr)
	if err != nil {
		return nil, err
	}

	msgType, err := common.ControlType(payload)
	if err != nil || msgType != common.MsgHello {
		reason := "expected hello"
		if err != nil {
			reason = err.Error()
		}
		rejectHandshake(fw, reason)
		return nil, &common.HandshakeError{Failure: common.MalformedHello, Reason: reason}
	}

	var hello common.HelloMessage
	if err := common.DecodeControl(payload, &hello); err != nil {
		rejectHandshake(fw, "malformed hello")
		return nil, &common.HandshakeError{Failure: common.MalformedHello, Reason: err.Error()}
	}

	if hello.VersionMajor != common.ProtocolVersion.Major {
		reason := fmt.Sprintf("incompatible protocol version %d.%d", hello.VersionMajor, hello.VersionMinor)
		rejectHandshake(fw, reason)
		return nil, &common.HandshakeError{Failure: common.VersionIncompatible, Reason: reason}
	}
	if err := validateRequest(hello.RequestedChannels, hello.AuthToken); err != nil {
		rejectHandshake(fw, err.Error())
		return nil, err
	}

	// Intersecting the request with itself drops CONTROL, which is implicit.
	accepted := common.IntersectChannels(hello.RequestedChannels, hello.RequestedChannels)
	if cfg.SupportedChannels != nil {
		accepted = common.IntersectChannels(hello.RequestedChannels, cfg.SupportedChannels)
	}

	ack := &common.HelloAckMessage{
		Type:             common.MsgHelloAck,
		VersionMajor:     common.ProtocolVersion.Major,
		VersionMinor:     common.ProtocolVersion.Minor,
		AcceptedChannels: accepted,
		Capabilities:     cfg.Capabilities,
	}
	if err := writeControl(fw, ack); err != nil {
		return nil, err
	}

	version := common.Version{Major: hello.VersionMajor, Minor: minMinor(hello.VersionMinor, common.ProtocolVersion.Minor)}
	return newHandshakeResult(version, accepted, cfg.MaxPayload, hello.Capabilities, hello.AuthToken), nil
}

// readControlFrame reads one frame and requires it to be on CONTROL.
func readControlFrame(fr *codec.FrameReader) ([]byte, error) {
	channel, payload, err := fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	if channel != common.ChannelControl {
		return nil, &common.HandshakeError{
			Failure: common.MalformedHello,
			Reason:  fmt.Sprintf("frame on channel %d before negotiation", channel),
		}
	}
	return payload, nil
}

// writeControl encodes msg and writes it on the CONTROL channel.
func writeControl(fw *codec.FrameWriter, msg interface{}) error {
	payload, err := common.EncodeControl(msg)
	if err != nil {
		return err
	}
	return fw.WriteFrame(common.ChannelControl, payload)
}

// rejectHandshake makes a best-effort attempt to tell the peer why its
// hello was refused. The handshake has already failed; a write error here
// changes nothing.
func rejectHandshake(fw *codec.FrameWriter, reason string) {
	_ = writeControl(fw, &common.HelloRejectMessage{Type: common.MsgHelloReject, Reason: reason})
}

func minMinor(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}
