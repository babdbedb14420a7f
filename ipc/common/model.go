package common

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Defines the channel model, protocol version and the messages carried on
// the CONTROL channel (handshake negotiation, ping/pong, shutdown).

// Channel identifies a logical sub-stream within one transport connection.
type Channel uint16

// Reserved channel identifiers.
const (
	// ChannelControl carries protocol-level messages only; it is never
	// surfaced to application receives.
	ChannelControl Channel = 0

	// Built-in semantic channels.
	ChannelCommand   Channel = 1
	ChannelData      Channel = 2
	ChannelTelemetry Channel = 3
	ChannelError     Channel = 4

	// Channels 5..=255 are reserved for future protocol use and are
	// rejected when requested. Application channels start at 256.
	reservedLow   Channel = 5
	reservedHigh  Channel = 255
	ChannelAppMin Channel = 256
)

// Reserved reports whether the channel sits in the reserved range 5..=255.
func (c Channel) Reserved() bool {
	return c >= reservedLow && c <= reservedHigh
}

// BuiltIn reports whether the channel is one of the built-in semantic
// channels COMMAND, DATA, TELEMETRY or ERROR.
func (c Channel) BuiltIn() bool {
	return c >= ChannelCommand && c <= ChannelError
}

// Application reports whether the channel is application-defined.
func (c Channel) Application() bool {
	return c >= ChannelAppMin
}

// Version identifies the wire protocol version. Peers interoperate only
// when they share the same major version.
type Version struct {
	Major uint8 `json:"major"`
	Minor uint8 `json:"minor"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ProtocolVersion is the wire protocol version spoken by this library.
var ProtocolVersion = Version{Major: 1, Minor: 0}

// MaxAuthTokenLen bounds the opaque auth token carried in a hello message.
const MaxAuthTokenLen = 4096

// redactionMarker replaces token material in any diagnostic rendering.
const redactionMarker = "[redacted]"

// Control message type discriminators.
const (
	MsgHello           = "hello"
	MsgHelloAck        = "hello-ack"
	MsgHelloReject     = "hello-reject"
	MsgPing            = "ping"
	MsgPong            = "pong"
	MsgShutdownRequest = "shutdown-request"
	MsgShutdownAck     = "shutdown-ack"
	MsgShutdownForce   = "shutdown-force"
)

// HelloMessage opens the handshake, sent by the client on the CONTROL channel.
type HelloMessage struct {
	Type              string            `json:"type"`
	VersionMajor      uint8             `json:"version_major"`
	VersionMinor      uint8             `json:"version_minor"`
	RequestedChannels []Channel         `json:"requested_channels"`
	AuthToken         []byte            `json:"auth_token,omitempty"`
	Capabilities      map[string]string `json:"capabilities,omitempty"`
}

// String renders the message for diagnostics, with the token redacted.
func (m *HelloMessage) String() string {
	token := ""
	if len(m.AuthToken) > 0 {
		token = " token:" + redactionMarker
	}
	return fmt.Sprintf("hello v%d.%d channels:%v%s", m.VersionMajor, m.VersionMinor, m.RequestedChannels, token)
}

// HelloAckMessage completes the handshake, sent by the server.
type HelloAckMessage struct {
	Type             string            `json:"type"`
	VersionMajor     uint8             `json:"version_major"`
	VersionMinor     uint8             `json:"version_minor"`
	AcceptedChannels []Channel         `json:"accepted_channels"`
	Capabilities     map[string]string `json:"capabilities,omitempty"`
}

func (m *HelloAckMessage) String() string {
	return fmt.Sprintf("hello-ack v%d.%d channels:%v", m.VersionMajor, m.VersionMinor, m.AcceptedChannels)
}

// HelloRejectMessage refuses the handshake.
type HelloRejectMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// PingMessage requests a heartbeat response carrying the same nonce.
type PingMessage struct {
	Type   string `json:"type"`
	Nonce  string `json:"nonce"`
	SentAt int64  `json:"sent_at,omitempty"`
}

// PongMessage answers a ping.
type PongMessage struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

// ShutdownMessage carries the graceful shutdown exchange. The same shape
// serves shutdown-request, shutdown-ack and shutdown-force.
type ShutdownMessage struct {
	Type string `json:"type"`
}

// EncodeControl marshals a control message for transmission on the
// CONTROL channel.
func EncodeControl(msg interface{}) ([]byte, error) {
	b, err := json.Marshal(msg)
	return b, errors.Wrap(err, "encoding control message")
}

// ControlType extracts the type discriminator from an encoded control
// payload without decoding the full message.
func ControlType(payload []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", errors.Wrap(err, "decoding control message")
	}
	if envelope.Type == "" {
		return "", errors.New("control message without type")
	}
	return envelope.Type, nil
}

// DecodeControl unmarshals an encoded control payload into msg.
func DecodeControl(payload []byte, msg interface{}) error {
	return errors.Wrap(json.Unmarshal(payload, msg), "decoding control message")
}

// IntersectChannels delivers the channels present in both sets, in the
// order they appear in requested. The CONTROL channel is implicit in every
// negotiated set and never included here.
func IntersectChannels(requested, supported []Channel) []Channel {
	keep := make(map[Channel]bool, len(supported))
	for _, c := range supported {
		keep[c] = true
	}
	var accepted []Channel
	for _, c := range requested {
		if keep[c] && c != ChannelControl {
			accepted = append(accepted, c)
		}
	}
	return accepted
}
