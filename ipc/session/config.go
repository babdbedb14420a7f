package session

import (
	"github.com/jonboulle/clockwork"

	"github.com/3leaps/ipcprims/ipc/common"
	"github.com/3leaps/ipcprims/ipc/common/codec"
	"github.com/3leaps/ipcprims/ipc/schema"
)

// Defines structs describing session configuration.

// Config defines properties that configure session behaviour. Zero fields
// are resolved against DefaultConfig by the factories.
type Config struct {
	// RequestedChannels is the channel set a client asks for during the
	// handshake. Reserved channels (5..=255) are rejected.
	RequestedChannels []common.Channel

	// SupportedChannels restricts what a server will accept. The accepted
	// set is the intersection with the client's request. Nil accepts every
	// valid requested channel.
	SupportedChannels []common.Channel

	// AuthToken is an opaque credential passed through to the server,
	// bounded by common.MaxAuthTokenLen. The library transports it and
	// redacts it from diagnostics; policy belongs to the application.
	AuthToken []byte

	// Capabilities are advertised to the peer during the handshake.
	Capabilities map[string]string

	// MaxPayload is the per-frame payload cap once the session is ready.
	MaxPayload uint32

	// HandshakeMaxPayload is the reduced cap applied until the handshake
	// completes.
	HandshakeMaxPayload uint32

	// HandshakeTimeoutSecs bounds the wait for the peer's handshake
	// message.
	HandshakeTimeoutSecs int

	// ShutdownTimeoutSecs bounds the wait for a shutdown acknowledgement
	// before the stream is forced closed.
	ShutdownTimeoutSecs int

	// MaxBufferPerChannel caps the bytes buffered for one channel while a
	// targeted receive waits on another.
	MaxBufferPerChannel int

	// MaxTotalBufferedBytes caps the bytes buffered across all channels.
	MaxTotalBufferedBytes int

	// ControlFloodLimit terminates the session when more unsolicited
	// CONTROL frames than this arrive within the flood window.
	ControlFloodLimit int

	// ControlFloodWindowSecs is the sliding window for flood accounting.
	ControlFloodWindowSecs int

	// Clock supplies time for heartbeats, RTT measurement and flood
	// accounting. Defaults to the real clock.
	Clock clockwork.Clock

	// Registry optionally validates payloads at the session boundary.
	Registry *schema.Registry
}

// DefaultConfig carries the default session configuration.
var DefaultConfig = &Config{
	MaxPayload:             codec.DefaultMaxPayload,
	HandshakeMaxPayload:    codec.HandshakeMaxPayload,
	HandshakeTimeoutSecs:   5,
	ShutdownTimeoutSecs:    5,
	MaxBufferPerChannel:    1 << 20,
	MaxTotalBufferedBytes:  4 << 20,
	ControlFloodLimit:      64,
	ControlFloodWindowSecs: 10,
}
