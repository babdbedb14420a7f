package common

import (
	"fmt"
	"net"
	"os"

	"github.com/pkg/errors"
)

// Error taxonomy shared across the frame codec, handshake engine and peer
// runtime. Protocol-violation errors poison the session; the peer runtime
// only surfaces terminal errors afterwards.

var (
	// ErrDisconnected reports that the peer has closed, shut down, or the
	// session has been poisoned by an earlier failure.
	ErrDisconnected = errors.New("ipc: disconnected")

	// ErrUnsupportedChannel reports a send or targeted receive on a channel
	// outside the negotiated set.
	ErrUnsupportedChannel = errors.New("ipc: channel not negotiated")

	// ErrShutdownFailed reports that a graceful shutdown was not
	// acknowledged within the configured timeout.
	ErrShutdownFailed = errors.New("ipc: shutdown not acknowledged")
)

// ProtocolViolation classifies ingress behaviour that terminates a session.
type ProtocolViolation int

const (
	// ViolationUnnegotiatedChannel is a frame on a channel outside the
	// accepted set.
	ViolationUnnegotiatedChannel ProtocolViolation = iota
	// ViolationBufferFull is a per-channel or global buffer cap overrun.
	ViolationBufferFull
	// ViolationControlFlood is excessive unsolicited CONTROL traffic.
	ViolationControlFlood
	// ViolationMalformedControl is an undecodable or unexpected CONTROL
	// message.
	ViolationMalformedControl
	// ViolationInternal is an invariant failure within the runtime.
	ViolationInternal
)

func (v ProtocolViolation) String() string {
	switch v {
	case ViolationUnnegotiatedChannel:
		return "unnegotiated channel"
	case ViolationBufferFull:
		return "buffer full"
	case ViolationControlFlood:
		return "control flood"
	case ViolationMalformedControl:
		return "malformed control message"
	default:
		return "internal"
	}
}

// ProtocolError reports a protocol violation. Receiving one means the
// session has transitioned to its terminal state.
type ProtocolError struct {
	Violation ProtocolViolation
	Channel   Channel
	Detail    string
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("ipc: protocol violation: %s", e.Violation)
	if e.Channel != ChannelControl {
		msg += fmt.Sprintf(" (channel %d)", e.Channel)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// HandshakeFailure classifies handshake errors.
type HandshakeFailure int

const (
	// VersionIncompatible reports a major-version mismatch.
	VersionIncompatible HandshakeFailure = iota
	// ReservedChannel reports a requested channel in the reserved range.
	ReservedChannel
	// TokenTooLarge reports an auth token above MaxAuthTokenLen.
	TokenTooLarge
	// Rejected reports an explicit hello-reject from the peer.
	Rejected
	// MalformedHello reports an undecodable or out-of-sequence handshake
	// message.
	MalformedHello
)

func (f HandshakeFailure) String() string {
	switch f {
	case VersionIncompatible:
		return "incompatible protocol version"
	case ReservedChannel:
		return "reserved channel requested"
	case TokenTooLarge:
		return "auth token too large"
	case Rejected:
		return "rejected by peer"
	default:
		return "malformed hello"
	}
}

// HandshakeError reports a failed session negotiation. The session never
// enters the ready state after one.
type HandshakeError struct {
	Failure HandshakeFailure
	Reason  string
}

func (e *HandshakeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("ipc: handshake failed: %s: %s", e.Failure, e.Reason)
	}
	return fmt.Sprintf("ipc: handshake failed: %s", e.Failure)
}

// IsTimeout reports whether err is a read/write deadline expiry surfaced
// from the transport. Would-block conditions on deadline-configured
// streams are reported this way rather than silently retried.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
