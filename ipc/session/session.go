package session

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/3leaps/ipcprims/ipc/common"
	"github.com/3leaps/ipcprims/ipc/common/codec"
	"github.com/3leaps/ipcprims/ipc/transport"
)

// The session layer mediates all frame I/O for a negotiated peer: channel
// dispatch, per-channel buffering, schema validation at the boundary and
// the CONTROL-channel state machine.

// State describes the lifecycle position of a session.
type State int32

const (
	// StateHandshaking is the pre-negotiation state.
	StateHandshaking State = iota
	// StateReady is the operational state.
	StateReady
	// StateShuttingDown follows a shutdown request from either side.
	StateShuttingDown
	// StateClosed is terminal; the stream has been released.
	StateClosed
	// StateFailed is terminal; a protocol or transport error poisoned the
	// session.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting-down"
	case StateClosed:
		return "closed"
	default:
		return "failed"
	}
}

// Session represents a negotiated peer.
//
// A session is single-owner: apart from Close, which may be invoked from
// another goroutine to unblock a pending receive, concurrent access must
// be serialized by the caller.
type Session interface {
	// Send writes one frame. The channel must be in the accepted set and
	// not CONTROL. With a registry attached and validate-on-send
	// configured, the payload is validated first; nothing is written on a
	// validation failure.
	Send(channel common.Channel, payload []byte) error

	// Recv blocks for the next application frame on any accepted channel,
	// servicing buffered frames in arrival order first. CONTROL traffic is
	// handled in-line and never surfaced.
	Recv() (common.Channel, []byte, error)

	// RecvOn blocks for the next frame on the given channel. Frames
	// arriving for other accepted channels are buffered, subject to the
	// per-channel and global caps.
	RecvOn(channel common.Channel) ([]byte, error)

	// Request sends on channel and waits for one response on the same
	// channel. Correlation is by channel only; it suits single-inflight
	// exchanges.
	Request(channel common.Channel, payload []byte) ([]byte, error)

	// Ping measures the round trip to the peer over the CONTROL channel.
	Ping() (time.Duration, error)

	// Shutdown performs the graceful shutdown exchange and closes the
	// stream. Idempotent.
	Shutdown() error

	// Close drops the stream and frees the buffers. Idempotent.
	Close() error

	// State delivers the current lifecycle state.
	State() State

	// Channels delivers the negotiated channel set, excluding CONTROL.
	Channels() []common.Channel

	// PeerCapabilities delivers the capabilities advertised by the peer.
	PeerCapabilities() map[string]string

	// TakeAuthToken moves the peer's auth token out of the session,
	// zeroing the stored copy. Only the first call returns it.
	TakeAuthToken() []byte

	// PeerCredentials reports the peer process identity where the
	// transport supports it.
	PeerCredentials() (*transport.PeerCredentials, error)

	// LastHeartbeat delivers the time of the most recent ping or pong
	// received from the peer.
	LastHeartbeat() time.Time
}

type sesImpl struct {
	cfg    *Config
	t      transport.Transport
	fr     *codec.FrameReader
	fw     *codec.FrameWriter
	result *HandshakeResult
	trace  *SessionTrace
	clock  clockwork.Clock

	// bufMu guards the buffers; Close may drop them from another
	// goroutine while a receive is pending.
	bufMu   sync.Mutex
	buffers *frameBuffers

	state   atomic.Int32
	failure error

	lastHeartbeat time.Time
	controlWindow []time.Time

	// Correlation slots for the in-flight control exchange.
	awaitNonce   string
	pongSeen     bool
	awaitingAck  bool
	shutdownAckd bool

	target string
}

var _ Session = (*sesImpl)(nil)

func (s *sesImpl) State() State {
	return State(s.state.Load())
}

func (s *sesImpl) setState(st State) {
	s.state.Store(int32(st))
}

func (s *sesImpl) Channels() []common.Channel {
	return append([]common.Channel(nil), s.result.Channels...)
}

func (s *sesImpl) PeerCapabilities() map[string]string {
	return s.result.Capabilities
}

func (s *sesImpl) TakeAuthToken() []byte {
	return s.result.TakeAuthToken()
}

func (s *sesImpl) PeerCredentials() (*transport.PeerCredentials, error) {
	if c, ok := s.t.(transport.Credentialer); ok {
		return c.PeerCredentials()
	}
	return nil, transport.ErrCredentialsUnsupported
}

func (s *sesImpl) LastHeartbeat() time.Time {
	return s.lastHeartbeat
}

func (s *sesImpl) Send(channel common.Channel, payload []byte) error {
	if st := s.State(); st != StateReady {
		return errors.Wrapf(common.ErrDisconnected, "send in state %s", st)
	}
	if channel == common.ChannelControl || !s.result.Accepted(channel) {
		return errors.Wrapf(common.ErrUnsupportedChannel, "channel %d", channel)
	}
	if err := s.validateOutbound(channel, payload); err != nil {
		return err
	}

	if err := s.fw.WriteFrame(channel, payload); err != nil {
		return s.writeError(err)
	}
	s.trace.FrameWritten(channel, len(payload))
	return nil
}

func (s *sesImpl) Recv() (common.Channel, []byte, error) {
	return s.recvMatching(func(common.Channel) bool { return true })
}

func (s *sesImpl) RecvOn(channel common.Channel) ([]byte, error) {
	if channel == common.ChannelControl || !s.result.Accepted(channel) {
		return nil, errors.Wrapf(common.ErrUnsupportedChannel, "channel %d", channel)
	}
	_, payload, err := s.recvMatching(func(c common.Channel) bool { return c == channel })
	return payload, err
}

func (s *sesImpl) Request(channel common.Channel, payload []byte) ([]byte, error) {
	if err := s.Send(channel, payload); err != nil {
		return nil, err
	}
	return s.RecvOn(channel)
}

// recvMatching is the ingress loop: drain buffered frames matching the
// predicate, then read from the stream; CONTROL frames are handled and
// the loop continues, matching frames are delivered, everything else is
// buffered.
func (s *sesImpl) recvMatching(match func(common.Channel) bool) (common.Channel, []byte, error) {
	for {
		if st := s.State(); st != StateReady {
			return 0, nil, s.terminalError(st)
		}

		s.bufMu.Lock()
		channel, payload, ok := s.buffers.popMatch(match)
		s.bufMu.Unlock()
		if ok {
			return s.deliver(channel, payload)
		}

		channel, payload, matched, err := s.pumpOnce(match)
		if err != nil {
			return 0, nil, err
		}
		if matched {
			return s.deliver(channel, payload)
		}
	}
}

// pumpOnce reads one frame and dispatches it. CONTROL frames feed the
// control-plane handler; application frames are either returned (matched)
// or buffered.
func (s *sesImpl) pumpOnce(match func(common.Channel) bool) (common.Channel, []byte, bool, error) {
	channel, payload, err := s.fr.ReadFrame()
	if err != nil {
		return 0, nil, false, s.readError(err)
	}
	s.trace.FrameRead(channel, len(payload))

	if channel == common.ChannelControl {
		if err := s.handleControl(payload); err != nil {
			return 0, nil, false, err
		}
		return 0, nil, false, nil
	}

	if !s.result.Accepted(channel) {
		return 0, nil, false, s.fail(&common.ProtocolError{
			Violation: common.ViolationUnnegotiatedChannel,
			Channel:   channel,
		})
	}

	if match(channel) {
		return channel, append([]byte(nil), payload...), true, nil
	}

	s.bufMu.Lock()
	err = s.buffers.push(channel, payload)
	channelBytes, totalBytes := s.buffers.bytesFor(channel), s.buffers.total()
	s.bufMu.Unlock()
	if err != nil {
		return 0, nil, false, s.fail(err)
	}
	s.trace.FrameBuffered(channel, len(payload), channelBytes, totalBytes)
	return 0, nil, false, nil
}

// terminalError renders the terminal condition a poisoned or closed
// session surfaces for application operations.
func (s *sesImpl) terminalError(st State) error {
	if st == StateFailed && s.failure != nil {
		return errors.Wrapf(common.ErrDisconnected, "session failed: %v", s.failure)
	}
	return errors.Wrapf(common.ErrDisconnected, "recv in state %s", st)
}

// deliver applies receive-side validation just before a frame reaches the
// application. An invalid frame is dropped and the error surfaced; the
// session survives.
func (s *sesImpl) deliver(channel common.Channel, payload []byte) (common.Channel, []byte, error) {
	registry := s.cfg.Registry
	if registry != nil && registry.Config().ValidateOnRecv {
		if err := registry.Validate(channel, payload); err != nil {
			s.trace.Error("validating inbound frame", s.target, err)
			return 0, nil, err
		}
	}
	return channel, payload, nil
}

func (s *sesImpl) validateOutbound(channel common.Channel, payload []byte) error {
	registry := s.cfg.Registry
	if registry == nil || !registry.Config().ValidateOnSend {
		return nil
	}
	return registry.Validate(channel, payload)
}

// readError maps a stream read failure. Timeouts pass through for the
// caller to retry at a higher level; stream exhaustion becomes
// disconnection; framing errors poison the session.
func (s *sesImpl) readError(err error) error {
	if common.IsTimeout(err) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		s.moveToClosed()
		return errors.Wrap(common.ErrDisconnected, err.Error())
	}

	var tooLarge *codec.FrameTooLargeError
	if errors.Is(err, codec.ErrBadMagic) || errors.As(err, &tooLarge) {
		return s.fail(err)
	}

	// Remaining IO errors poison the session. A read unblocked by a
	// concurrent Close finds the session already closed and leaves it so.
	_ = s.fail(err)
	return errors.Wrap(common.ErrDisconnected, err.Error())
}

// writeError maps a stream write failure. Invalid-argument encode errors
// are the caller's to fix; transport errors poison the session.
func (s *sesImpl) writeError(err error) error {
	var tooLarge *codec.FrameTooLargeError
	if errors.Is(err, codec.ErrPayloadTooLarge) || errors.As(err, &tooLarge) {
		return err
	}
	if common.IsTimeout(err) {
		return err
	}
	return s.fail(err)
}

// fail poisons the session: the state becomes failed, the stream is
// closed, and only terminal errors surface afterwards.
func (s *sesImpl) fail(err error) error {
	if st := s.State(); st == StateClosed || st == StateFailed {
		return err
	}
	s.failure = err
	s.setState(StateFailed)
	s.trace.Error("session failed", s.target, err)
	closeErr := s.t.Close()
	s.trace.ConnectionClosed(s.target, closeErr)
	s.dropBuffers()
	return err
}

func (s *sesImpl) dropBuffers() {
	s.bufMu.Lock()
	s.buffers.drop()
	s.bufMu.Unlock()
}

// moveToClosed releases the stream without recording a failure.
func (s *sesImpl) moveToClosed() {
	if st := s.State(); st == StateClosed || st == StateFailed {
		return
	}
	s.setState(StateClosed)
	err := s.t.Close()
	s.trace.ConnectionClosed(s.target, err)
	s.dropBuffers()
}

func (s *sesImpl) Close() error {
	s.moveToClosed()
	return nil
}
