package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/3leaps/ipcprims/ipc/common"
)

// The control plane is a small state machine embedded in the ingress
// loop: drain ingress; if CONTROL, handle and continue; if target
// channel, return; else buffer. Ping and shutdown waits are
// specializations of the same loop peeking at a correlation slot.

// Ping sends a CONTROL ping and blocks until the matching pong arrives,
// returning the round-trip duration. Application frames encountered while
// waiting are buffered; unrelated CONTROL traffic is processed normally.
func (s *sesImpl) Ping() (rtt time.Duration, err error) {
	if st := s.State(); st != StateReady {
		return 0, errors.Wrapf(common.ErrDisconnected, "ping in state %s", st)
	}

	nonce := uuid.NewString()
	start := s.clock.Now()

	ping := &common.PingMessage{Type: common.MsgPing, Nonce: nonce, SentAt: start.UnixNano()}
	if err := s.writeControlFrame(ping); err != nil {
		return 0, err
	}

	s.awaitNonce = nonce
	s.pongSeen = false
	defer func() { s.awaitNonce = "" }()

	none := func(common.Channel) bool { return false }
	for !s.pongSeen {
		if st := s.State(); st != StateReady {
			return 0, errors.Wrapf(common.ErrDisconnected, "ping in state %s", st)
		}
		if _, _, _, err := s.pumpOnce(none); err != nil {
			return 0, err
		}
	}

	rtt = s.clock.Since(start)
	s.trace.PingDone(nonce, rtt)
	return rtt, nil
}

// Shutdown performs the graceful shutdown exchange: send a request, wait
// for the acknowledgement within the configured timeout, then close the
// stream. Without an acknowledgement a force message is sent before
// closing. Idempotent once the session has left the ready state.
func (s *sesImpl) Shutdown() (err error) {
	st := s.State()
	if st == StateShuttingDown || st == StateClosed || st == StateFailed {
		return nil
	}

	s.trace.ShutdownStart(s.target)
	defer func() { s.trace.ShutdownDone(s.target, err) }()

	s.setState(StateShuttingDown)
	if werr := s.writeControlFrame(&common.ShutdownMessage{Type: common.MsgShutdownRequest}); werr != nil {
		s.moveToClosed()
		return nil
	}

	s.awaitingAck = true
	s.shutdownAckd = false
	defer func() { s.awaitingAck = false }()

	timeout := time.Duration(s.cfg.ShutdownTimeoutSecs) * time.Second
	if terr := s.fr.SetReadTimeout(timeout); terr != nil {
		s.trace.Error("configuring shutdown timeout", s.target, terr)
	}
	// Bound the force-close write too; an unresponsive peer may have
	// stopped draining the stream entirely.
	_ = s.fw.SetWriteTimeout(timeout)

	none := func(common.Channel) bool { return false }
	for !s.shutdownAckd {
		if st := s.State(); st == StateClosed || st == StateFailed {
			return nil
		}
		if _, _, _, perr := s.pumpOnce(none); perr != nil {
			if common.IsTimeout(perr) {
				_ = s.writeControlFrame(&common.ShutdownMessage{Type: common.MsgShutdownForce})
				s.moveToClosed()
				return common.ErrShutdownFailed
			}
			s.moveToClosed()
			return nil
		}
	}

	s.moveToClosed()
	return nil
}

// handleControl dispatches one inbound CONTROL payload. It is invoked
// from the ingress loop; CONTROL traffic never reaches the application.
func (s *sesImpl) handleControl(payload []byte) error {
	msgType, err := common.ControlType(payload)
	if err != nil {
		return s.fail(&common.ProtocolError{
			Violation: common.ViolationMalformedControl,
			Detail:    err.Error(),
		})
	}
	s.trace.ControlReceived(msgType)

	switch msgType {
	case common.MsgPing:
		return s.handlePing(payload)

	case common.MsgPong:
		return s.handlePong(payload)

	case common.MsgShutdownRequest:
		if err := s.recordControl(); err != nil {
			return err
		}
		_ = s.writeControlFrame(&common.ShutdownMessage{Type: common.MsgShutdownAck})
		s.setState(StateShuttingDown)
		return nil

	case common.MsgShutdownAck:
		if s.awaitingAck {
			s.shutdownAckd = true
			return nil
		}
		// Unsolicited ack; drop, but hold it against the flood budget.
		return s.recordControl()

	case common.MsgShutdownForce:
		s.moveToClosed()
		return errors.Wrap(common.ErrDisconnected, "peer forced shutdown")

	default:
		// Handshake messages after negotiation included.
		return s.fail(&common.ProtocolError{
			Violation: common.ViolationMalformedControl,
			Detail:    fmt.Sprintf("unexpected %s message", msgType),
		})
	}
}

func (s *sesImpl) handlePing(payload []byte) error {
	if err := s.recordControl(); err != nil {
		return err
	}
	var ping common.PingMessage
	if err := common.DecodeControl(payload, &ping); err != nil {
		return s.fail(&common.ProtocolError{
			Violation: common.ViolationMalformedControl,
			Detail:    err.Error(),
		})
	}
	s.lastHeartbeat = s.clock.Now()
	pong := &common.PongMessage{Type: common.MsgPong, Nonce: ping.Nonce}
	return s.writeControlFrame(pong)
}

func (s *sesImpl) handlePong(payload []byte) error {
	var pong common.PongMessage
	if err := common.DecodeControl(payload, &pong); err != nil {
		return s.fail(&common.ProtocolError{
			Violation: common.ViolationMalformedControl,
			Detail:    err.Error(),
		})
	}
	s.lastHeartbeat = s.clock.Now()
	if s.awaitNonce != "" && pong.Nonce == s.awaitNonce {
		// Solicited; does not count against the flood budget.
		s.pongSeen = true
		return nil
	}
	// Unmatched pongs are dropped.
	return s.recordControl()
}

// recordControl accounts one unsolicited CONTROL frame against the
// sliding flood window. Overrunning the window terminates the session;
// adversarial CONTROL bursts must not consume the process.
func (s *sesImpl) recordControl() error {
	now := s.clock.Now()
	window := time.Duration(s.cfg.ControlFloodWindowSecs) * time.Second

	keep := s.controlWindow[:0]
	for _, t := range s.controlWindow {
		if now.Sub(t) < window {
			keep = append(keep, t)
		}
	}
	s.controlWindow = append(keep, now)

	if len(s.controlWindow) > s.cfg.ControlFloodLimit {
		return s.fail(&common.ProtocolError{
			Violation: common.ViolationControlFlood,
			Detail:    fmt.Sprintf("%d control frames within %s", len(s.controlWindow), window),
		})
	}
	return nil
}

// writeControlFrame encodes and writes one CONTROL message.
func (s *sesImpl) writeControlFrame(msg interface{}) error {
	payload, err := common.EncodeControl(msg)
	if err != nil {
		return err
	}
	if err := s.fw.WriteFrame(common.ChannelControl, payload); err != nil {
		return s.writeError(err)
	}
	s.trace.FrameWritten(common.ChannelControl, len(payload))
	return nil
}
