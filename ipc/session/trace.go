package session

import (
	"context"
	"time"

	"github.com/imdario/mergo"
	"github.com/sirupsen/logrus"

	"github.com/3leaps/ipcprims/ipc/common"
)

// unique type to prevent assignment.
type sessionEventContextKey struct{}

// ContextSessionTrace returns the SessionTrace associated with the
// provided context. If none, it returns the no-op hooks.
func ContextSessionTrace(ctx context.Context) *SessionTrace {
	trace, _ := ctx.Value(sessionEventContextKey{}).(*SessionTrace)
	if trace == nil {
		trace = NoOpLoggingHooks
	} else {
		_ = mergo.Merge(trace, NoOpLoggingHooks)
	}
	return trace
}

// WithSessionTrace returns a new context based on the provided parent
// ctx. Sessions established with the returned context will use the
// provided trace hooks.
func WithSessionTrace(ctx context.Context, trace *SessionTrace) context.Context {
	return context.WithValue(ctx, sessionEventContextKey{}, trace)
}

// SessionTrace defines a structure for handling trace events.
//
//nolint:golint
type SessionTrace struct {
	// ConnectStart is called when starting to connect to an endpoint.
	ConnectStart func(target string)

	// ConnectDone is called when the transport connection attempt
	// completes, with err indicating whether it was successful.
	ConnectDone func(target string, err error, d time.Duration)

	// HandshakeStart is called before the handshake exchange.
	HandshakeStart func(target string)

	// HandshakeDone is called when the handshake completes. The result
	// renders with token material redacted.
	HandshakeDone func(target string, result *HandshakeResult, err error, d time.Duration)

	// FrameRead is called after a frame has been decoded from the stream.
	FrameRead func(channel common.Channel, size int)

	// FrameWritten is called after a frame has been flushed to the stream.
	FrameWritten func(channel common.Channel, size int)

	// FrameBuffered is called when a frame is queued because a targeted
	// receive is waiting on a different channel.
	FrameBuffered func(channel common.Channel, size, channelBytes, totalBytes int)

	// ControlReceived is called for each CONTROL message handled.
	ControlReceived func(msgType string)

	// PingDone is called after a ping exchange completes.
	PingDone func(nonce string, d time.Duration)

	// ShutdownStart is called before a graceful shutdown exchange.
	ShutdownStart func(target string)

	// ShutdownDone is called after the shutdown exchange, with err
	// indicating whether the peer acknowledged in time.
	ShutdownDone func(target string, err error)

	// ConnectionClosed is called after the transport has been closed.
	ConnectionClosed func(target string, err error)

	// Error is called after an error condition has been detected.
	Error func(context, target string, err error)
}

// DefaultLoggingHooks provides a default logging hook to report errors.
var DefaultLoggingHooks = &SessionTrace{
	Error: func(context, target string, err error) {
		logrus.WithFields(logrus.Fields{"context": context, "target": target}).WithError(err).Error("ipc error")
	},
}

// MetricLoggingHooks provides a set of hooks that will log session metrics.
var MetricLoggingHooks = &SessionTrace{
	ConnectDone: func(target string, err error, d time.Duration) {
		logrus.WithFields(logrus.Fields{"target": target, "err": err, "tookMs": d.Milliseconds()}).Info("ipc connect done")
	},
	HandshakeDone: func(target string, result *HandshakeResult, err error, d time.Duration) {
		logrus.WithFields(logrus.Fields{"target": target, "result": result, "err": err, "tookMs": d.Milliseconds()}).Info("ipc handshake done")
	},
	PingDone: func(nonce string, d time.Duration) {
		logrus.WithFields(logrus.Fields{"nonce": nonce, "rttMs": d.Milliseconds()}).Info("ipc ping done")
	},

	Error: DefaultLoggingHooks.Error,
}

// DiagnosticLoggingHooks provides a set of default diagnostic hooks.
var DiagnosticLoggingHooks = &SessionTrace{
	ConnectStart: func(target string) {
		logrus.WithField("target", target).Debug("ipc connect start")
	},
	ConnectDone: MetricLoggingHooks.ConnectDone,
	HandshakeStart: func(target string) {
		logrus.WithField("target", target).Debug("ipc handshake start")
	},
	HandshakeDone: MetricLoggingHooks.HandshakeDone,
	FrameRead: func(channel common.Channel, size int) {
		logrus.WithFields(logrus.Fields{"channel": channel, "size": size}).Debug("ipc frame read")
	},
	FrameWritten: func(channel common.Channel, size int) {
		logrus.WithFields(logrus.Fields{"channel": channel, "size": size}).Debug("ipc frame written")
	},
	FrameBuffered: func(channel common.Channel, size, channelBytes, totalBytes int) {
		logrus.WithFields(logrus.Fields{
			"channel": channel, "size": size, "channelBytes": channelBytes, "totalBytes": totalBytes,
		}).Debug("ipc frame buffered")
	},
	ControlReceived: func(msgType string) {
		logrus.WithField("type", msgType).Debug("ipc control received")
	},
	PingDone: MetricLoggingHooks.PingDone,
	ShutdownStart: func(target string) {
		logrus.WithField("target", target).Debug("ipc shutdown start")
	},
	ShutdownDone: func(target string, err error) {
		logrus.WithFields(logrus.Fields{"target": target, "err": err}).Debug("ipc shutdown done")
	},
	ConnectionClosed: func(target string, err error) {
		logrus.WithFields(logrus.Fields{"target": target, "err": err}).Debug("ipc connection closed")
	},

	Error: DefaultLoggingHooks.Error,
}

// NoOpLoggingHooks provides a set of hooks that do nothing.
var NoOpLoggingHooks = &SessionTrace{
	ConnectStart:     func(target string) {},
	ConnectDone:      func(target string, err error, d time.Duration) {},
	HandshakeStart:   func(target string) {},
	HandshakeDone:    func(target string, result *HandshakeResult, err error, d time.Duration) {},
	FrameRead:        func(channel common.Channel, size int) {},
	FrameWritten:     func(channel common.Channel, size int) {},
	FrameBuffered:    func(channel common.Channel, size, channelBytes, totalBytes int) {},
	ControlReceived:  func(msgType string) {},
	PingDone:         func(nonce string, d time.Duration) {},
	ShutdownStart:    func(target string) {},
	ShutdownDone:     func(target string, err error) {},
	ConnectionClosed: func(target string, err error) {},
	Error:            func(context, target string, err error) {},
}
