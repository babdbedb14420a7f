package session

import (
	"context"
	"time"

	"github.com/imdario/mergo"
	"github.com/jonboulle/clockwork"

	"github.com/3leaps/ipcprims/ipc/common/codec"
	"github.com/3leaps/ipcprims/ipc/transport"
)

// Defines factory methods for establishing negotiated sessions over a
// transport, and a listener that accepts and handshakes server peers.

// NewClientSession performs the client side of the handshake over the
// supplied transport and delivers a ready session. The transport is
// closed when the handshake fails.
func NewClientSession(ctx context.Context, t transport.Transport, cfg *Config) (Session, error) {
	return newSession(ctx, t, cfg, "client", clientHandshake)
}

// NewServerSession performs the server side of the handshake over the
// supplied transport and delivers a ready session. The transport is
// closed when the handshake fails.
func NewServerSession(ctx context.Context, t transport.Transport, cfg *Config) (Session, error) {
	return newSession(ctx, t, cfg, "server", serverHandshake)
}

type handshakeFn func(*codec.FrameReader, *codec.FrameWriter, *Config) (*HandshakeResult, error)

func newSession(ctx context.Context, t transport.Transport, cfg *Config, target string, handshake handshakeFn) (Session, error) {
	resolved, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	trace := ContextSessionTrace(ctx)

	// The handshake runs under the reduced pre-auth payload cap.
	fr := codec.NewFrameReader(t, codec.WithMaxPayload(resolved.HandshakeMaxPayload))
	fw := codec.NewFrameWriter(t, codec.WithWriteMaxPayload(resolved.HandshakeMaxPayload))

	handshakeTimeout := time.Duration(resolved.HandshakeTimeoutSecs) * time.Second
	if err := fr.SetReadTimeout(handshakeTimeout); err != nil && err != codec.ErrTimeoutUnsupported {
		_ = t.Close()
		return nil, err
	}

	trace.HandshakeStart(target)
	begin := resolved.Clock.Now()

	result, err := handshake(fr, fw, resolved)
	trace.HandshakeDone(target, result, err, resolved.Clock.Since(begin))
	if err != nil {
		trace.Error("handshake", target, err)
		_ = t.Close()
		return nil, err
	}

	// Negotiated: restore the timeout default and raise the payload caps.
	if err := fr.SetReadTimeout(0); err != nil && err != codec.ErrTimeoutUnsupported {
		_ = t.Close()
		return nil, err
	}
	fr.SetMaxPayload(result.MaxPayload)
	fw.SetMaxPayload(result.MaxPayload)

	s := &sesImpl{
		cfg:     resolved,
		t:       t,
		fr:      fr,
		fw:      fw,
		result:  result,
		trace:   trace,
		clock:   resolved.Clock,
		buffers: newFrameBuffers(resolved.MaxBufferPerChannel, resolved.MaxTotalBufferedBytes),
		target:  target,
	}
	s.setState(StateReady)
	return s, nil
}

// resolveConfig applies defaults to unspecified values.
func resolveConfig(cfg *Config) (*Config, error) {
	resolved := &Config{}
	if cfg != nil {
		*resolved = *cfg
	}
	if err := mergo.Merge(resolved, DefaultConfig); err != nil {
		return nil, err
	}
	if resolved.Clock == nil {
		resolved.Clock = clockwork.NewRealClock()
	}
	return resolved, nil
}

// Dial connects to the endpoint at path and establishes a client session.
func Dial(ctx context.Context, path string, cfg *Config) (Session, error) {
	trace := ContextSessionTrace(ctx)
	trace.ConnectStart(path)

	begin := time.Now()
	t, err := transport.Dial(path)
	trace.ConnectDone(path, err, time.Since(begin))
	if err != nil {
		return nil, err
	}

	return NewClientSession(ctx, t, cfg)
}

// Listener accepts transport connections and handshakes server sessions.
type Listener struct {
	tl  *transport.Listener
	cfg *Config
	ctx context.Context
}

// Listen binds the endpoint at path and delivers a listener that
// handshakes each accepted connection with the supplied configuration.
func Listen(ctx context.Context, path string, cfg *Config, options ...transport.ListenOption) (*Listener, error) {
	tl, err := transport.Listen(path, options...)
	if err != nil {
		return nil, err
	}
	return &Listener{tl: tl, cfg: cfg, ctx: ctx}, nil
}

// Accept blocks for the next connection and performs the server
// handshake on it.
func (l *Listener) Accept() (Session, error) {
	t, err := l.tl.Accept()
	if err != nil {
		return nil, err
	}
	return NewServerSession(l.ctx, t, l.cfg)
}

// Path delivers the endpoint path the listener is bound to.
func (l *Listener) Path() string {
	return l.tl.Path()
}

// Close closes the listener endpoint.
func (l *Listener) Close() error {
	return l.tl.Close()
}
