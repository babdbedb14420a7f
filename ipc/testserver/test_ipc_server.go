package testserver

import (
	"context"
	"os"
	"path/filepath"

	assert "github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/ipcprims/ipc/common"
	"github.com/3leaps/ipcprims/ipc/session"
)

// An in-repo IPC server for exercising the session layer over a real
// endpoint. The default handler echoes every application frame back on
// its channel; tests can install custom handlers to script peer
// behaviour (silence, misbehaviour, targeted replies).

// Handler handles one negotiated server session.
type Handler interface {
	Handle(t assert.TestingT, s session.Session)
}

// HandlerFactory delivers a Handler per accepted session.
type HandlerFactory func(t assert.TestingT) Handler

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(t assert.TestingT, s session.Session)

// Handle calls the wrapped function.
func (f HandlerFunc) Handle(t assert.TestingT, s session.Session) {
	f(t, s)
}

// IPCServer represents a test IPC server listening on a temporary
// endpoint.
type IPCServer struct {
	listener *session.Listener
	group    *errgroup.Group
}

// NewIPCServer delivers a test server with a handler that echoes every
// frame back on the channel it arrived on.
func NewIPCServer(t assert.TestingT, cfg *session.Config) *IPCServer {
	return NewIPCServerHandler(t, cfg, func(assert.TestingT) Handler {
		return HandlerFunc(echo)
	})
}

// NewIPCServerHandler delivers a test server with a custom session
// handler.
func NewIPCServerHandler(t assert.TestingT, cfg *session.Config, factory HandlerFactory) *IPCServer {
	dir, err := os.MkdirTemp("", "ipcprims-test")
	assert.NoError(t, err, "Temp dir failed")

	listener, err := session.Listen(context.Background(), filepath.Join(dir, "test.sock"), cfg)
	assert.NoError(t, err, "Listen failed")

	srv := &IPCServer{listener: listener, group: &errgroup.Group{}}
	srv.group.Go(func() error {
		acceptSessions(t, listener, factory)
		return nil
	})
	return srv
}

// Path delivers the endpoint path on which the server is listening.
func (ts *IPCServer) Path() string {
	return ts.listener.Path()
}

// Close closes any resources used by the server.
func (ts *IPCServer) Close() {
	_ = ts.listener.Close()
	_ = ts.group.Wait()
}

func acceptSessions(t assert.TestingT, listener *session.Listener, factory HandlerFactory) {
	serve := &errgroup.Group{}
	defer func() { _ = serve.Wait() }()

	for {
		s, err := listener.Accept()
		if err != nil {
			// Listener closed.
			return
		}
		handler := factory(t)
		serve.Go(func() error {
			defer s.Close()
			handler.Handle(t, s)
			return nil
		})
	}
}

// echo returns every application frame to its sender until the session
// ends.
func echo(_ assert.TestingT, s session.Session) {
	for {
		channel, payload, err := s.Recv()
		if err != nil {
			return
		}
		if err := s.Send(channel, payload); err != nil {
			return
		}
	}
}

// RecvOnThenReply delivers a handler factory whose sessions wait for one
// frame on the given channel and send the reply back on it, then keep
// echoing.
func RecvOnThenReply(channel common.Channel, reply []byte) HandlerFactory {
	return func(assert.TestingT) Handler {
		return HandlerFunc(func(t assert.TestingT, s session.Session) {
			if _, err := s.RecvOn(channel); err != nil {
				return
			}
			if err := s.Send(channel, reply); err != nil {
				return
			}
			echo(t, s)
		})
	}
}
