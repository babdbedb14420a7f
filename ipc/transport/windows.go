//go:build windows

package transport

import (
	"net"

	"github.com/Microsoft/go-winio"
	"github.com/pkg/errors"
)

// Named pipe transport for Windows, built on go-winio. Pipe security
// descriptors default to the creating user only.

// Listener accepts transport connections on a named pipe.
type Listener struct {
	pl   net.Listener
	path string
}

// Listen creates a named pipe at path (e.g. `\\.\pipe\ipcprims`).
func Listen(path string, options ...ListenOption) (*Listener, error) {
	opts := &listenOptions{mode: defaultSocketMode}
	for _, option := range options {
		option(opts)
	}

	pl, err := winio.ListenPipe(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating named pipe")
	}
	return &Listener{pl: pl, path: path}, nil
}

// Accept blocks until a connection arrives and wraps it as a Transport.
func (l *Listener) Accept() (Transport, error) {
	conn, err := l.pl.Accept()
	if err != nil {
		return nil, errors.Wrap(err, "accepting connection")
	}
	return NewConn(conn), nil
}

// Path delivers the pipe path the listener is bound to.
func (l *Listener) Path() string {
	return l.path
}

// Close closes the listener. The pipe name is released by the OS.
func (l *Listener) Close() error {
	return l.pl.Close()
}

// Dial connects to the named pipe at path.
func Dial(path string) (Transport, error) {
	conn, err := winio.DialPipe(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dialing named pipe")
	}
	return NewConn(conn), nil
}
