//go:build !windows

package transport

import (
	"io/fs"
	"net"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// Unix domain socket transport with hardened bind defaults: owner-only
// permissions, stale-socket recovery, and identity-checked unlink on
// close so a replaced path is never removed.

// Listener accepts transport connections on a Unix domain socket path.
type Listener struct {
	ul   *net.UnixListener
	path string

	// Identity of the socket inode recorded at bind time.
	dev uint64
	ino uint64
}

// Listen binds a Unix domain socket at path. A stale socket left by an
// earlier process is unlinked and the bind retried; a non-socket file at
// the path is an error.
func Listen(path string, options ...ListenOption) (*Listener, error) {
	opts := &listenOptions{mode: defaultSocketMode}
	for _, option := range options {
		option(opts)
	}

	ul, err := bind(path)
	if err != nil {
		return nil, err
	}

	// The listener does its own identity-checked unlink on Close.
	ul.SetUnlinkOnClose(false)

	if err := os.Chmod(path, opts.mode); err != nil {
		_ = ul.Close()
		_ = os.Remove(path)
		return nil, errors.Wrap(err, "setting socket mode")
	}

	l := &Listener{ul: ul, path: path}
	if info, err := os.Lstat(path); err == nil {
		l.dev, l.ino = fileIdentity(info)
	}
	return l, nil
}

func bind(path string) (*net.UnixListener, error) {
	addr := &net.UnixAddr{Name: path, Net: "unix"}

	ul, err := net.ListenUnix("unix", addr)
	if err == nil {
		return ul, nil
	}

	// Recover from a stale socket, but never unlink anything else.
	info, statErr := os.Lstat(path)
	if statErr != nil {
		return nil, errors.Wrap(err, "binding socket")
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return nil, errors.Errorf("transport: bind path %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return nil, errors.Wrap(err, "unlinking stale socket")
	}

	ul, err = net.ListenUnix("unix", addr)
	return ul, errors.Wrap(err, "binding socket")
}

// Accept blocks until a connection arrives and wraps it as a Transport.
func (l *Listener) Accept() (Transport, error) {
	conn, err := l.ul.AcceptUnix()
	if err != nil {
		return nil, errors.Wrap(err, "accepting connection")
	}
	return NewConn(conn), nil
}

// Path delivers the socket path the listener is bound to.
func (l *Listener) Path() string {
	return l.path
}

// Close closes the listener and unlinks the socket path, but only when
// the path still carries the identity recorded at bind time. A path that
// has been replaced since is left alone.
func (l *Listener) Close() error {
	err := l.ul.Close()

	info, statErr := os.Lstat(l.path)
	if statErr != nil {
		return err
	}
	dev, ino := fileIdentity(info)
	if dev == l.dev && ino == l.ino {
		_ = os.Remove(l.path)
	}
	return err
}

// Dial connects to the Unix domain socket at path.
func Dial(path string) (Transport, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errors.Wrap(err, "dialing socket")
	}
	return NewConn(conn), nil
}

// fileIdentity extracts the (device, inode) pair identifying a file.
func fileIdentity(info fs.FileInfo) (dev, ino uint64) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Dev), uint64(st.Ino)
	}
	return 0, 0
}
