package transport

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// The transport layer provides a blocking byte-stream communication path
// between two local processes. The session layer can run over any
// transport meeting these requirements; Unix domain sockets (POSIX) and
// named pipes (Windows) are provided.

// Transport is the blocking byte stream the session layer runs over.
type Transport interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds each subsequent Read. Expiry surfaces as an IO
	// error satisfying common.IsTimeout. Zero clears the bound.
	SetReadTimeout(d time.Duration) error

	// SetWriteTimeout bounds each subsequent Write.
	SetWriteTimeout(d time.Duration) error
}

// PeerCredentials identifies the process on the other end of a
// connection, where the platform can report it.
type PeerCredentials struct {
	UID uint32
	GID uint32
	PID int32
}

// ErrCredentialsUnsupported reports that the platform or transport cannot
// deliver peer credentials.
var ErrCredentialsUnsupported = errors.New("transport: peer credentials not supported")

// Credentialer is implemented by transports able to report peer
// credentials.
type Credentialer interface {
	PeerCredentials() (*PeerCredentials, error)
}

// Conn adapts a net.Conn to the Transport interface, converting the
// configured timeouts into per-operation deadlines.
type Conn struct {
	conn         net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConn wraps a net.Conn as a Transport.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.conn.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.conn.Write(p)
}

// Close closes the underlying connection. Closing unblocks any pending
// read or write with an error.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// SetReadTimeout bounds each subsequent Read. Zero clears the bound.
func (c *Conn) SetReadTimeout(d time.Duration) error {
	c.readTimeout = d
	if d == 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return nil
}

// SetWriteTimeout bounds each subsequent Write. Zero clears the bound.
func (c *Conn) SetWriteTimeout(d time.Duration) error {
	c.writeTimeout = d
	if d == 0 {
		return c.conn.SetWriteDeadline(time.Time{})
	}
	return nil
}

// PeerCredentials reports the peer process identity where supported.
func (c *Conn) PeerCredentials() (*PeerCredentials, error) {
	return peerCredentials(c.conn)
}
