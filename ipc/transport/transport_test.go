//go:build !windows

package transport

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"

	"github.com/3leaps/ipcprims/ipc/common"
)

func socketPath(t *testing.T) string {
	t.Helper()
	// Keep well under the sun_path limit.
	dir, err := os.MkdirTemp("", "ipct")
	assert.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "t.sock")
}

func TestListenDialReadWrite(t *testing.T) {
	path := socketPath(t)

	l, err := Listen(path)
	assert.NoError(t, err, "Not expecting listen to fail")
	defer l.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := l.Accept()
		assert.NoError(t, err)
		defer conn.Close()

		buf := make([]byte, 16)
		n, err := conn.Read(buf)
		assert.NoError(t, err)
		_, err = conn.Write(append([]byte("GOT:"), buf[:n]...))
		assert.NoError(t, err)
	}()

	c, err := Dial(path)
	assert.NoError(t, err, "Not expecting dial to fail")
	defer c.Close()

	_, err = c.Write([]byte("Message"))
	assert.NoError(t, err)

	buf := make([]byte, 16)
	n, err := c.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, "GOT:Message", string(buf[:n]))
	<-done
}

func TestListenAppliesOwnerOnlyMode(t *testing.T) {
	path := socketPath(t)

	l, err := Listen(path)
	assert.NoError(t, err)
	defer l.Close()

	info, err := os.Lstat(path)
	assert.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "Socket defaults to owner-only")
}

func TestListenBroaderModeIsExplicit(t *testing.T) {
	path := socketPath(t)

	l, err := Listen(path, WithSocketMode(0o660))
	assert.NoError(t, err)
	defer l.Close()

	info, err := os.Lstat(path)
	assert.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), info.Mode().Perm())
}

func TestListenRecoversStaleSocket(t *testing.T) {
	path := socketPath(t)

	// A socket file nobody is listening on.
	stale, err := net.Listen("unix", path)
	assert.NoError(t, err)
	// Close without unlink so the path stays behind.
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	assert.NoError(t, stale.Close())

	l, err := Listen(path)
	assert.NoError(t, err, "Stale socket should be unlinked and the bind retried")
	defer l.Close()
}

func TestListenRefusesNonSocketPath(t *testing.T) {
	path := socketPath(t)
	assert.NoError(t, os.WriteFile(path, []byte("not a socket"), 0o600))

	_, err := Listen(path)
	assert.Error(t, err, "A non-socket file at the bind path must not be unlinked")

	_, statErr := os.Lstat(path)
	assert.NoError(t, statErr, "The file must still exist")
}

func TestCloseUnlinksOwnSocket(t *testing.T) {
	path := socketPath(t)

	l, err := Listen(path)
	assert.NoError(t, err)
	assert.NoError(t, l.Close())

	_, err = os.Lstat(path)
	assert.True(t, os.IsNotExist(err), "Close should unlink the socket it bound")
}

func TestClosePreservesReplacedPath(t *testing.T) {
	path := socketPath(t)

	l, err := Listen(path)
	assert.NoError(t, err)

	// Replace the path behind the listener's back.
	assert.NoError(t, os.Remove(path))
	assert.NoError(t, os.WriteFile(path, []byte("imposter"), 0o600))

	assert.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	assert.NoError(t, err, "A replaced path must survive listener close")
	assert.Equal(t, "imposter", string(data))
}

func TestReadTimeoutSurfacesAsTimeout(t *testing.T) {
	path := socketPath(t)

	l, err := Listen(path)
	assert.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err == nil {
			defer conn.Close()
			// Hold the connection open without writing.
			time.Sleep(500 * time.Millisecond)
		}
	}()

	c, err := Dial(path)
	assert.NoError(t, err)
	defer c.Close()

	assert.NoError(t, c.SetReadTimeout(50*time.Millisecond))
	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.True(t, common.IsTimeout(err), "Deadline expiry should classify as timeout")
}

func TestPeerCredentials(t *testing.T) {
	path := socketPath(t)

	l, err := Listen(path)
	assert.NoError(t, err)
	defer l.Close()

	accepted := make(chan Transport, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	c, err := Dial(path)
	assert.NoError(t, err)
	defer c.Close()

	server := <-accepted
	defer server.Close()

	creds, err := server.(Credentialer).PeerCredentials()
	if runtime.GOOS != "linux" {
		assert.ErrorIs(t, err, ErrCredentialsUnsupported)
		return
	}

	assert.NoError(t, err)
	assert.Equal(t, uint32(os.Getuid()), creds.UID)
	assert.Equal(t, uint32(os.Getgid()), creds.GID)
	assert.Equal(t, int32(os.Getpid()), creds.PID)
}
