//go:build linux

package transport

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// peerCredentials reads SO_PEERCRED from a Unix socket connection.
func peerCredentials(conn net.Conn) (*PeerCredentials, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, ErrCredentialsUnsupported
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, errors.Wrap(err, "accessing socket descriptor")
	}

	var (
		ucred   *unix.Ucred
		sockErr error
	)
	if err := raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, errors.Wrap(err, "reading peer credentials")
	}
	if sockErr != nil {
		return nil, errors.Wrap(sockErr, "reading peer credentials")
	}

	return &PeerCredentials{UID: ucred.Uid, GID: ucred.Gid, PID: ucred.Pid}, nil
}
