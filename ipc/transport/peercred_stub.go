//go:build !linux

package transport

import "net"

// peerCredentials is unsupported on this platform.
func peerCredentials(_ net.Conn) (*PeerCredentials, error) {
	return nil, ErrCredentialsUnsupported
}
