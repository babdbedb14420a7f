package transport

import "io/fs"

// defaultSocketMode is the filesystem mode applied to a bound socket
// unless broader access is explicitly opted into. Named pipes manage
// access through security descriptors instead and ignore it.
const defaultSocketMode fs.FileMode = 0o600

// ListenOption configures a Listener.
type ListenOption func(*listenOptions)

type listenOptions struct {
	mode fs.FileMode
}

// WithSocketMode opts into a socket mode broader than the owner-only
// default. It has no effect on named pipes.
func WithSocketMode(mode fs.FileMode) ListenOption {
	return func(o *listenOptions) {
		o.mode = mode
	}
}
