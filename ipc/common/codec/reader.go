package codec

import (
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/3leaps/ipcprims/ipc/common"
)

// ErrTimeoutUnsupported reports a timeout configuration attempt on a
// stream without a timeout facility.
var ErrTimeoutUnsupported = errors.New("codec: underlying stream does not support timeouts")

// timeoutReader is the timeout facility a source may expose.
type timeoutReader interface {
	SetReadTimeout(d time.Duration) error
}

// FrameReader turns a blocking byte source into a sequence of whole
// frames, tolerating arbitrarily fragmented reads. It maintains a single
// reusable carry buffer; no per-frame allocation occurs once the buffer
// has grown to the session's working size.
//
// FrameReader is not safe for concurrent use.
type FrameReader struct {
	src        io.Reader
	maxPayload uint32

	buf        []byte
	start, end int
}

// ReaderOption configures a FrameReader.
type ReaderOption func(*FrameReader)

// WithMaxPayload caps the payload length the reader will accept.
func WithMaxPayload(n uint32) ReaderOption {
	return func(r *FrameReader) {
		r.maxPayload = n
	}
}

// NewFrameReader creates a FrameReader over src, configured with any
// options provided. The default payload cap is DefaultMaxPayload.
func NewFrameReader(src io.Reader, options ...ReaderOption) *FrameReader {
	r := &FrameReader{
		src:        src,
		maxPayload: DefaultMaxPayload,
		buf:        make([]byte, 4096),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// MaxPayload delivers the current payload cap.
func (r *FrameReader) MaxPayload() uint32 {
	return r.maxPayload
}

// SetMaxPayload reconfigures the payload cap. The handshake engine lowers
// the cap before authentication and restores it on the transition to the
// ready state.
func (r *FrameReader) SetMaxPayload(n uint32) {
	r.maxPayload = n
}

// SetReadTimeout delegates to the source's timeout facility. Sources
// without one yield ErrTimeoutUnsupported. A zero duration clears the
// timeout.
func (r *FrameReader) SetReadTimeout(d time.Duration) error {
	tr, ok := r.src.(timeoutReader)
	if !ok {
		return ErrTimeoutUnsupported
	}
	return tr.SetReadTimeout(d)
}

// ReadFrame blocks until one whole frame is available and returns its
// channel and payload. The payload is a view into the reader's carry
// buffer and is valid only until the next call; callers that retain it
// must copy.
//
// A deadline expiry on the source is surfaced as the source's timeout
// error, never silently retried. EOF with a partial frame in hand is
// reported as io.ErrUnexpectedEOF; EOF on a frame boundary as io.EOF.
func (r *FrameReader) ReadFrame() (common.Channel, []byte, error) {
	for {
		consumed, channel, payload, err := DecodeFrame(r.buf[r.start:r.end], r.maxPayload)
		if err == nil {
			r.start += consumed
			if r.start == r.end {
				r.start, r.end = 0, 0
			}
			return channel, payload, nil
		}

		var incomplete *IncompleteError
		if !errors.As(err, &incomplete) {
			return 0, nil, err
		}

		if err := r.fill(incomplete.Needed); err != nil {
			return 0, nil, err
		}
	}
}

// fill reads from the source until at least needed further bytes are
// buffered.
func (r *FrameReader) fill(needed int) error {
	r.ensure(needed)
	want := r.end + needed
	for r.end < want {
		n, err := r.src.Read(r.buf[r.end:])
		r.end += n
		if r.end >= want {
			// A terminal condition delivered alongside the final bytes is
			// picked up again on the next read.
			break
		}
		if err != nil {
			if err == io.EOF && r.start != r.end {
				return errors.WithStack(io.ErrUnexpectedEOF)
			}
			return err
		}
	}
	return nil
}

// ensure compacts the carry buffer and grows it so that at least needed
// bytes can be appended.
func (r *FrameReader) ensure(needed int) {
	if r.start > 0 {
		copy(r.buf, r.buf[r.start:r.end])
		r.end -= r.start
		r.start = 0
	}
	if want := r.end + needed; want > len(r.buf) {
		grown := make([]byte, want)
		copy(grown, r.buf[:r.end])
		r.buf = grown
	}
}
