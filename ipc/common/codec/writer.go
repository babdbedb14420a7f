package codec

import (
	"io"
	"math"
	"time"

	"github.com/3leaps/ipcprims/ipc/common"
)

// timeoutWriter is the timeout facility a sink may expose.
type timeoutWriter interface {
	SetWriteTimeout(d time.Duration) error
}

// FrameWriter encodes frames onto a blocking byte sink. Frames submitted
// sequentially appear on the wire in submission order; a frame is flushed
// in full before WriteFrame returns. The encode buffer is reused across
// frames.
//
// FrameWriter is not safe for concurrent use.
type FrameWriter struct {
	dst        io.Writer
	maxPayload uint32
	buf        []byte
}

// WriterOption configures a FrameWriter.
type WriterOption func(*FrameWriter)

// WithWriteMaxPayload caps the payload length the writer will encode.
func WithWriteMaxPayload(n uint32) WriterOption {
	return func(w *FrameWriter) {
		w.maxPayload = n
	}
}

// NewFrameWriter creates a FrameWriter over dst, configured with any
// options provided. The default payload cap is DefaultMaxPayload.
func NewFrameWriter(dst io.Writer, options ...WriterOption) *FrameWriter {
	w := &FrameWriter{
		dst:        dst,
		maxPayload: DefaultMaxPayload,
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// MaxPayload delivers the current payload cap.
func (w *FrameWriter) MaxPayload() uint32 {
	return w.maxPayload
}

// SetMaxPayload reconfigures the payload cap, mirroring the reader-side
// reconfiguration at the handshake-to-ready transition.
func (w *FrameWriter) SetMaxPayload(n uint32) {
	w.maxPayload = n
}

// SetWriteTimeout delegates to the sink's timeout facility. Sinks without
// one yield ErrTimeoutUnsupported.
func (w *FrameWriter) SetWriteTimeout(d time.Duration) error {
	tw, ok := w.dst.(timeoutWriter)
	if !ok {
		return ErrTimeoutUnsupported
	}
	return tw.SetWriteTimeout(d)
}

// WriteFrame encodes one frame and writes it to the sink, retrying
// partial writes until every byte is flushed or an IO error occurs.
func (w *FrameWriter) WriteFrame(channel common.Channel, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return ErrPayloadTooLarge
	}
	if uint64(len(payload)) > uint64(w.maxPayload) {
		return &FrameTooLargeError{Length: uint32(len(payload)), Max: w.maxPayload}
	}

	var err error
	w.buf, err = AppendFrame(w.buf[:0], channel, payload)
	if err != nil {
		return err
	}

	for off := 0; off < len(w.buf); {
		n, err := w.dst.Write(w.buf[off:])
		off += n
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}
