package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/3leaps/ipcprims/ipc/common"
)

// The wire format is a fixed 8-byte little-endian header followed by the
// payload:
//
//	offset 0  2 bytes  magic    0x49 0x50 ("IP")
//	offset 2  4 bytes  length   payload byte count, u32 LE
//	offset 6  2 bytes  channel  u16 LE
//	offset 8  ...      payload
//
// The format is frozen for the 0.x line.

const (
	// HeaderSize is the fixed frame header length in bytes.
	HeaderSize = 8

	// DefaultMaxPayload is the payload cap applied to a negotiated session.
	DefaultMaxPayload = 16 << 20

	// HandshakeMaxPayload is the reduced cap applied before a session has
	// authenticated, bounding pre-auth resource usage.
	HandshakeMaxPayload = 16 << 10
)

const (
	magic0 = 0x49
	magic1 = 0x50
)

var (
	// ErrBadMagic reports a frame header that does not start with the
	// protocol magic.
	ErrBadMagic = errors.New("codec: bad frame magic")

	// ErrPayloadTooLarge reports a payload whose length cannot be
	// represented in the 32-bit length field.
	ErrPayloadTooLarge = errors.New("codec: payload exceeds encodable limit")
)

// FrameTooLargeError reports a declared payload length above the
// configured cap. The stream is poisoned; no recovery is possible since
// the payload boundary can no longer be trusted.
type FrameTooLargeError struct {
	Length uint32
	Max    uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("codec: frame payload %d exceeds limit %d", e.Length, e.Max)
}

// IncompleteError reports that the input does not yet hold a whole frame.
// It is not fatal; the caller reads more input and retries.
type IncompleteError struct {
	// Needed is the minimum number of additional bytes required before the
	// decode can progress.
	Needed int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("codec: incomplete frame: need %d more bytes", e.Needed)
}

// AppendFrame encodes one frame and appends it to dst, returning the
// extended buffer. The encoded length is exactly HeaderSize+len(payload);
// payloads above the 32-bit limit are rejected before any byte is written.
func AppendFrame(dst []byte, channel common.Channel, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return dst, ErrPayloadTooLarge
	}
	var hdr [HeaderSize]byte
	hdr[0] = magic0
	hdr[1] = magic1
	binary.LittleEndian.PutUint32(hdr[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(channel))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...), nil
}

// DecodeFrame parses one frame from the head of b. On success it returns
// the number of bytes consumed, the channel, and the payload as a
// subslice of b. Frames are emitted strictly in on-wire order; the
// decoder never reorders.
func DecodeFrame(b []byte, maxPayload uint32) (consumed int, channel common.Channel, payload []byte, err error) {
	if len(b) < HeaderSize {
		return 0, 0, nil, &IncompleteError{Needed: HeaderSize - len(b)}
	}
	if b[0] != magic0 || b[1] != magic1 {
		return 0, 0, nil, ErrBadMagic
	}
	length := binary.LittleEndian.Uint32(b[2:6])
	if length > maxPayload {
		return 0, 0, nil, &FrameTooLargeError{Length: length, Max: maxPayload}
	}
	channel = common.Channel(binary.LittleEndian.Uint16(b[6:8]))

	total := uint64(HeaderSize) + uint64(length)
	if uint64(len(b)) < total {
		return 0, 0, nil, &IncompleteError{Needed: int(total - uint64(len(b)))}
	}
	return int(total), channel, b[HeaderSize:total:total], nil
}
