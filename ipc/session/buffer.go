package session

import (
	"fmt"

	"github.com/3leaps/ipcprims/ipc/common"
)

// Per-channel FIFO buffering with a global byte cap. Frames arriving for
// a channel other than the one a targeted receive is waiting on are
// parked here. A single arrival-ordered queue backs both delivery modes:
// Recv pops the head regardless of channel, RecvOn pops the first frame
// for its channel while preserving the order of the rest. Either cap
// tripping is a hard invariant violation that terminates the session.

type bufferedFrame struct {
	channel common.Channel
	payload []byte
}

type frameBuffers struct {
	frames       []bufferedFrame
	channelBytes map[common.Channel]int
	totalBytes   int

	maxPerChannel int
	maxTotal      int
}

func newFrameBuffers(maxPerChannel, maxTotal int) *frameBuffers {
	return &frameBuffers{
		channelBytes:  map[common.Channel]int{},
		maxPerChannel: maxPerChannel,
		maxTotal:      maxTotal,
	}
}

// push copies payload into the buffer for channel. Both caps are checked
// before any state changes; a cap overrun is returned as a protocol
// error and leaves the buffers untouched.
func (b *frameBuffers) push(channel common.Channel, payload []byte) error {
	if b.channelBytes[channel]+len(payload) > b.maxPerChannel {
		return &common.ProtocolError{
			Violation: common.ViolationBufferFull,
			Channel:   channel,
			Detail:    fmt.Sprintf("channel buffer limit %d", b.maxPerChannel),
		}
	}
	if b.totalBytes+len(payload) > b.maxTotal {
		return &common.ProtocolError{
			Violation: common.ViolationBufferFull,
			Channel:   channel,
			Detail:    fmt.Sprintf("total buffer limit %d", b.maxTotal),
		}
	}

	frame := bufferedFrame{channel: channel, payload: append([]byte(nil), payload...)}
	b.frames = append(b.frames, frame)
	b.channelBytes[channel] += len(payload)
	b.totalBytes += len(payload)
	return nil
}

// popMatch removes and returns the oldest buffered frame whose channel
// satisfies match, preserving the relative order of the rest.
func (b *frameBuffers) popMatch(match func(common.Channel) bool) (common.Channel, []byte, bool) {
	for i, frame := range b.frames {
		if !match(frame.channel) {
			continue
		}
		b.frames = append(b.frames[:i], b.frames[i+1:]...)
		b.account(frame)
		return frame.channel, frame.payload, true
	}
	return 0, nil, false
}

// popAny removes and returns the oldest buffered frame on any channel.
func (b *frameBuffers) popAny() (common.Channel, []byte, bool) {
	return b.popMatch(func(common.Channel) bool { return true })
}

// popChannel removes and returns the oldest buffered frame for channel.
func (b *frameBuffers) popChannel(channel common.Channel) ([]byte, bool) {
	_, payload, ok := b.popMatch(func(c common.Channel) bool { return c == channel })
	return payload, ok
}

func (b *frameBuffers) account(frame bufferedFrame) {
	b.channelBytes[frame.channel] -= len(frame.payload)
	b.totalBytes -= len(frame.payload)
}

// bytesFor delivers the buffered byte count for channel.
func (b *frameBuffers) bytesFor(channel common.Channel) int {
	return b.channelBytes[channel]
}

// total delivers the buffered byte count across all channels.
func (b *frameBuffers) total() int {
	return b.totalBytes
}

// drop releases all buffered frames.
func (b *frameBuffers) drop() {
	b.frames = nil
	b.channelBytes = map[common.Channel]int{}
	b.totalBytes = 0
}
