// Package wire implements the AMQP 0-9-1 frame envelope and the
// connection-class method codec used during handshake. Everything
// past the handshake is forwarded as opaque bytes; this package never
// interprets channel, exchange, queue, or basic methods.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame types, AMQP 0-9-1 §2.3.5.
const (
	FrameMethod    byte = 1
	FrameHeader    byte = 2
	FrameBody      byte = 3
	FrameHeartbeat byte = 8
)

// FrameEnd is the mandatory sentinel octet terminating every frame.
const FrameEnd byte = 0xCE

// FrameHeaderSize is the fixed 7-byte prefix before the payload.
const FrameHeaderSize = 7

// DefaultMaxFrameSize is the process-wide default maximum frame size.
const DefaultMaxFrameSize = 150000

var (
	// ErrNeedMoreData indicates the buffer does not yet hold a complete frame.
	ErrNeedMoreData = errors.New("wire: need more data")
	// ErrFrameTooLarge indicates a frame exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
	// ErrMissingFrameEnd indicates the sentinel octet did not match 0xCE.
	ErrMissingFrameEnd = errors.New("wire: missing frame-end octet")
	// ErrOutOfSpace indicates encode was given a buffer too small for the frame.
	ErrOutOfSpace = errors.New("wire: output buffer too small")
)

// Frame is a decoded AMQP frame. Payload is a borrowed slice into the
// buffer that was decoded; callers must not retain it past the
// buffer's lifetime without copying.
type Frame struct {
	Type    byte
	Channel uint16
	Payload []byte
}

// ClassConnection is the AMQP connection class id used during handshake.
const ClassConnection uint16 = 10

// Decode parses one frame from buf starting at offset 0. It returns
// the frame, the number of bytes consumed, and an error. A nil error
// with consumed == len(frame)+footer means a full frame was parsed;
// ErrNeedMoreData means the caller should wait for more bytes before
// retrying; any other error is session-fatal per the decode error kind.
func Decode(buf []byte, maxFrameSize uint32) (Frame, int, error) {
	if len(buf) < FrameHeaderSize {
		return Frame{}, 0, ErrNeedMoreData
	}
	typ := buf[0]
	channel := binary.BigEndian.Uint16(buf[1:3])
	length := binary.BigEndian.Uint32(buf[3:7])

	if maxFrameSize > 0 && length+8 > maxFrameSize {
		return Frame{}, 0, fmt.Errorf("%w: length=%d max=%d", ErrFrameTooLarge, length, maxFrameSize)
	}

	total := FrameHeaderSize + int(length) + 1
	if len(buf) < total {
		return Frame{}, 0, ErrNeedMoreData
	}
	if buf[FrameHeaderSize+int(length)] != FrameEnd {
		return Frame{}, 0, ErrMissingFrameEnd
	}

	f := Frame{
		Type:    typ,
		Channel: channel,
		Payload: buf[FrameHeaderSize : FrameHeaderSize+int(length)],
	}
	return f, total, nil
}

// Encode writes f into out and returns the number of bytes written.
// It fails with ErrOutOfSpace if out cannot hold the frame, or
// ErrFrameTooLarge if the frame exceeds maxFrameSize.
func Encode(f Frame, out []byte, maxFrameSize uint32) (int, error) {
	length := uint32(len(f.Payload))
	if maxFrameSize > 0 && length+8 > maxFrameSize {
		return 0, fmt.Errorf("%w: length=%d max=%d", ErrFrameTooLarge, length, maxFrameSize)
	}
	total := FrameHeaderSize + len(f.Payload) + 1
	if len(out) < total {
		return 0, ErrOutOfSpace
	}
	out[0] = f.Type
	binary.BigEndian.PutUint16(out[1:3], f.Channel)
	binary.BigEndian.PutUint32(out[3:7], length)
	copy(out[FrameHeaderSize:], f.Payload)
	out[FrameHeaderSize+len(f.Payload)] = FrameEnd
	return total, nil
}

// EncodedSize returns the total on-wire size of a frame carrying payloadLen bytes.
func EncodedSize(payloadLen int) int {
	return FrameHeaderSize + payloadLen + 1
}
