package nsq

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType identifies the payload carried by a frame.
type FrameType int32

const (
	// FrameTypeResult carries a response to a command or a heartbeat.
	FrameTypeResult FrameType = 0
	// FrameTypeError carries a protocol level error string.
	FrameTypeError FrameType = 1
	// FrameTypeMessage carries an encoded message.
	FrameTypeMessage FrameType = 2
)

const (
	frameSizeLength = 4
	frameTypeLength = 4

	// MaxFrameSizeDefault is the default limit for incoming frames (matches nsqd --max-msg-size plus headers).
	MaxFrameSizeDefault int32 = 1024*1024 + 64
)

// String returns the string representation of the frame type.
func (t FrameType) String() string {
	switch t {
	case FrameTypeResult:
		return "result"
	case FrameTypeError:
		return "error"
	case FrameTypeMessage:
		return "message"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// Frame is one length-prefixed unit of the wire protocol.
type Frame struct {
	Type FrameType
	Data []byte
}

// Size returns the value of the frame's length prefix: type field plus payload.
func (f *Frame) Size() int32 {
	return int32(frameTypeLength + len(f.Data))
}

// ReadFrame reads a complete frame from the reader.
// If maxSize is greater than 0, frames larger than maxSize return ErrFrameTooLarge.
// A stream that ends before the frame is complete yields an error wrapping ErrTransportClosed.
func ReadFrame(r io.Reader, maxSize int32) (*Frame, error) {
	var header [frameSizeLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, transportError(err)
	}

	size := int32(binary.BigEndian.Uint32(header[:]))
	if size < frameTypeLength {
		return nil, fmt.Errorf("%w: %w: %d", ErrProtocolViolation, ErrInvalidFrameSize, size)
	}
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("%w: %w: %d > %d", ErrProtocolViolation, ErrFrameTooLarge, size, maxSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, transportError(err)
	}

	return &Frame{
		Type: FrameType(binary.BigEndian.Uint32(body[:frameTypeLength])),
		Data: body[frameTypeLength:],
	}, nil
}

// WriteFrame writes a frame to the writer.
func WriteFrame(w io.Writer, f *Frame) (int, error) {
	buf := make([]byte, frameSizeLength+frameTypeLength+len(f.Data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(f.Size()))
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.Type))
	copy(buf[8:], f.Data)
	return w.Write(buf)
}

// transportError marks end-of-stream conditions so callers can tell them apart
// from protocol violations. Other IO errors are returned unchanged.
func transportError(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}
	return err
}
