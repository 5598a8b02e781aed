package nsq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

const (
	// MessageIDLength is the length of the hex encoded message id.
	MessageIDLength = 16

	minMessageLength = 8 + 2 + MessageIDLength
)

// MessageID is the hex encoded identifier nsqd assigns to a message.
type MessageID [MessageIDLength]byte

// String returns the id as text.
func (id MessageID) String() string {
	return string(id[:])
}

// responder routes acknowledgements back to the connection a message arrived on.
type responder interface {
	respond(ctx context.Context, cmd *Command, generation uint64) error
	messageResponded(requeued bool)
}

// Message is a single message delivered by nsqd.
// A message is handed to exactly one handler invocation.
type Message struct {
	ID        MessageID
	Timestamp int64
	Attempts  uint16
	Body      []byte

	owner      responder
	generation uint64
	responded  atomic.Bool
}

// DecodeMessage decodes the payload of a message frame:
// Int64 timestamp, UInt16 attempts, 16-byte id, body.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) < minMessageLength {
		return nil, fmt.Errorf("%w: %w: %d bytes", ErrProtocolViolation, ErrInvalidMessage, len(data))
	}

	msg := &Message{
		Timestamp: int64(binary.BigEndian.Uint64(data[0:8])),
		Attempts:  binary.BigEndian.Uint16(data[8:10]),
	}
	copy(msg.ID[:], data[10:10+MessageIDLength])
	msg.Body = data[minMessageLength:]

	return msg, nil
}

// EncodeMessage is the inverse of DecodeMessage.
func EncodeMessage(msg *Message) []byte {
	buf := make([]byte, minMessageLength+len(msg.Body))
	binary.BigEndian.PutUint64(buf[0:8], uint64(msg.Timestamp))
	binary.BigEndian.PutUint16(buf[8:10], msg.Attempts)
	copy(buf[10:10+MessageIDLength], msg.ID[:])
	copy(buf[minMessageLength:], msg.Body)
	return buf
}

// Time returns the time nsqd received the message.
func (m *Message) Time() time.Time {
	return time.Unix(0, m.Timestamp)
}

// HasResponded reports whether Finish or Requeue has been sent.
func (m *Message) HasResponded() bool {
	return m.responded.Load()
}

// Finish acknowledges the message.
// It is a no-op when the message was already finished or requeued, when the
// connection is closed, or when the connection has reconnected since delivery.
func (m *Message) Finish(ctx context.Context) error {
	return m.respond(ctx, Finish(m.ID), false)
}

// Requeue asks nsqd to redeliver the message after delay.
// The same no-op rules as Finish apply.
func (m *Message) Requeue(ctx context.Context, delay time.Duration) error {
	return m.respond(ctx, Requeue(m.ID, delay), true)
}

// Touch resets the server side timeout of the message.
func (m *Message) Touch(ctx context.Context) error {
	if m.owner == nil || m.responded.Load() {
		return nil
	}
	return quiet(m.owner.respond(ctx, Touch(m.ID), m.generation))
}

func (m *Message) respond(ctx context.Context, cmd *Command, requeue bool) error {
	if m.owner == nil {
		return nil
	}
	if !m.responded.CompareAndSwap(false, true) {
		return nil
	}

	err := m.owner.respond(ctx, cmd, m.generation)
	switch {
	case err == nil:
		m.owner.messageResponded(requeue)
		return nil
	case isStale(err):
		return nil
	default:
		m.responded.Store(false)
		return err
	}
}

// isStale reports errors that mean the acknowledgement can no longer matter:
// nsqd has forgotten the message and will redeliver it.
func isStale(err error) bool {
	return errors.Is(err, errStaleGeneration) || errors.Is(err, ErrClosed)
}

// quiet drops stale errors.
func quiet(err error) error {
	if isStale(err) {
		return nil
	}
	return err
}
