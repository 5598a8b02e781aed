package nsq

import (
	"errors"
	"time"
)

// EventHandler receives connection lifecycle events.
type EventHandler func(conn *Conn, event error)

// Sentinel events for connection lifecycle - check with errors.Is().
var (
	// ErrConnected is emitted after every successful handshake.
	ErrConnected = errors.New("connected")

	// ErrConnectionLost is emitted when the live socket fails.
	ErrConnectionLost = errors.New("connection lost")

	// ErrReconnecting is emitted before each reconnect attempt.
	ErrReconnecting = errors.New("reconnecting")

	// ErrErrorFrame is emitted when nsqd sends an error frame.
	ErrErrorFrame = errors.New("error frame")
)

// Sentinel errors for the wire protocol - check with errors.Is().
var (
	// ErrTransportClosed is returned when the stream ends before a frame is complete.
	ErrTransportClosed = errors.New("nsq: transport closed")

	// ErrProtocolViolation is returned when nsqd sends something the protocol does not allow.
	ErrProtocolViolation = errors.New("nsq: protocol violation")

	// ErrInvalidFrameSize is returned when a frame declares a size smaller than its type field.
	ErrInvalidFrameSize = errors.New("nsq: invalid frame size")

	// ErrFrameTooLarge is returned when a frame exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("nsq: frame exceeds maximum size")

	// ErrUnknownFrameType is returned for frame types other than result, error and message.
	ErrUnknownFrameType = errors.New("nsq: unknown frame type")

	// ErrInvalidMessage is returned when a message frame is too short to decode.
	ErrInvalidMessage = errors.New("nsq: invalid message")

	// ErrAuthRequired is returned when nsqd requires AUTH, which is not supported.
	ErrAuthRequired = errors.New("nsq: authorization required but not supported")
)

// Sentinel errors for operations - check with errors.Is().
var (
	// ErrClosed is returned when an operation is attempted on a closed connection.
	ErrClosed = errors.New("nsq: connection closed")

	// ErrInvalidTopic is returned when a topic name is invalid.
	ErrInvalidTopic = errors.New("nsq: invalid topic name")

	// ErrInvalidChannel is returned when a channel name is invalid.
	ErrInvalidChannel = errors.New("nsq: invalid channel name")

	// ErrNoHandler is returned when Connect is called without a message handler.
	ErrNoHandler = errors.New("nsq: message handler is required")

	// ErrNoEndpoint is returned when neither an endpoint nor a resolver is configured.
	ErrNoEndpoint = errors.New("nsq: no endpoint configured")

	// ErrHeartbeatFailed is the cause reported in ConnectionLostError when the
	// NOP answering a heartbeat could not be written. The connection reconnects.
	ErrHeartbeatFailed = errors.New("nsq: heartbeat response failed")

	errStaleGeneration = errors.New("nsq: connection generation changed")
)

// HandshakeError reports a handshake failure that disposed the connection.
// Extract with errors.As().
type HandshakeError struct {
	Cause error
}

func (e *HandshakeError) Error() string {
	return "handshake failed: " + e.Cause.Error()
}

func (e *HandshakeError) Unwrap() error { return e.Cause }

// NewHandshakeError creates a new HandshakeError.
func NewHandshakeError(cause error) *HandshakeError {
	return &HandshakeError{Cause: cause}
}

// ConnectedEvent contains details about a successful handshake.
// Extract with errors.As().
type ConnectedEvent struct {
	err        error
	Generation uint64
	Identify   *IdentifyResponse
}

func (e *ConnectedEvent) Error() string { return e.err.Error() }
func (e *ConnectedEvent) Unwrap() error { return e.err }

// NewConnectedEvent creates a new ConnectedEvent.
func NewConnectedEvent(generation uint64, identify *IdentifyResponse) *ConnectedEvent {
	return &ConnectedEvent{
		err:        ErrConnected,
		Generation: generation,
		Identify:   identify,
	}
}

// ConnectionLostError contains details about an unexpected socket failure.
// Extract with errors.As().
type ConnectionLostError struct {
	err        error
	Generation uint64
	Cause      error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause != nil {
		return "connection lost: " + e.Cause.Error()
	}
	return "connection lost"
}

func (e *ConnectionLostError) Unwrap() error { return e.err }

// NewConnectionLostError creates a new ConnectionLostError.
func NewConnectionLostError(generation uint64, cause error) *ConnectionLostError {
	return &ConnectionLostError{
		err:        ErrConnectionLost,
		Generation: generation,
		Cause:      cause,
	}
}

// ReconnectEvent contains details about a reconnect attempt.
// Extract with errors.As().
type ReconnectEvent struct {
	err     error
	Attempt int
	Delay   time.Duration
}

func (e *ReconnectEvent) Error() string { return e.err.Error() }
func (e *ReconnectEvent) Unwrap() error { return e.err }

// NewReconnectEvent creates a new ReconnectEvent.
func NewReconnectEvent(attempt int, delay time.Duration) *ReconnectEvent {
	return &ReconnectEvent{
		err:     ErrReconnecting,
		Attempt: attempt,
		Delay:   delay,
	}
}

// ErrorFrameEvent carries the payload of an error frame sent by nsqd,
// for example "E_FIN_FAILED FIN 0a1b... failed".
// Extract with errors.As().
type ErrorFrameEvent struct {
	err     error
	Payload string
}

func (e *ErrorFrameEvent) Error() string {
	return "error frame: " + e.Payload
}

func (e *ErrorFrameEvent) Unwrap() error { return e.err }

// Code returns the leading error code of the payload, such as "E_INVALID".
func (e *ErrorFrameEvent) Code() string {
	for i := 0; i < len(e.Payload); i++ {
		if e.Payload[i] == ' ' {
			return e.Payload[:i]
		}
	}
	return e.Payload
}

// NewErrorFrameEvent creates a new ErrorFrameEvent.
func NewErrorFrameEvent(payload []byte) *ErrorFrameEvent {
	return &ErrorFrameEvent{
		err:     ErrErrorFrame,
		Payload: string(payload),
	}
}
