package nsq

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// MagicV2 is sent once on every new socket before any command.
var MagicV2 = []byte("  V2")

// CommandKind tags the variant of a Command.
type CommandKind int

const (
	CommandIdentify CommandKind = iota
	CommandSubscribe
	CommandReady
	CommandNop
	CommandFinish
	CommandRequeue
	CommandTouch
)

// String returns the protocol name of the command.
func (k CommandKind) String() string {
	switch k {
	case CommandIdentify:
		return "IDENTIFY"
	case CommandSubscribe:
		return "SUB"
	case CommandReady:
		return "RDY"
	case CommandNop:
		return "NOP"
	case CommandFinish:
		return "FIN"
	case CommandRequeue:
		return "REQ"
	case CommandTouch:
		return "TOUCH"
	default:
		return "UNKNOWN"
	}
}

// Command is a single protocol command. Commands are plain values:
// building one never touches the network.
type Command struct {
	Kind   CommandKind
	Params [][]byte
	Body   []byte
}

// Identify builds an IDENTIFY command carrying the client configuration as JSON.
func Identify(opts *ConsumerOptions) (*Command, error) {
	body, err := json.Marshal(newIdentifyRequest(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to encode IDENTIFY body: %w", err)
	}
	return &Command{Kind: CommandIdentify, Body: body}, nil
}

// Subscribe builds a SUB command.
func Subscribe(topic Topic, channel Channel) *Command {
	return &Command{
		Kind:   CommandSubscribe,
		Params: [][]byte{[]byte(topic), []byte(channel)},
	}
}

// Ready builds a RDY command announcing how many messages may be in flight.
func Ready(count int) *Command {
	return &Command{
		Kind:   CommandReady,
		Params: [][]byte{strconv.AppendInt(nil, int64(count), 10)},
	}
}

// Nop builds a NOP command, used to answer heartbeats.
func Nop() *Command {
	return &Command{Kind: CommandNop}
}

// Finish builds a FIN command acknowledging a message.
func Finish(id MessageID) *Command {
	return &Command{
		Kind:   CommandFinish,
		Params: [][]byte{id[:]},
	}
}

// Requeue builds a REQ command. The delay is sent in milliseconds.
func Requeue(id MessageID, delay time.Duration) *Command {
	return &Command{
		Kind:   CommandRequeue,
		Params: [][]byte{id[:], strconv.AppendInt(nil, delay.Milliseconds(), 10)},
	}
}

// Touch builds a TOUCH command resetting the server side timeout of a message.
func Touch(id MessageID) *Command {
	return &Command{
		Kind:   CommandTouch,
		Params: [][]byte{id[:]},
	}
}

// String returns the command line without the trailing newline or body.
func (c *Command) String() string {
	if len(c.Params) == 0 {
		return c.Kind.String()
	}
	return c.Kind.String() + " " + string(bytes.Join(c.Params, []byte(" ")))
}

// WriteTo serializes the command: "NAME params...\n", then a 4-byte
// big-endian length and the body when the command carries one.
func (c *Command) WriteTo(w io.Writer) (int64, error) {
	buf := getCommandBuffer()
	defer putCommandBuffer(buf)

	c.encode(buf)
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// Bytes returns the serialized command.
func (c *Command) Bytes() []byte {
	var buf bytes.Buffer
	c.encode(&buf)
	return buf.Bytes()
}

func (c *Command) encode(buf *bytes.Buffer) {
	buf.WriteString(c.Kind.String())
	for _, p := range c.Params {
		buf.WriteByte(' ')
		buf.Write(p)
	}
	buf.WriteByte('\n')

	if c.Body != nil {
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(c.Body)))
		buf.Write(size[:])
		buf.Write(c.Body)
	}
}
