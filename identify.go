package nsq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Version is the library version reported in the IDENTIFY user agent.
const Version = "1.0.0"

// ConsumerOptions holds the client identity sent to nsqd in IDENTIFY.
// Connect takes a copy, so later changes do not affect a running connection.
type ConsumerOptions struct {
	ClientID  string
	Hostname  string
	UserAgent string

	// HeartbeatInterval asks nsqd for this heartbeat period. Zero keeps the server default.
	HeartbeatInterval time.Duration

	// OutputBufferSize and OutputBufferTimeout tune nsqd's per-client write buffering.
	OutputBufferSize    int
	OutputBufferTimeout time.Duration

	// SampleRate asks nsqd to deliver only this percentage (0..99) of messages. Zero disables sampling.
	SampleRate int

	// MsgTimeout overrides the server side message timeout for this client.
	MsgTimeout time.Duration

	// MaxInFlight is the RDY count sent after SUB. Zero sends nothing until SetMaxInFlight is called.
	MaxInFlight int

	// Fields populated by ParseConsumerOptions only.
	Topic   Topic
	Channel Channel
	Nsqd    []Endpoint
	Lookupd []string
}

// DefaultConsumerOptions returns options with sensible defaults.
func DefaultConsumerOptions() ConsumerOptions {
	hostname, _ := os.Hostname()
	clientID := hostname
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		clientID = hostname[:i]
	}

	return ConsumerOptions{
		ClientID:          clientID,
		Hostname:          hostname,
		UserAgent:         "vitalvas-nsq/" + Version,
		HeartbeatInterval: 30 * time.Second,
	}
}

// ParseConsumerOptions parses a connection string such as
// "nsqd=127.0.0.1:4150;topic=foo;channel=bar;maxInFlight=100".
// Keys are case-insensitive; nsqd and lookupd may repeat.
func ParseConsumerOptions(s string) (ConsumerOptions, error) {
	opts := DefaultConsumerOptions()

	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return ConsumerOptions{}, fmt.Errorf("invalid option %q: expected key=value", part)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		if err := opts.set(key, value); err != nil {
			return ConsumerOptions{}, err
		}
	}

	return opts, nil
}

func (o *ConsumerOptions) set(key, value string) error {
	switch key {
	case "nsqd":
		ep, err := ParseEndpoint(value)
		if err != nil {
			return err
		}
		o.Nsqd = append(o.Nsqd, ep)
	case "lookupd":
		o.Lookupd = append(o.Lookupd, value)
	case "topic":
		o.Topic = Topic(value)
		return o.Topic.Validate()
	case "channel":
		o.Channel = Channel(value)
		return o.Channel.Validate()
	case "clientid":
		o.ClientID = value
	case "hostname":
		o.Hostname = value
	case "useragent":
		o.UserAgent = value
	case "maxinflight":
		n, err := parseNonNegative(key, value)
		if err != nil {
			return err
		}
		o.MaxInFlight = n
	case "heartbeatintervalms":
		n, err := parseNonNegative(key, value)
		if err != nil {
			return err
		}
		o.HeartbeatInterval = time.Duration(n) * time.Millisecond
	case "msgtimeoutms":
		n, err := parseNonNegative(key, value)
		if err != nil {
			return err
		}
		o.MsgTimeout = time.Duration(n) * time.Millisecond
	case "samplerate":
		n, err := parseNonNegative(key, value)
		if err != nil {
			return err
		}
		if n > 99 {
			return fmt.Errorf("invalid samplerate %d: must be 0..99", n)
		}
		o.SampleRate = n
	default:
		return fmt.Errorf("unknown option %q", key)
	}
	return nil
}

func parseNonNegative(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a non-negative integer", key, value)
	}
	return n, nil
}

// identifyRequest is the JSON body of IDENTIFY.
type identifyRequest struct {
	ClientID            string `json:"client_id"`
	Hostname            string `json:"hostname"`
	UserAgent           string `json:"user_agent"`
	FeatureNegotiation  bool   `json:"feature_negotiation"`
	HeartbeatInterval   int64  `json:"heartbeat_interval,omitempty"`
	OutputBufferSize    int    `json:"output_buffer_size,omitempty"`
	OutputBufferTimeout int64  `json:"output_buffer_timeout,omitempty"`
	SampleRate          int    `json:"sample_rate,omitempty"`
	MsgTimeout          int64  `json:"msg_timeout,omitempty"`
	TLSv1               bool   `json:"tls_v1"`
	Snappy              bool   `json:"snappy"`
	Deflate             bool   `json:"deflate"`
}

func newIdentifyRequest(o *ConsumerOptions) identifyRequest {
	return identifyRequest{
		ClientID:            o.ClientID,
		Hostname:            o.Hostname,
		UserAgent:           o.UserAgent,
		FeatureNegotiation:  true,
		HeartbeatInterval:   o.HeartbeatInterval.Milliseconds(),
		OutputBufferSize:    o.OutputBufferSize,
		OutputBufferTimeout: o.OutputBufferTimeout.Milliseconds(),
		SampleRate:          o.SampleRate,
		MsgTimeout:          o.MsgTimeout.Milliseconds(),
	}
}

// IdentifyResponse is nsqd's answer to IDENTIFY when feature negotiation is enabled.
type IdentifyResponse struct {
	MaxRdyCount         int64  `json:"max_rdy_count"`
	Version             string `json:"version"`
	MaxMsgTimeout       int64  `json:"max_msg_timeout"`
	MsgTimeout          int64  `json:"msg_timeout"`
	TLSv1               bool   `json:"tls_v1"`
	Deflate             bool   `json:"deflate"`
	DeflateLevel        int    `json:"deflate_level"`
	MaxDeflateLevel     int    `json:"max_deflate_level"`
	Snappy              bool   `json:"snappy"`
	SampleRate          int    `json:"sample_rate"`
	AuthRequired        bool   `json:"auth_required"`
	OutputBufferSize    int    `json:"output_buffer_size"`
	OutputBufferTimeout int    `json:"output_buffer_timeout"`
}

var okResponse = []byte("OK")

// ParseIdentifyResponse decodes the result frame that follows IDENTIFY.
// A bare "OK" means the server did not negotiate features.
func ParseIdentifyResponse(data []byte) (*IdentifyResponse, error) {
	if bytes.Equal(data, okResponse) {
		return &IdentifyResponse{}, nil
	}

	var resp IdentifyResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed IDENTIFY response: %w", ErrProtocolViolation, err)
	}
	return &resp, nil
}
