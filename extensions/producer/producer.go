// Package producer publishes to nsqd over its HTTP API.
//
// It covers the administrative calls a consumer deployment needs around a
// connection: publishing test traffic, creating topics and channels ahead of
// time and emptying a channel.
package producer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vitalvas/nsq"
)

// ErrNoMessages is returned by MultiPublish when called without bodies.
var ErrNoMessages = errors.New("producer: no messages")

// StatusError is returned when nsqd answers with a non-2xx status.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("producer: %s returned %d: %s", e.Path, e.StatusCode, e.Body)
}

// Client talks to the HTTP API of a single nsqd.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient = &http.Client{Timeout: d}
	}
}

// New creates a client for the nsqd HTTP API at addr (host:port or URL).
func New(addr string, opts ...Option) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	c := &Client{
		baseURL:    strings.TrimRight(addr, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Publish sends a single message to topic.
func (c *Client) Publish(ctx context.Context, topic nsq.Topic, body []byte) error {
	if err := topic.Validate(); err != nil {
		return err
	}
	return c.post(ctx, "/pub", url.Values{"topic": {string(topic)}}, body)
}

// MultiPublish sends bodies to topic in one binary mpub request.
func (c *Client) MultiPublish(ctx context.Context, topic nsq.Topic, bodies [][]byte) error {
	if err := topic.Validate(); err != nil {
		return err
	}
	if len(bodies) == 0 {
		return ErrNoMessages
	}
	return c.post(ctx, "/mpub", url.Values{"topic": {string(topic)}, "binary": {"true"}}, encodeMultiPublish(bodies))
}

// CreateTopic creates topic if it does not exist.
func (c *Client) CreateTopic(ctx context.Context, topic nsq.Topic) error {
	if err := topic.Validate(); err != nil {
		return err
	}
	return c.post(ctx, "/topic/create", url.Values{"topic": {string(topic)}}, nil)
}

// CreateChannel creates channel on topic if it does not exist.
func (c *Client) CreateChannel(ctx context.Context, topic nsq.Topic, channel nsq.Channel) error {
	if err := validate(topic, channel); err != nil {
		return err
	}
	return c.post(ctx, "/channel/create", channelQuery(topic, channel), nil)
}

// EmptyChannel drops every queued message of channel.
func (c *Client) EmptyChannel(ctx context.Context, topic nsq.Topic, channel nsq.Channel) error {
	if err := validate(topic, channel); err != nil {
		return err
	}
	return c.post(ctx, "/channel/empty", channelQuery(topic, channel), nil)
}

// Ping checks that nsqd is up.
func (c *Client) Ping(ctx context.Context) error {
	body, err := c.do(ctx, http.MethodGet, "/ping", nil)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(body)) != "OK" {
		return fmt.Errorf("producer: unexpected ping response %q", body)
	}
	return nil
}

func validate(topic nsq.Topic, channel nsq.Channel) error {
	if err := topic.Validate(); err != nil {
		return err
	}
	return channel.Validate()
}

func channelQuery(topic nsq.Topic, channel nsq.Channel) url.Values {
	return url.Values{"topic": {string(topic)}, "channel": {string(channel)}}
}

// encodeMultiPublish builds the binary mpub body:
// Int32 count, then Int32 size and bytes per message.
func encodeMultiPublish(bodies [][]byte) []byte {
	size := 4
	for _, b := range bodies {
		size += 4 + len(b)
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(bodies)))
	for _, b := range bodies {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
		buf = append(buf, b...)
	}
	return buf
}

func (c *Client) post(ctx context.Context, path string, query url.Values, body []byte) error {
	_, err := c.do(ctx, http.MethodPost, path+"?"+query.Encode(), body)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("producer: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("producer: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("producer: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Path:       strings.SplitN(path, "?", 2)[0],
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	return data, nil
}
