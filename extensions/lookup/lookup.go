// Package lookup is a client for the nsqlookupd HTTP API.
//
// Queries never fail: transport errors, non-2xx responses and bodies that
// carry none of the expected fields produce an empty result and a warning in
// the log. Both the legacy {"data": ...} envelope and the bare object served
// by current nsqlookupd releases are accepted.
package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vitalvas/nsq"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 4 * 1024 * 1024

// Producer is an nsqd instance registered with nsqlookupd.
type Producer struct {
	RemoteAddress    string   `json:"remote_address"`
	Hostname         string   `json:"hostname"`
	BroadcastAddress string   `json:"broadcast_address"`
	TCPPort          int      `json:"tcp_port"`
	HTTPPort         int      `json:"http_port"`
	Version          string   `json:"version"`
	Tombstones       []bool   `json:"tombstones,omitempty"`
	Topics           []string `json:"topics,omitempty"`
}

// Endpoint returns the TCP address consumers connect to.
func (p Producer) Endpoint() nsq.Endpoint {
	return nsq.Endpoint{Host: p.BroadcastAddress, Port: p.TCPPort}
}

// HTTPAddress returns the host:port of the producer's HTTP API.
func (p Producer) HTTPAddress() string {
	return nsq.Endpoint{Host: p.BroadcastAddress, Port: p.HTTPPort}.String()
}

// Client queries a single nsqlookupd instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     nsq.Logger
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

// WithLogger sets the logger for failed requests.
func WithLogger(logger nsq.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for the nsqlookupd HTTP API at addr.
// addr is either host:port or a full http(s) URL.
func New(addr string, opts ...Option) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	c := &Client{
		baseURL:    strings.TrimRight(addr, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     nsq.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithFields(nsq.LogFields{"lookupd": c.baseURL})
	return c
}

type producersData struct {
	Producers []Producer `json:"producers"`
}

// Lookup returns the producers of topic.
func (c *Client) Lookup(ctx context.Context, topic nsq.Topic) []Producer {
	var data producersData
	if !c.getData(ctx, "/lookup", url.Values{"topic": {string(topic)}}, "producers", &data) {
		return []Producer{}
	}
	return nonNil(data.Producers)
}

// Topics returns every topic known to nsqlookupd.
func (c *Client) Topics(ctx context.Context) []nsq.Topic {
	var data struct {
		Topics []nsq.Topic `json:"topics"`
	}
	if !c.getData(ctx, "/topics", nil, "topics", &data) {
		return []nsq.Topic{}
	}
	return nonNil(data.Topics)
}

// Channels returns the channels of topic.
func (c *Client) Channels(ctx context.Context, topic nsq.Topic) []nsq.Channel {
	var data struct {
		Channels []nsq.Channel `json:"channels"`
	}
	if !c.getData(ctx, "/channels", url.Values{"topic": {string(topic)}}, "channels", &data) {
		return []nsq.Channel{}
	}
	return nonNil(data.Channels)
}

// Nodes returns every nsqd instance registered with nsqlookupd.
func (c *Client) Nodes(ctx context.Context) []Producer {
	var data producersData
	if !c.getData(ctx, "/nodes", nil, "producers", &data) {
		return []Producer{}
	}
	return nonNil(data.Producers)
}

// DeleteTopic removes topic from the registry. It reports whether nsqlookupd accepted the request.
func (c *Client) DeleteTopic(ctx context.Context, topic nsq.Topic) bool {
	return c.post(ctx, "/topic/delete", url.Values{"topic": {string(topic)}})
}

// DeleteChannel removes channel of topic from the registry.
func (c *Client) DeleteChannel(ctx context.Context, topic nsq.Topic, channel nsq.Channel) bool {
	return c.post(ctx, "/channel/delete", url.Values{
		"topic":   {string(topic)},
		"channel": {string(channel)},
	})
}

// TombstoneTopicProducer hides producer from lookups of topic until it re-registers.
func (c *Client) TombstoneTopicProducer(ctx context.Context, topic nsq.Topic, producer Producer) bool {
	return c.post(ctx, "/topic/tombstone", url.Values{
		"topic": {string(topic)},
		"node":  {producer.HTTPAddress()},
	})
}

// Version returns the nsqlookupd version, or "" when unknown.
func (c *Client) Version(ctx context.Context) string {
	var data struct {
		Version string `json:"version"`
	}
	if !c.getData(ctx, "/info", nil, "version", &data) {
		return ""
	}
	return data.Version
}

// Ping reports whether nsqlookupd answers /ping with OK.
func (c *Client) Ping(ctx context.Context) bool {
	body, ok := c.do(ctx, http.MethodGet, "/ping", nil)
	return ok && strings.TrimSpace(string(body)) == "OK"
}

// Resolver returns an endpoint resolver that looks up the producers of topic
// before every connection attempt.
func Resolver(c *Client, topic nsq.Topic) nsq.EndpointResolver {
	return func(ctx context.Context) ([]nsq.Endpoint, error) {
		producers := c.Lookup(ctx, topic)
		if len(producers) == 0 {
			return nil, fmt.Errorf("lookup: no producers for topic %q", topic)
		}

		endpoints := make([]nsq.Endpoint, 0, len(producers))
		for _, p := range producers {
			if p.BroadcastAddress == "" || p.TCPPort == 0 {
				continue
			}
			endpoints = append(endpoints, p.Endpoint())
		}
		return endpoints, nil
	}
}

// getData fetches path and decodes its payload into out. The payload is the
// "data" member when present, otherwise the body itself as long as it has key.
func (c *Client) getData(ctx context.Context, path string, query url.Values, key string, out any) bool {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	body, ok := c.do(ctx, http.MethodGet, path, nil)
	if !ok {
		return false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		c.logger.Warn("lookupd response decode failed", nsq.LogFields{"path": path, nsq.LogFieldError: err})
		return false
	}

	payload := body
	if data, ok := fields["data"]; ok && string(data) != "null" {
		payload = data
	} else if _, ok := fields[key]; !ok {
		c.logger.Warn("lookupd response has no data", nsq.LogFields{"path": path})
		return false
	}

	if err := json.Unmarshal(payload, out); err != nil {
		c.logger.Warn("lookupd response decode failed", nsq.LogFields{"path": path, nsq.LogFieldError: err})
		return false
	}
	return true
}

func (c *Client) post(ctx context.Context, path string, query url.Values) bool {
	_, ok := c.do(ctx, http.MethodPost, path+"?"+query.Encode(), nil)
	return ok
}

// do performs a request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, bool) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		c.logger.Warn("lookupd request failed", nsq.LogFields{"path": path, nsq.LogFieldError: err})
		return nil, false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("lookupd request failed", nsq.LogFields{"path": path, nsq.LogFieldError: err})
		return nil, false
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.logger.Warn("lookupd response read failed", nsq.LogFields{"path": path, nsq.LogFieldError: err})
		return nil, false
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("lookupd request rejected", nsq.LogFields{
			"path":   path,
			"status": strconv.Itoa(resp.StatusCode),
			"body":   strings.TrimSpace(string(data)),
		})
		return nil, false
	}
	return data, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
