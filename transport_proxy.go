package nsq

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/proxy"
)

// ErrUnsupportedProxy is returned for proxy URLs that cannot tunnel TCP.
var ErrUnsupportedProxy = errors.New("nsq: unsupported proxy scheme")

// ProxyConfig describes the proxy set with WithProxy or WithProxyAuth.
// Credentials embedded in URL are used when Username is empty.
type ProxyConfig struct {
	URL      string
	Username string
	Password string
}

// ProxyDialer tunnels the nsqd TCP stream through an HTTP CONNECT or SOCKS5 proxy.
type ProxyDialer struct {
	scheme   string
	address  string
	username string
	password string
	forward  net.Dialer
}

var defaultProxyPorts = map[string]string{
	"http":    "8080",
	"https":   "443",
	"socks5":  "1080",
	"socks5h": "1080",
}

// NewProxyDialer parses proxyURL. Supported schemes are http, https, socks5 and socks5h.
func NewProxyDialer(proxyURL, username, password string) (*ProxyDialer, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	port, ok := defaultProxyPorts[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProxy, u.Scheme)
	}
	if u.Port() != "" {
		port = u.Port()
	}

	if username == "" && u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	return &ProxyDialer{
		scheme:   u.Scheme,
		address:  net.JoinHostPort(u.Hostname(), port),
		username: username,
		password: password,
	}, nil
}

// Dial opens a tunnel to the nsqd address.
func (d *ProxyDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	if d.scheme == "http" || d.scheme == "https" {
		return d.connect(ctx, address)
	}
	return d.socks5(ctx, address)
}

// connect runs the CONNECT exchange under the context deadline.
func (d *ProxyDialer) connect(ctx context.Context, address string) (net.Conn, error) {
	conn, err := d.forward.DialContext(ctx, "tcp", d.address)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", d.address, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if d.username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(d.username + ":" + d.password))
		req.Header.Set("Proxy-Authorization", "Basic "+token)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT %s: %w", address, err)
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT %s: %w", address, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT %s: %s", address, resp.Status)
	}

	// nsqd waits for the magic before sending anything, but a proxy may
	// still have pushed bytes behind the response.
	if reader.Buffered() > 0 {
		return &bufferedConn{Conn: conn, reader: reader}, nil
	}
	return conn, nil
}

func (d *ProxyDialer) socks5(ctx context.Context, address string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.username != "" {
		auth = &proxy.Auth{User: d.username, Password: d.password}
	}

	dialer, err := proxy.SOCKS5("tcp", d.address, auth, &d.forward)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", d.address, err)
	}

	conn, err := dialer.(proxy.ContextDialer).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("proxy SOCKS5 %s: %w", address, err)
	}
	return conn, nil
}

type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// ProxyFromEnvironment returns the proxy for an nsqd host:port, or nil.
// ALL_PROXY takes precedence over HTTP_PROXY because nsqd speaks raw TCP.
// NO_PROXY is honoured, and loopback addresses are never proxied.
func ProxyFromEnvironment(address string) (*url.URL, error) {
	cfg := httpproxy.FromEnvironment()
	cfg.HTTPProxy = firstEnv("ALL_PROXY", "all_proxy", "HTTP_PROXY", "http_proxy")
	cfg.HTTPSProxy = ""

	return cfg.ProxyFunc()(&url.URL{Scheme: "http", Host: address})
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
