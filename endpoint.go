package nsq

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Endpoint is the TCP address of an nsqd instance.
type Endpoint struct {
	Host string
	Port int
}

// String returns the endpoint in host:port form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseEndpoint parses a host:port address.
func ParseEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", addr, err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing host", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: bad port", addr)
	}

	return Endpoint{Host: host, Port: port}, nil
}

// EndpointResolver returns the nsqd instances to try.
// It is called before each connection attempt to enable discovery.
type EndpointResolver func(ctx context.Context) ([]Endpoint, error)
