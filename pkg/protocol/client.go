package protocol

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPort is the aggregator's listening port when none is given.
	DefaultPort = 4567

	// DefaultPath is the resource path producers and readers address.
	DefaultPath = "/weather.json"
)

// Target is a parsed server address.
type Target struct {
	Addr string // host:port
	Host string
	Path string
}

// ParseTarget accepts "host:port", "host", or "http://host:port/path".
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, fmt.Errorf("protocol: empty server address")
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Target{}, fmt.Errorf("protocol: parse address %q: %w", s, err)
	}
	host := u.Hostname()
	if host == "" {
		return Target{}, fmt.Errorf("protocol: address %q has no host", s)
	}
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(DefaultPort)
	}
	path := u.Path
	if path == "" || path == "/" {
		path = DefaultPath
	}
	return Target{Addr: net.JoinHostPort(host, port), Host: host, Path: path}, nil
}

// Do opens one TCP connection to addr, sends req and reads the response.
// The connection is closed before Do returns. Cancelling ctx aborts any
// blocked read or write.
func Do(ctx context.Context, addr string, req *Request) (*Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("protocol: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl) //nolint:errcheck
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now()) //nolint:errcheck
	})
	defer stop()

	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("protocol: write request: %w", err)
	}
	resp, err := ReadResponse(bufio.NewReader(conn))
	if err != nil {
		return nil, fmt.Errorf("protocol: read response: %w", err)
	}
	return resp, nil
}
