// Package httpclient implements the optional HTTP client consumer (§2:
// "HTTP client (optional)"): a GET-only fetcher that resolves its host
// through the stub resolver, opens one connection per request through the
// TCP pool, and follows a bounded number of redirects, capping the response
// body the way the source implementation's fixed Mm::Alloc scratch buffer
// did (see original_source/net/http.cpp).
//
// The request line and headers are formatted by hand; parsing the reply
// uses net/http.ReadResponse over the bytes read from our own TCP stream,
// the same parser any Go client uses over a real socket.
package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nos-project/netcore/internal/netproto"
	"github.com/nos-project/netcore/internal/tcp"
)

// Tunables mirroring HttpMaxResponseSize/HttpRecvTimeoutMs/HttpMaxRedirects
// from the reference client.
const (
	DefaultPort    = 80
	MaxRedirects   = 5
	MaxResponseLen = 32 << 10
	RecvTimeout    = 10 * time.Second
)

// Resolver is the capability this package needs to turn a hostname into an
// address. *dnsclient.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, name string) (netproto.IPv4, error)
}

// Client fetches http:// resources over this core's own TCP pool and
// resolver, never the host machine's network stack.
type Client struct {
	pool *tcp.Pool
	dns  Resolver
}

// New creates a client that dials through pool and resolves hostnames
// through dns.
func New(pool *tcp.Pool, dns Resolver) *Client {
	return &Client{pool: pool, dns: dns}
}

// Response is the subset of an HTTP response this client surfaces to callers.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Get fetches rawURL, following up to MaxRedirects 301/302/303/307/308
// redirects to further http:// locations, matching HttpClient::Get.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	current := rawURL
	for attempt := 0; attempt <= MaxRedirects; attempt++ {
		resp, location, err := c.doGet(ctx, current)
		if err != nil {
			return nil, err
		}
		if location == "" || !isRedirectStatus(resp.StatusCode) {
			return resp, nil
		}
		if !strings.HasPrefix(location, "http://") {
			return resp, nil
		}
		current = location
	}
	return nil, fmt.Errorf("httpclient: too many redirects fetching %s", rawURL)
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func (c *Client) doGet(ctx context.Context, rawURL string) (*Response, string, error) {
	host, port, path, err := parseURL(rawURL)
	if err != nil {
		return nil, "", err
	}

	ip, err := c.resolve(ctx, host)
	if err != nil {
		return nil, "", fmt.Errorf("httpclient: resolve %s: %w", host, err)
	}

	conn, err := c.pool.Connect(ctx, ip, uint16(port), 0)
	if err != nil {
		return nil, "", fmt.Errorf("httpclient: connect %s:%d: %w", host, port, err)
	}
	defer c.pool.Close(conn)

	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", path, host)
	if _, err := c.pool.Send(ctx, conn, []byte(req)); err != nil {
		return nil, "", fmt.Errorf("httpclient: send request: %w", err)
	}

	raw, err := c.readBounded(ctx, conn)
	if err != nil {
		return nil, "", err
	}

	httpResp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), &http.Request{Method: http.MethodGet})
	if err != nil {
		return nil, "", fmt.Errorf("httpclient: parse response: %w", err)
	}
	defer httpResp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(httpResp.Body, MaxResponseLen))

	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}, httpResp.Header.Get("Location"), nil
}

// parseURL splits an http:// URL into host, port (default 80) and a
// request path defaulting to "/", matching HttpClient::ParseUrl.
func parseURL(rawURL string) (host string, port int, path string, err error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil {
		return "", 0, "", fmt.Errorf("httpclient: parse url: %w", parseErr)
	}
	if u.Scheme != "http" {
		return "", 0, "", fmt.Errorf("httpclient: unsupported scheme %q", u.Scheme)
	}
	host = u.Hostname()
	if host == "" {
		return "", 0, "", fmt.Errorf("httpclient: empty host in %q", rawURL)
	}
	port = DefaultPort
	if p := u.Port(); p != "" {
		port, parseErr = strconv.Atoi(p)
		if parseErr != nil || port <= 0 || port > 65535 {
			return "", 0, "", fmt.Errorf("httpclient: bad port in %q", rawURL)
		}
	}
	path = u.RequestURI()
	if path == "" {
		path = "/"
	}
	return host, port, path, nil
}

func (c *Client) resolve(ctx context.Context, host string) (netproto.IPv4, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			var out netproto.IPv4
			copy(out[:], v4)
			return out, nil
		}
	}
	return c.dns.Resolve(ctx, host)
}

// readBounded drains conn until MaxResponseLen, an orderly EOF, or
// RecvTimeout idle elapses, mirroring RecvResponse's rolling deadline: the
// deadline resets every time new bytes arrive.
func (c *Client) readBounded(ctx context.Context, conn *tcp.Conn) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	idleDeadline := time.Now().Add(RecvTimeout)

	for len(buf) < MaxResponseLen {
		rctx, cancel := context.WithDeadline(ctx, idleDeadline)
		n, err := c.pool.Recv(rctx, conn, chunk)
		cancel()

		if n > 0 {
			want := MaxResponseLen - len(buf)
			if n > want {
				n = want
			}
			buf = append(buf, chunk[:n]...)
			idleDeadline = time.Now().Add(RecvTimeout)
			continue
		}
		if err != nil {
			if len(buf) > 0 {
				break // timed out or cancelled with data already buffered
			}
			return nil, fmt.Errorf("httpclient: receive: %w", err)
		}
		break // n == 0, err == nil: orderly EOF
	}

	if len(buf) == 0 {
		return nil, fmt.Errorf("httpclient: empty response")
	}
	return buf, nil
}
