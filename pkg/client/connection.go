// Package client is a minimal framed-JSON client for the relay server. It is
// used by integration tests and the load generator.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/relay/pkg/protocol"
)

const defaultTCPPort = "9000"

// ErrTimeout is returned by Expect when no matching message arrives in time
var ErrTimeout = errors.New("timed out waiting for message")

// Client is one connection to the server. Send may be called from any
// goroutine; Receive and Expect from one reader at a time.
type Client struct {
	addr    string
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// Dial connects to addr. Accepted forms: "host:port", "host" (port 9000),
// "tcp://host:port", "ws://host:port[/path]" and "wss://host:port[/path]".
func Dial(ctx context.Context, addr string) (*Client, error) {
	cfg, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	conn, err := cfg.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.display, err)
	}
	c := NewClient(conn)
	c.addr = cfg.display
	return c, nil
}

// NewClient wraps an established connection
func NewClient(conn net.Conn) *Client {
	c := &Client{
		addr: conn.RemoteAddr().String(),
		conn: conn,
	}
	c.reader = bufio.NewReader(&countingReader{r: conn, counter: &c.bytesReceived})
	return c
}

// Addr returns the server address as dialed
func (c *Client) Addr() string {
	return c.addr
}

// Send encodes a request and writes it as one frame
func (c *Client) Send(req protocol.Request) error {
	payload, err := protocol.MarshalRequest(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Kind(), err)
	}
	return c.SendRaw(payload)
}

// SendRaw writes payload as one frame without inspecting it
func (c *Client) SendRaw(payload []byte) error {
	frame, err := protocol.Encode(payload)
	if err != nil {
		return err
	}
	return c.WriteBytes(frame)
}

// WriteBytes writes raw bytes to the connection, for callers that build
// frames by hand
func (c *Client) WriteBytes(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	n, err := c.conn.Write(b)
	c.bytesSent.Add(uint64(n))
	return err
}

// Receive blocks until the next server message arrives
func (c *Client) Receive() (*protocol.Envelope, error) {
	payload, err := protocol.ReadFrame(c.reader, 0)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeEnvelope(payload)
}

// ReceiveTimeout is Receive with a read deadline. On a WebSocket connection
// a timeout is fatal to the connection.
func (c *Client) ReceiveTimeout(timeout time.Duration) (*protocol.Envelope, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer c.conn.SetReadDeadline(time.Time{})

	env, err := c.Receive()
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil, ErrTimeout
	}
	return env, err
}

// Expect reads messages until one of type msgType arrives, skipping any whose
// type is listed in skip
func (c *Client) Expect(msgType string, timeout time.Duration, skip ...string) (*protocol.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}

		env, err := c.ReceiveTimeout(remaining)
		if err != nil {
			return nil, err
		}
		if env.Type == msgType {
			return env, nil
		}
		if !slices.Contains(skip, env.Type) {
			return nil, fmt.Errorf("expected %s, got %s", msgType, env.Type)
		}
	}
}

func (c *Client) Register(username, password string) error {
	return c.Send(&protocol.RegisterRequest{Username: username, Password: password})
}

func (c *Client) Login(username, password string) error {
	return c.Send(&protocol.LoginRequest{Username: username, Password: password})
}

// Chat sends a broadcast message
func (c *Client) Chat(text string) error {
	return c.Send(&protocol.ChatRequest{Text: text})
}

func (c *Client) Private(to, text string) error {
	return c.Send(&protocol.PrivateRequest{To: to, Text: text})
}

func (c *Client) Heartbeat() error {
	return c.Send(&protocol.HeartbeatRequest{})
}

// History asks for n messages; n < 0 leaves the count to the server
func (c *Client) History(n int) error {
	req := &protocol.HistoryRequest{}
	if n >= 0 {
		count := uint(n)
		req.N = &count
	}
	return c.Send(req)
}

func (c *Client) ListUsers() error {
	return c.Send(&protocol.ListUsersRequest{})
}

func (c *Client) Logout() error {
	return c.Send(&protocol.LogoutRequest{})
}

// BytesSent returns the total bytes written
func (c *Client) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the total bytes read
func (c *Client) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

type dialConfig struct {
	display string
	dial    func(ctx context.Context) (net.Conn, error)
}

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		hostPort = u.Host
		path = u.Path
	}

	host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
	if err != nil {
		return nil, err
	}
	address := net.JoinHostPort(host, port)

	switch scheme {
	case "tcp":
		return &dialConfig{
			display: address,
			dial: func(ctx context.Context) (net.Conn, error) {
				d := net.Dialer{Timeout: 10 * time.Second}
				return d.DialContext(ctx, "tcp", address)
			},
		}, nil

	case "ws", "wss":
		if path == "" {
			path = "/ws"
		}
		useTLS := scheme == "wss"
		return &dialConfig{
			display: fmt.Sprintf("%s://%s%s", scheme, address, path),
			dial: func(ctx context.Context) (net.Conn, error) {
				ws, err := DialWebSocket(ctx, address, path, useTLS)
				if err != nil {
					return nil, err
				}
				return ws, nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
