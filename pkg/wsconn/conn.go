// Package wsconn carries the relay's byte stream over a WebSocket so that the
// framing code can treat it like any other net.Conn.
package wsconn

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTextMessage is returned by Read when the peer sends a text message.
// The stream is binary only.
var ErrTextMessage = errors.New("wsconn: text message on binary stream")

const closeGrace = time.Second

// Conn implements net.Conn on top of a WebSocket. Each Write goes out as one
// binary message; Read returns message bytes in arrival order without regard
// to message boundaries, so one message may hold several frames or part of
// one.
type Conn struct {
	ws *websocket.Conn

	readMu  sync.Mutex
	pending []byte

	writeMu sync.Mutex
	closed  atomic.Bool
}

var _ net.Conn = (*Conn)(nil)

func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Read implements net.Conn.Read. A normal close from the peer reads as io.EOF.
func (c *Conn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.pending) == 0 {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			if c.closed.Load() {
				return 0, net.ErrClosed
			}
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			return 0, ErrTextMessage
		}
		c.pending = data
	}

	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write implements net.Conn.Write
func (c *Conn) Write(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a normal close message and closes the socket. Only the first
// call has any effect.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	// WriteControl may run concurrently with a blocked Write
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGrace))
	return c.ws.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
