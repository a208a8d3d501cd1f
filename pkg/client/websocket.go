package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/relay/pkg/wsconn"
)

// DialWebSocket connects to the server's WebSocket endpoint at addr+path.
// Over WebSocket a read that times out leaves the connection unusable.
func DialWebSocket(ctx context.Context, addr, path string, useTLS bool) (*wsconn.Conn, error) {
	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: path}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			if useTLS {
				return nil, fmt.Errorf("handshake with %s failed (HTTP %d); the server may not support wss, try ws://: %w", u.String(), status, err)
			}
			return nil, fmt.Errorf("handshake with %s failed (HTTP %d); check the path or try wss://: %w", u.String(), status, err)
		}
		return nil, err
	}

	return wsconn.New(ws), nil
}
