package client

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/relay/pkg/protocol"
)

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		display string
		wantErr bool
	}{
		{name: "host and port", raw: "localhost:7000", display: "localhost:7000"},
		{name: "host only gets default port", raw: "example.com", display: "example.com:9000"},
		{name: "tcp scheme", raw: "tcp://10.0.0.1:9100", display: "10.0.0.1:9100"},
		{name: "surrounding whitespace", raw: "  localhost:1  ", display: "localhost:1"},
		{name: "ipv6 without port", raw: "[::1]", display: "[::1]:9000"},
		{name: "websocket default path", raw: "ws://localhost:8080", display: "ws://localhost:8080/ws"},
		{name: "websocket custom path", raw: "ws://localhost:8080/chat", display: "ws://localhost:8080/chat"},
		{name: "secure websocket default port", raw: "wss://relay.example.com", display: "wss://relay.example.com:9000/ws"},
		{name: "unsupported scheme", raw: "http://localhost:80", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
		{name: "scheme without host", raw: "ws://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseServerAddress(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.display, cfg.display)
			assert.NotNil(t, cfg.dial)
		})
	}
}

func TestClientRoundTripOverPipe(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	c := NewClient(clientSide)
	defer c.Close()

	received := make(chan protocol.Request, 1)
	go func() {
		payload, err := protocol.ReadFrame(serverSide, 0)
		if err != nil {
			return
		}
		req, err := protocol.ParseRequest(payload)
		if err != nil {
			return
		}
		received <- req

		reply, _ := protocol.Marshal(protocol.NewPong())
		_ = protocol.WriteFrame(serverSide, reply)
	}()

	require.NoError(t, c.Heartbeat())

	select {
	case req := <-received:
		assert.IsType(t, &protocol.HeartbeatRequest{}, req)
	case <-time.After(2 * time.Second):
		t.Fatal("server side never saw the heartbeat")
	}

	env, err := c.Expect(protocol.TypePong, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePong, env.Type)

	assert.Greater(t, c.BytesSent(), uint64(protocol.HeaderSize))
	assert.Greater(t, c.BytesReceived(), uint64(protocol.HeaderSize))
}

func TestExpectSkipsListedTypes(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	c := NewClient(clientSide)
	defer c.Close()

	go func() {
		for _, msg := range []any{
			protocol.NewUserList([]string{"alice"}),
			protocol.NewLoginSuccess("alice"),
		} {
			payload, _ := protocol.Marshal(msg)
			if err := protocol.WriteFrame(serverSide, payload); err != nil {
				return
			}
		}
	}()

	env, err := c.Expect(protocol.TypeLoginResult, 2*time.Second, protocol.TypeUserList)
	require.NoError(t, err)
	assert.True(t, env.OK)
	assert.Equal(t, "alice", env.Username)
}

func TestExpectRejectsUnexpectedType(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	c := NewClient(clientSide)
	defer c.Close()

	go func() {
		payload, _ := protocol.Marshal(protocol.NewPong())
		_ = protocol.WriteFrame(serverSide, payload)
	}()

	_, err := c.Expect(protocol.TypeLoginResult, 2*time.Second)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestReceiveTimeout(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	c := NewClient(clientSide)
	defer c.Close()

	_, err := c.ReceiveTimeout(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHistoryRequestCount(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	c := NewClient(clientSide)
	defer c.Close()

	got := make(chan *protocol.HistoryRequest, 2)
	go func() {
		for i := 0; i < 2; i++ {
			payload, err := protocol.ReadFrame(serverSide, 0)
			if err != nil {
				return
			}
			req, err := protocol.ParseRequest(payload)
			if err != nil {
				return
			}
			got <- req.(*protocol.HistoryRequest)
		}
	}()

	require.NoError(t, c.History(5))
	require.NoError(t, c.History(-1))

	first := <-got
	require.NotNil(t, first.N)
	assert.Equal(t, uint(5), *first.N)

	second := <-got
	assert.Nil(t, second.N)
}
