package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/observability"
)

func newListeningTransport(t *testing.T, router *Router) *LocalTransport {
	t.Helper()
	transport, err := NewLocalTransport(LocalTransportConfig{
		Channel:   "test-channel",
		SocketDir: t.TempDir(),
		Logger:    observability.NewNullLogger(),
	}, router)
	require.NoError(t, err)

	require.NoError(t, transport.Listen(context.Background()))
	t.Cleanup(func() { transport.Disconnect() })
	return transport
}

func TestNewLocalTransport_RequiresChannel(t *testing.T) {
	_, err := NewLocalTransport(LocalTransportConfig{}, newTestRouter(t))
	assert.EqualError(t, err, "channel name cannot be empty")
}

func TestLocalTransport_RoundTrip(t *testing.T) {
	transport := newListeningTransport(t, newTestRouter(t))

	conn, err := transport.Connect()
	require.NoError(t, err)
	defer conn.Close()

	req := &Request{
		JSONRPC: "2.0",
		ID:      RequestID("1"),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"echo","arguments":{"text":"hi"}}`),
	}
	resp, err := transport.SendMessage(conn, req, time.Second)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.Equal(t, "1", DecodeID(resp.ID))

	result, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	assert.Contains(t, string(result), `\"text\":\"hi\"`)
}

func TestLocalTransport_ListTools(t *testing.T) {
	transport := newListeningTransport(t, newTestRouter(t))

	conn, err := transport.Connect()
	require.NoError(t, err)
	defer conn.Close()

	resp, err := transport.SendMessage(conn, &Request{
		JSONRPC: "2.0",
		ID:      RequestID("list"),
		Method:  "tools/list",
	}, time.Second)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var listed ListToolsResult
	require.NoError(t, json.Unmarshal(raw, &listed))
	assert.Len(t, listed.Tools, 2)
}

func TestLocalTransport_UnknownMethod(t *testing.T) {
	transport := newListeningTransport(t, newTestRouter(t))

	conn, err := transport.Connect()
	require.NoError(t, err)
	defer conn.Close()

	resp, err := transport.SendMessage(conn, &Request{
		JSONRPC: "2.0",
		ID:      RequestID("x"),
		Method:  "bogus/method",
	}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorCodeMethodNotFound, resp.Error.Code)
}

func TestLocalTransport_HandlerPanicIsContained(t *testing.T) {
	tools := []Tool{{Name: "panic"}}
	handlers := map[string]ToolHandler{
		"panic": func(ctx context.Context, args json.RawMessage, rc RouterContext) (CallToolResult, error) {
			panic("handler exploded")
		},
	}
	router, err := NewRouter(tools, handlers, nil)
	require.NoError(t, err)

	transport := newListeningTransport(t, router)

	conn, err := transport.Connect()
	require.NoError(t, err)
	defer conn.Close()

	resp, err := transport.SendMessage(conn, &Request{
		JSONRPC: "2.0",
		ID:      RequestID("p"),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"panic"}`),
	}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorCodeInternal, resp.Error.Code)

	// The connection survives the panic.
	resp, err = transport.SendMessage(conn, &Request{
		JSONRPC: "2.0",
		ID:      RequestID("after"),
		Method:  "tools/list",
	}, time.Second)
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
}

func TestLocalTransport_MultipleConnections(t *testing.T) {
	transport := newListeningTransport(t, newTestRouter(t))

	first, err := transport.Connect()
	require.NoError(t, err)
	defer first.Close()
	second, err := transport.Connect()
	require.NoError(t, err)
	defer second.Close()

	for i, conn := range []*Connection{first, second} {
		resp, err := transport.SendMessage(conn, &Request{
			JSONRPC: "2.0",
			ID:      RequestID("list"),
			Method:  "tools/list",
		}, time.Second)
		require.NoError(t, err, "connection %d", i)
		assert.Nil(t, resp.Error)
	}

	assert.Eventually(t, func() bool {
		return transport.ConnectionCount() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestLocalTransport_Broadcast(t *testing.T) {
	transport := newListeningTransport(t, newTestRouter(t))

	conn, err := transport.Connect()
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return transport.ConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)

	transport.Broadcast(&Notification{
		JSONRPC: "2.0",
		Method:  "notifications/tools/list_changed",
	})

	var note Notification
	require.NoError(t, conn.decoder.Decode(&note))
	assert.Equal(t, "notifications/tools/list_changed", note.Method)
}

func TestLocalTransport_ListenTwice(t *testing.T) {
	transport := newListeningTransport(t, newTestRouter(t))
	err := transport.Listen(context.Background())
	assert.Error(t, err)
}
