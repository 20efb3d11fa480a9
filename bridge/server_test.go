package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/mcp"
	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/observability"
)

// stubUpstream is a canned UpstreamClient for server tests.
type stubUpstream struct {
	mu        sync.Mutex
	connected bool
	calls     []*mcp.Request

	callResult func(req *mcp.Request) *mcp.Response
	listResult mcp.ListToolsResult
	listErr    error
}

func (u *stubUpstream) Connect() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.connected = true
	return nil
}

func (u *stubUpstream) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}

func (u *stubUpstream) CallTool(req *mcp.Request) *mcp.Response {
	u.mu.Lock()
	u.calls = append(u.calls, req)
	handler := u.callResult
	u.mu.Unlock()
	if handler != nil {
		return handler(req)
	}
	return mcp.NewResponse(req.ID, mcp.TextResult("stub result"))
}

func (u *stubUpstream) ListTools() (mcp.ListToolsResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.listResult, u.listErr
}

func (u *stubUpstream) Disconnect() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.connected = false
	return nil
}

func (u *stubUpstream) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

const testAPIKey = "test-key"

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *stubUpstream, string) {
	t.Helper()

	upstream := &stubUpstream{connected: true}
	config := Config{
		Port:           18800,
		APIKeys:        []string{testAPIKey},
		AllowedOrigins: []string{"*"},
		Logger:         observability.NewNullLogger(),
	}
	if mutate != nil {
		mutate(&config)
	}

	server, err := NewServer(config, upstream)
	require.NoError(t, err)

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)
	t.Cleanup(func() { server.Shutdown() })

	return server, upstream, "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func dialSession(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	header := http.Header{"Origin": []string{"chrome-extension://test"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func authenticate(t *testing.T, conn *websocket.Conn, key string) mcp.AuthSuccess {
	t.Helper()
	require.NoError(t, conn.WriteJSON(mcp.AuthRequest{Type: mcp.MessageTypeAuth, APIKey: key}))
	var reply mcp.AuthSuccess
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, mcp.MessageTypeAuthSuccess, reply.Type)
	return reply
}

func TestNewServer_Validation(t *testing.T) {
	upstream := &stubUpstream{}

	tests := []struct {
		name     string
		config   Config
		upstream UpstreamClient
		wantErr  string
	}{
		{
			name:     "valid",
			config:   Config{Port: 18800, APIKeys: []string{"k"}},
			upstream: upstream,
		},
		{
			name:     "zero port",
			config:   Config{APIKeys: []string{"k"}},
			upstream: upstream,
			wantErr:  "invalid listen port",
		},
		{
			name:     "port out of range",
			config:   Config{Port: 70000, APIKeys: []string{"k"}},
			upstream: upstream,
			wantErr:  "invalid listen port",
		},
		{
			name:     "no API keys",
			config:   Config{Port: 18800},
			upstream: upstream,
			wantErr:  "at least one API key must be configured",
		},
		{
			name:    "nil upstream",
			config:  Config{Port: 18800, APIKeys: []string{"k"}},
			wantErr: "upstream client cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, err := NewServer(tt.config, tt.upstream)
			if tt.wantErr != "" {
				assert.Nil(t, server)
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, defaultRateLimitWindow, server.config.RateLimitWindow)
			assert.Equal(t, defaultRateLimitMax, server.config.RateLimitMax)
			assert.Equal(t, defaultSessionTimeout, server.config.SessionTimeout)
		})
	}
}

func TestServer_AuthSuccess(t *testing.T) {
	_, _, url := newTestServer(t, nil)

	first := dialSession(t, url)
	firstReply := authenticate(t, first, testAPIKey)
	assert.NotEmpty(t, firstReply.SessionID)

	second := dialSession(t, url)
	secondReply := authenticate(t, second, testAPIKey)
	assert.NotEmpty(t, secondReply.SessionID)

	assert.NotEqual(t, firstReply.SessionID, secondReply.SessionID, "each connection gets a fresh session id")
}

func TestServer_AuthFailureClosesSocket(t *testing.T) {
	server, _, url := newTestServer(t, nil)

	conn := dialSession(t, url)
	require.NoError(t, conn.WriteJSON(mcp.AuthRequest{Type: mcp.MessageTypeAuth, APIKey: "wrong"}))

	var reply mcp.AuthError
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, mcp.MessageTypeAuthError, reply.Type)
	assert.Equal(t, "invalid API key", reply.Error.Message)

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected policy-violation close, got %v", err)

	assert.Eventually(t, func() bool {
		return server.SessionCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestServer_PingBypassesAuth(t *testing.T) {
	_, _, url := newTestServer(t, nil)

	conn := dialSession(t, url)
	before := time.Now().UnixMilli()
	require.NoError(t, conn.WriteJSON(mcp.Ping{Type: mcp.MessageTypePing}))

	var pong mcp.Pong
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, mcp.MessageTypePong, pong.Type)
	assert.GreaterOrEqual(t, pong.Timestamp, before)

	// The socket stays open and un-authenticated.
	require.NoError(t, conn.WriteJSON(mcp.Ping{Type: mcp.MessageTypePing}))
	require.NoError(t, conn.ReadJSON(&pong))
}

func TestServer_RequestBeforeAuthCloses(t *testing.T) {
	_, upstream, url := newTestServer(t, nil)

	conn := dialSession(t, url)
	require.NoError(t, conn.WriteJSON(mcp.Request{
		JSONRPC: "2.0",
		ID:      mcp.RequestID("1"),
		Method:  "tools/list",
	}))

	var resp mcp.Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrorCodeNotAuthenticated, resp.Error.Code)

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	assert.Equal(t, 0, upstream.callCount())
}

func TestServer_InvalidJSON(t *testing.T) {
	_, _, url := newTestServer(t, nil)

	conn := dialSession(t, url)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"broken`)))

	var resp mcp.Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrorCodeParseError, resp.Error.Code)
	assert.Equal(t, "invalid JSON", resp.Error.Message)

	// Parse errors do not terminate the session.
	require.NoError(t, conn.WriteJSON(mcp.Ping{Type: mcp.MessageTypePing}))
	var pong mcp.Pong
	require.NoError(t, conn.ReadJSON(&pong))
}

func TestServer_UnrecognizedMessageAfterAuth(t *testing.T) {
	_, _, url := newTestServer(t, nil)

	conn := dialSession(t, url)
	authenticate(t, conn, testAPIKey)

	require.NoError(t, conn.WriteJSON(map[string]string{"hello": "world"}))

	var resp mcp.Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrorCodeInvalidRequest, resp.Error.Code)
	assert.Equal(t, "unrecognized message", resp.Error.Message)
}

func TestServer_ProxyToolCall(t *testing.T) {
	_, upstream, url := newTestServer(t, nil)

	conn := dialSession(t, url)
	authenticate(t, conn, testAPIKey)

	require.NoError(t, conn.WriteJSON(mcp.Request{
		JSONRPC: "2.0",
		ID:      mcp.RequestID("call-1"),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"tabs_list","arguments":{}}`),
	}))

	var resp mcp.Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.Nil(t, resp.Error)
	assert.Equal(t, "call-1", mcp.DecodeID(resp.ID))
	assert.Equal(t, 1, upstream.callCount())

	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "stub result")
}

func TestServer_ProxyListTools(t *testing.T) {
	_, upstream, url := newTestServer(t, nil)
	upstream.listResult = mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "tabs_list"}}}

	conn := dialSession(t, url)
	authenticate(t, conn, testAPIKey)

	require.NoError(t, conn.WriteJSON(mcp.Request{
		JSONRPC: "2.0",
		ID:      mcp.RequestID("list-1"),
		Method:  "tools/list",
	}))

	var resp mcp.Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.Nil(t, resp.Error)

	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var listed mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(raw, &listed))
	require.Len(t, listed.Tools, 1)
	assert.Equal(t, "tabs_list", listed.Tools[0].Name)
}

func TestServer_ProxyUnknownMethod(t *testing.T) {
	_, _, url := newTestServer(t, nil)

	conn := dialSession(t, url)
	authenticate(t, conn, testAPIKey)

	require.NoError(t, conn.WriteJSON(mcp.Request{
		JSONRPC: "2.0",
		ID:      mcp.RequestID("x"),
		Method:  "resources/list",
	}))

	var resp mcp.Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrorCodeMethodNotFound, resp.Error.Code)
}

func TestServer_RateLimit(t *testing.T) {
	const maxRequests = 3
	_, _, url := newTestServer(t, func(c *Config) {
		c.RateLimitMax = maxRequests
		c.RateLimitWindow = 500 * time.Millisecond
	})

	conn := dialSession(t, url)
	authenticate(t, conn, testAPIKey)

	sendListTools := func(id string) *mcp.Response {
		require.NoError(t, conn.WriteJSON(mcp.Request{
			JSONRPC: "2.0",
			ID:      mcp.RequestID(id),
			Method:  "tools/list",
		}))
		var resp mcp.Response
		require.NoError(t, conn.ReadJSON(&resp))
		return &resp
	}

	for i := 0; i < maxRequests; i++ {
		resp := sendListTools(fmt.Sprintf("ok-%d", i))
		assert.Nil(t, resp.Error, "request %d within budget", i)
	}

	over := sendListTools("over")
	require.NotNil(t, over.Error)
	assert.Equal(t, mcp.ErrorCodeRateLimited, over.Error.Code)
	assert.Equal(t, "rate limit exceeded", over.Error.Message)

	// Pace the follow-up past the window boundary; the counter resets
	// and requests flow again on the same socket.
	limiter := rate.NewLimiter(rate.Every(600*time.Millisecond), 1)
	limiter.Allow() // drain the initial token
	require.NoError(t, limiter.Wait(context.Background()))

	after := sendListTools("after-reset")
	assert.Nil(t, after.Error, "window reset restores the budget")
}

func TestServer_RateLimitCoversUnrecognizedMessages(t *testing.T) {
	_, _, url := newTestServer(t, func(c *Config) {
		c.RateLimitMax = 1
		c.RateLimitWindow = time.Minute
	})

	conn := dialSession(t, url)
	authenticate(t, conn, testAPIKey)

	// First unrecognized message spends the budget and is answered on
	// its merits.
	require.NoError(t, conn.WriteJSON(map[string]string{"hello": "world"}))
	var resp mcp.Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrorCodeInvalidRequest, resp.Error.Code)

	// Second one is charged before interpretation.
	require.NoError(t, conn.WriteJSON(map[string]string{"hello": "again"}))
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrorCodeRateLimited, resp.Error.Code)

	// The socket stays open.
	require.NoError(t, conn.WriteJSON(mcp.Ping{Type: mcp.MessageTypePing}))
	var pong mcp.Pong
	require.NoError(t, conn.ReadJSON(&pong))
}

func TestServer_Health(t *testing.T) {
	server, upstream, url := newTestServer(t, nil)
	server.startedAt = time.Now()
	upstream.Connect()

	httpURL := "http" + strings.TrimPrefix(url, "ws")
	resp, err := http.Get(httpURL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status       string  `json:"status"`
		Uptime       float64 `json:"uptime"`
		Connections  int     `json:"connections"`
		MCPConnected bool    `json:"mcpConnected"`
		Timestamp    int64   `json:"timestamp"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.True(t, body.MCPConnected)
	assert.NotZero(t, body.Timestamp)
}

func TestServer_SweepIdleSessions(t *testing.T) {
	server, _, url := newTestServer(t, func(c *Config) {
		c.SessionTimeout = time.Minute
	})

	conn := dialSession(t, url)
	authenticate(t, conn, testAPIKey)
	require.Eventually(t, func() bool {
		return server.SessionCount() == 1
	}, time.Second, 10*time.Millisecond)

	// Nothing idle yet.
	server.sweepIdleSessions(time.Now())
	assert.Equal(t, 1, server.SessionCount())

	// Jump the clock beyond the idle budget.
	server.sweepIdleSessions(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, server.SessionCount())

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestServer_ActivityDefersSweep(t *testing.T) {
	server, _, url := newTestServer(t, func(c *Config) {
		c.SessionTimeout = 200 * time.Millisecond
	})

	conn := dialSession(t, url)
	authenticate(t, conn, testAPIKey)
	require.Eventually(t, func() bool {
		return server.SessionCount() == 1
	}, time.Second, 10*time.Millisecond)

	// Keep the session warm past the original deadline.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(mcp.Ping{Type: mcp.MessageTypePing}))
	var pong mcp.Pong
	require.NoError(t, conn.ReadJSON(&pong))

	server.sweepIdleSessions(time.Now().Add(100 * time.Millisecond))
	assert.Equal(t, 1, server.SessionCount(), "recent activity resets the idle clock")
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	server, upstream, url := newTestServer(t, nil)

	conn := dialSession(t, url)
	authenticate(t, conn, testAPIKey)

	require.NoError(t, server.Shutdown())
	assert.Equal(t, 0, server.SessionCount())
	assert.False(t, upstream.Connected())

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	// Shutdown is idempotent.
	require.NoError(t, server.Shutdown())
}

func TestServer_MissingOriginRejected(t *testing.T) {
	_, _, url := newTestServer(t, nil)

	_, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
}
