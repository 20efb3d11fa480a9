package mcp

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/observability"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultRequestTimeout    = 30 * time.Second
	baseReconnectDelay       = 1 * time.Second
	maxReconnectDelay        = 30 * time.Second
	defaultMaxReconnects     = 5
)

// ConnectionState is the client transport's connection state.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	ConnectionError
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case ConnectionError:
		return "error"
	default:
		return "unknown"
	}
}

// WebSocketClientConfig configures a WebSocketClient.
type WebSocketClientConfig struct {
	URL string
	// APIKey, when set, enables the auth handshake after socket open.
	APIKey               string
	HeartbeatInterval    time.Duration
	RequestTimeout       time.Duration
	DisableReconnect     bool
	MaxReconnectAttempts int
	Logger               observability.Logger
	// OnStateChange and OnError are fire-and-forget observers; they
	// must not block.
	OnStateChange func(ConnectionState)
	OnError       func(error)
}

// WebSocketClient maintains one outbound persistent connection to a
// bridge server: connection state machine, auth handshake, heartbeat
// keep-alive, exponential-backoff reconnection and request/response
// correlation by id.
type WebSocketClient struct {
	config WebSocketClientConfig
	logger observability.Logger

	mu                sync.Mutex
	state             ConnectionState
	conn              *websocket.Conn
	writeMu           sync.Mutex
	authenticated     bool
	closing           bool
	reconnectDisabled bool
	reconnectAttempts int
	reconnectTimer    *time.Timer
	heartbeatStop     chan struct{}
	authResult        chan error

	pending *pendingRequests
}

// NewWebSocketClient creates a client transport for the given bridge URL.
func NewWebSocketClient(config WebSocketClientConfig) (*WebSocketClient, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("websocket URL cannot be empty")
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = defaultHeartbeatInterval
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = defaultMaxReconnects
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogrusLogger(nil)
	}

	return &WebSocketClient{
		config:            config,
		logger:            config.Logger,
		state:             Disconnected,
		reconnectDisabled: config.DisableReconnect,
		pending:           newPendingRequests(),
	}, nil
}

// State returns the current connection state.
func (c *WebSocketClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the socket and, when an API key is configured, runs
// the auth handshake before the transport reports Connected. Calling
// it while already connected or connecting is a no-op.
func (c *WebSocketClient) Connect() error {
	c.mu.Lock()
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return nil
	}
	// A manual connect supersedes any armed retry and restores the
	// configured reconnect policy after an explicit Disconnect.
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectDisabled = c.config.DisableReconnect
	c.closing = false
	changed := c.setStateLocked(Connecting)
	authResult := make(chan error, 1)
	c.authResult = authResult
	c.mu.Unlock()
	c.notifyState(changed, Connecting)

	conn, _, err := websocket.DefaultDialer.Dial(c.config.URL, nil)
	if err != nil {
		c.reportError(fmt.Errorf("dial failed: %w", err))
		c.scheduleReconnect()
		return fmt.Errorf("failed to connect to %s: %w", c.config.URL, err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	go c.readLoop(conn)

	if c.config.APIKey != "" {
		if err := c.authenticate(authResult); err != nil {
			c.teardown(false)
			c.setState(Disconnected)
			return err
		}
	}

	c.mu.Lock()
	c.authenticated = true
	c.reconnectAttempts = 0
	c.startHeartbeatLocked()
	changed = c.setStateLocked(Connected)
	c.mu.Unlock()
	c.notifyState(changed, Connected)

	c.logger.WithFields(map[string]interface{}{"url": c.config.URL}).Info("Connected to bridge")
	return nil
}

func (c *WebSocketClient) authenticate(authResult chan error) error {
	auth := AuthRequest{Type: MessageTypeAuth, APIKey: c.config.APIKey}
	if err := c.writeJSON(auth); err != nil {
		return fmt.Errorf("failed to send auth message: %w", err)
	}

	select {
	case err := <-authResult:
		if err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
		return nil
	case <-time.After(c.config.RequestTimeout):
		return fmt.Errorf("authentication timed out after %s", c.config.RequestTimeout)
	}
}

// SendMessage assigns a fresh request id, registers a pending entry
// and waits for the correlated response or the timeout. It requires an
// authenticated, open connection.
func (c *WebSocketClient) SendMessage(method string, params interface{}) (*Response, error) {
	c.mu.Lock()
	if c.state != Connected || !c.authenticated || c.conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	c.mu.Unlock()

	id := uuid.New().String()
	req := Request{
		JSONRPC: "2.0",
		ID:      RequestID(id),
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	call, err := c.pending.Register(id, c.config.RequestTimeout)
	if err != nil {
		return nil, err
	}

	if err := c.writeJSON(req); err != nil {
		c.pending.Fail(id, err)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	return call.Wait()
}

// CallTool invokes a remote tool through the bridge.
func (c *WebSocketClient) CallTool(name string, arguments json.RawMessage) (*Response, error) {
	return c.SendMessage("tools/call", CallToolParams{Name: name, Arguments: arguments})
}

// ListTools fetches the remote tool list through the bridge.
func (c *WebSocketClient) ListTools() (*Response, error) {
	return c.SendMessage("tools/list", nil)
}

// Disconnect explicitly tears the connection down: reconnection is
// disabled, the heartbeat stops, the socket closes and every pending
// request is rejected. This is the only path that proactively fails
// in-flight requests rather than leaving them to time out.
func (c *WebSocketClient) Disconnect() error {
	c.mu.Lock()
	c.reconnectDisabled = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	c.teardown(true)
	c.setState(Disconnected)
	return nil
}

func (c *WebSocketClient) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleSocketClosed(conn, err)
			return
		}
		c.dispatch(raw)
	}
}

func (c *WebSocketClient) dispatch(raw []byte) {
	envelope := ClassifyMessage(raw)

	switch envelope.Kind {
	case EnvelopeAuthReply:
		c.deliverAuthReply(envelope.Raw)

	case EnvelopePong:
		// Liveness only; no pending-request bookkeeping.

	case EnvelopeResponse:
		id := DecodeID(envelope.Response.ID)
		var matched bool
		if envelope.Response.Error != nil {
			matched = c.pending.Fail(id, envelope.Response.Error)
		} else {
			matched = c.pending.Complete(id, envelope.Response)
		}
		if !matched {
			c.logger.WithFields(map[string]interface{}{"id": id}).Debug("Dropping unmatched response")
		}

	default:
		c.logger.Debug("Dropping unroutable message")
	}
}

func (c *WebSocketClient) deliverAuthReply(raw []byte) {
	c.mu.Lock()
	authResult := c.authResult
	c.mu.Unlock()
	if authResult == nil {
		return
	}

	var probe struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}

	var result error
	if probe.Type == MessageTypeAuthError {
		message := probe.Message
		if probe.Error != nil && probe.Error.Message != "" {
			message = probe.Error.Message
		}
		if message == "" {
			message = "authentication rejected"
		}
		result = fmt.Errorf("%s", message)
	}

	select {
	case authResult <- result:
	default:
	}
}

// handleSocketClosed reacts to an unexpected socket close. Pending
// requests are left to their own timeouts; only explicit Disconnect
// rejects them eagerly.
func (c *WebSocketClient) handleSocketClosed(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closing || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.authenticated = false
	c.stopHeartbeatLocked()
	c.mu.Unlock()

	c.reportError(fmt.Errorf("connection lost: %w", cause))
	c.setState(ConnectionError)
	c.scheduleReconnect()
}

// scheduleReconnect arms a retry after the current backoff delay:
// min(1s doubled per consecutive failure, 30s), reset to the floor on
// any successful connect. Exhausting the attempt budget leaves the
// transport Disconnected until Connect is called again.
func (c *WebSocketClient) scheduleReconnect() {
	c.mu.Lock()
	if c.closing || c.reconnectDisabled || c.reconnectAttempts >= c.config.MaxReconnectAttempts {
		changed := c.setStateLocked(Disconnected)
		c.mu.Unlock()
		c.notifyState(changed, Disconnected)
		return
	}

	delay := backoffDelay(c.reconnectAttempts)
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	changed := c.setStateLocked(Reconnecting)

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		// A manual Connect may have raced the timer; only a transport
		// still waiting to retry may redial.
		if c.state != Reconnecting {
			c.mu.Unlock()
			return
		}
		c.state = Disconnected // let Connect proceed
		c.mu.Unlock()
		if err := c.Connect(); err != nil {
			c.logger.WithErr(err).Warn("Reconnect attempt failed")
		}
	})
	c.mu.Unlock()
	c.notifyState(changed, Reconnecting)

	c.logger.WithFields(map[string]interface{}{
		"attempt": attempt,
		"delay":   delay.String(),
	}).Warn("Connection lost, scheduling reconnect")
}

// backoffDelay computes the delay before reconnect attempt n+1 given n
// consecutive failures.
func backoffDelay(failures int) time.Duration {
	delay := baseReconnectDelay
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	return delay
}

func (c *WebSocketClient) startHeartbeatLocked() {
	c.stopHeartbeatLocked()
	stop := make(chan struct{})
	c.heartbeatStop = stop

	interval := c.config.HeartbeatInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.writeJSON(Ping{Type: MessageTypePing}); err != nil {
					c.logger.WithErr(err).Warn("Heartbeat send failed")
				}
			}
		}
	}()
}

func (c *WebSocketClient) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// teardown closes the socket; failPending additionally rejects every
// outstanding request with a connection-closed failure.
func (c *WebSocketClient) teardown(failPending bool) {
	c.mu.Lock()
	c.closing = true
	c.authenticated = false
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if failPending {
		c.pending.FailAll(fmt.Errorf("connection closed"))
	}
}

func (c *WebSocketClient) writeJSON(v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no open connection")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (c *WebSocketClient) setState(state ConnectionState) {
	c.mu.Lock()
	changed := c.setStateLocked(state)
	c.mu.Unlock()
	c.notifyState(changed, state)
}

// setStateLocked mutates the state field; the observer runs after the
// lock is released via notifyState.
func (c *WebSocketClient) setStateLocked(state ConnectionState) bool {
	if c.state == state {
		return false
	}
	c.state = state
	return true
}

// notifyState invokes the state observer synchronously. Observers are
// fire-and-forget notifications and must not block forward progress.
func (c *WebSocketClient) notifyState(changed bool, state ConnectionState) {
	if changed && c.config.OnStateChange != nil {
		c.config.OnStateChange(state)
	}
}

func (c *WebSocketClient) reportError(err error) {
	if c.config.OnError != nil {
		c.config.OnError(err)
	}
}
