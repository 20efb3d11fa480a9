package mcp

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/observability"
)

const defaultReplyTimeout = 30 * time.Second

// LocalTransportConfig configures a LocalTransport.
type LocalTransportConfig struct {
	// Channel is the named endpoint both sides rendezvous on. It maps
	// to a unix socket path under SocketDir.
	Channel   string
	SocketDir string
	Logger    observability.Logger
	// OnError receives connection-level failures. They are reported,
	// never raised to the listener's caller.
	OnError func(error)
}

// LocalTransport binds a Router to a named local endpoint. One side
// listens; any number of peers connect under the same channel name and
// exchange JSON-RPC messages, each connection served independently.
type LocalTransport struct {
	config LocalTransportConfig
	router *Router
	logger observability.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*Connection
	closed   bool
}

// NewLocalTransport creates a local transport for the given channel.
func NewLocalTransport(config LocalTransportConfig, router *Router) (*LocalTransport, error) {
	if config.Channel == "" {
		return nil, fmt.Errorf("channel name cannot be empty")
	}
	if config.SocketDir == "" {
		config.SocketDir = os.TempDir()
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogrusLogger(nil)
	}
	if config.OnError == nil {
		config.OnError = func(error) {}
	}

	return &LocalTransport{
		config: config,
		router: router,
		logger: config.Logger,
		conns:  make(map[string]*Connection),
	}, nil
}

func (t *LocalTransport) socketPath() string {
	return filepath.Join(t.config.SocketDir, t.config.Channel+".sock")
}

// Listen registers the endpoint and starts accepting connections.
// Every inbound message on an accepted connection is handed to the
// Router and the response sent back on the same connection.
func (t *LocalTransport) Listen(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return fmt.Errorf("transport already listening on %s", t.config.Channel)
	}

	path := t.socketPath()
	// A previous run may have left the socket file behind.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear socket path: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	t.listener = listener
	t.closed = false

	go t.acceptLoop(ctx, listener)

	t.logger.WithFields(map[string]interface{}{
		"channel": t.config.Channel,
		"path":    path,
	}).Info("Local transport listening")
	return nil
}

func (t *LocalTransport) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.config.OnError(fmt.Errorf("accept failed: %w", err))
			}
			return
		}

		connection := NewConnection(conn)
		t.mu.Lock()
		t.conns[connection.ID] = connection
		t.mu.Unlock()

		go t.serveConnection(ctx, connection)
	}
}

// serveConnection drives one accepted peer. A failure here is isolated
// to this connection; other peers keep running.
func (t *LocalTransport) serveConnection(ctx context.Context, conn *Connection) {
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn.ID)
		t.mu.Unlock()
		conn.Close()
	}()

	for {
		req, err := conn.ReadRequest()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.config.OnError(fmt.Errorf("connection %s read failed: %w", conn.ID, err))
			}
			return
		}

		resp := t.handleSafely(ctx, req)
		if err := conn.Send(resp); err != nil {
			t.config.OnError(fmt.Errorf("connection %s write failed: %w", conn.ID, err))
			return
		}
	}
}

// handleSafely converts anything the Router (or a panicking handler)
// produces into an error-shaped payload rather than letting it escape
// the transport boundary.
func (t *LocalTransport) handleSafely(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			t.config.OnError(err)
			resp = NewErrorResponse(req.ID, ErrorCodeInternal, "internal error", nil)
		}
	}()
	return t.router.Handle(ctx, req, nil)
}

// Connect establishes one outbound connection to the listening side of
// this channel and returns the raw handle for the caller to use.
func (t *LocalTransport) Connect() (*Connection, error) {
	conn, err := net.Dial("unix", t.socketPath())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", t.config.Channel, err)
	}
	return NewConnection(conn), nil
}

// SendMessage pairs one outbound request with the next inbound reply
// on the connection, bounded by a timeout.
func (t *LocalTransport) SendMessage(conn *Connection, req *Request, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = defaultReplyTimeout
	}

	if err := conn.Send(req); err != nil {
		return nil, err
	}

	resp, err := conn.ReadResponse(timeout)
	if err != nil {
		return nil, fmt.Errorf("no reply within %s: %w", timeout, err)
	}
	return resp, nil
}

// Broadcast pushes a message to every accepted connection,
// best-effort; one peer's failure never blocks delivery to the rest.
func (t *LocalTransport) Broadcast(msg interface{}) {
	t.mu.Lock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		if err := c.Send(msg); err != nil {
			t.config.OnError(fmt.Errorf("broadcast to %s failed: %w", c.ID, err))
		}
	}
}

// ConnectionCount reports the number of live accepted connections.
func (t *LocalTransport) ConnectionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Disconnect closes every tracked connection and stops accepting.
func (t *LocalTransport) Disconnect() error {
	t.mu.Lock()
	t.closed = true
	listener := t.listener
	t.listener = nil
	conns := t.conns
	t.conns = make(map[string]*Connection)
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if listener != nil {
		return listener.Close()
	}
	return nil
}
