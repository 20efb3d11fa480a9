package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/mcp"
	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/observability"
)

const (
	defaultRateLimitWindow = time.Minute
	defaultRateLimitMax    = 100
	defaultSessionTimeout  = 5 * time.Minute
	defaultSweepInterval   = time.Minute
)

// UpstreamClient is the process-boundary tool provider the bridge
// proxies authenticated tool calls to.
type UpstreamClient interface {
	Connect() error
	Connected() bool
	CallTool(req *mcp.Request) *mcp.Response
	ListTools() (mcp.ListToolsResult, error)
	Disconnect() error
}

// Config holds the bridge server configuration.
type Config struct {
	Port           int
	APIKeys        []string
	AllowedOrigins []string

	RateLimitWindow time.Duration
	RateLimitMax    int
	SessionTimeout  time.Duration
	SweepInterval   time.Duration

	Logger observability.Logger
}

// Server terminates inbound WebSocket connections, authenticates each
// into a Session, enforces per-session rate limits and idle timeouts,
// and proxies tool-call messages to the upstream client.
type Server struct {
	config   Config
	logger   observability.Logger
	auth     *AuthManager
	upstream UpstreamClient
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	startedAt  time.Time
	httpServer *http.Server
	sweepStop  chan struct{}
}

// NewServer validates the configuration and builds a Server. An
// invalid port or an empty API-key list is a configuration error and
// must be fixed before serving.
func NewServer(config Config, upstream UpstreamClient) (*Server, error) {
	if config.Port <= 0 || config.Port > 65535 {
		return nil, fmt.Errorf("invalid listen port")
	}
	if len(config.APIKeys) == 0 {
		return nil, fmt.Errorf("at least one API key must be configured")
	}
	if upstream == nil {
		return nil, fmt.Errorf("upstream client cannot be nil")
	}
	if config.RateLimitWindow == 0 {
		config.RateLimitWindow = defaultRateLimitWindow
	}
	if config.RateLimitMax == 0 {
		config.RateLimitMax = defaultRateLimitMax
	}
	if config.SessionTimeout == 0 {
		config.SessionTimeout = defaultSessionTimeout
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = defaultSweepInterval
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogrusLogger(nil)
	}

	return &Server{
		config:   config,
		logger:   config.Logger,
		auth:     NewAuthManager(config.APIKeys),
		upstream: upstream,
		upgrader: websocket.Upgrader{
			CheckOrigin: makeOriginChecker(config.AllowedOrigins),
		},
		sessions:  make(map[string]*Session),
		sweepStop: make(chan struct{}),
	}, nil
}

// Handler returns the HTTP handler serving the WebSocket endpoint and
// the health endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Run connects the upstream provider, starts the idle sweep and serves
// until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.startedAt = time.Now()

	if err := s.upstream.Connect(); err != nil {
		return fmt.Errorf("failed to connect upstream: %w", err)
	}

	s.httpServer = &http.Server{
		BaseContext: func(net.Listener) context.Context { return ctx },
		Addr:        fmt.Sprintf(":%d", s.config.Port),
		Handler:     s.Handler(),
	}

	s.logger.WithFields(map[string]interface{}{
		"port": s.config.Port,
	}).Info("Starting bridge server")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.sweepLoop()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return s.Shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// Shutdown tears the server down in order: stop the sweep, close every
// live session, clear the table, close the listener, then disconnect
// the upstream client, so no new work is accepted mid-teardown.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.sweepStop)

	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, session := range sessions {
		session.close(websocket.CloseNormalClosure, "server shutting down")
	}

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.WithErr(err).Error("Error during server shutdown")
		}
	}

	if err := s.upstream.Disconnect(); err != nil {
		s.logger.WithErr(err).Warn("Error disconnecting upstream")
	}

	s.logger.Info("Bridge server stopped")
	return nil
}

// SessionCount reports the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithErr(err).Warn("WebSocket upgrade rejected")
		return
	}

	session := newSession(conn, s.config.RateLimitWindow)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[session.ID] = session
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"session": session.ID,
	}).Info("Client connected")

	go s.readLoop(r.Context(), session)
}

func (s *Server) readLoop(ctx context.Context, session *Session) {
	defer s.removeSession(session)

	for {
		_, raw, err := session.conn.ReadMessage()
		if err != nil {
			return
		}
		if !s.handleMessage(ctx, session, raw) {
			return
		}
	}
}

func (s *Server) removeSession(session *Session) {
	s.mu.Lock()
	_, present := s.sessions[session.ID]
	delete(s.sessions, session.ID)
	s.mu.Unlock()

	session.conn.Close()
	if present {
		s.logger.WithFields(map[string]interface{}{
			"session": session.ID,
		}).Info("Client disconnected")
	}
}

// handleMessage runs the per-message pipeline. It returns false when
// the session must be torn down.
func (s *Server) handleMessage(ctx context.Context, session *Session, raw []byte) bool {
	ctx, span := observability.StartSpan(ctx, "bridge.handleMessage")
	defer span.End()

	// The idle sweep reads this from its own goroutine.
	s.mu.Lock()
	session.LastActivityAt = time.Now()
	s.mu.Unlock()

	envelope := mcp.ClassifyMessage(raw)
	switch envelope.Kind {
	case mcp.EnvelopeInvalid:
		session.send(mcp.NewErrorResponse(nil, mcp.ErrorCodeParseError, "invalid JSON", nil))
		return true

	case mcp.EnvelopePing:
		session.send(mcp.Pong{Type: mcp.MessageTypePong, Timestamp: time.Now().UnixMilli()})
		return true

	case mcp.EnvelopeAuth:
		return s.handleAuth(session, envelope.Auth)

	case mcp.EnvelopeRequest:
		if !session.Authenticated {
			session.send(mcp.NewErrorResponse(envelope.Request.ID, mcp.ErrorCodeNotAuthenticated, "not authenticated", nil))
			session.close(websocket.ClosePolicyViolation, "not authenticated")
			return false
		}
		if !session.allowRequest(time.Now(), s.config.RateLimitWindow, s.config.RateLimitMax) {
			session.send(mcp.NewErrorResponse(envelope.Request.ID, mcp.ErrorCodeRateLimited, "rate limit exceeded", nil))
			return true
		}
		if err := s.proxyRequest(session, envelope.Request); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return true

	default:
		if !session.Authenticated {
			session.send(mcp.NewErrorResponse(nil, mcp.ErrorCodeNotAuthenticated, "not authenticated", nil))
			session.close(websocket.ClosePolicyViolation, "not authenticated")
			return false
		}
		// The rate limit covers every authenticated message, charged
		// before the payload is interpreted.
		if !session.allowRequest(time.Now(), s.config.RateLimitWindow, s.config.RateLimitMax) {
			session.send(mcp.NewErrorResponse(nil, mcp.ErrorCodeRateLimited, "rate limit exceeded", nil))
			return true
		}
		session.send(mcp.NewErrorResponse(nil, mcp.ErrorCodeInvalidRequest, "unrecognized message", nil))
		return true
	}
}

func (s *Server) handleAuth(session *Session, auth *mcp.AuthRequest) bool {
	if !s.auth.ValidateKey(auth.APIKey) {
		s.logger.WithFields(map[string]interface{}{
			"session": session.ID,
		}).Warn("Authentication failed")

		reply := mcp.AuthError{Type: mcp.MessageTypeAuthError}
		reply.Error.Message = "invalid API key"
		session.send(reply)
		session.close(websocket.ClosePolicyViolation, "invalid API key")
		return false
	}

	session.Authenticated = true
	session.send(mcp.AuthSuccess{
		Type:      mcp.MessageTypeAuthSuccess,
		SessionID: session.ID,
		Message:   "authenticated",
	})

	s.logger.WithFields(map[string]interface{}{
		"session": session.ID,
	}).Info("Client authenticated")
	return true
}

// proxyRequest forwards an authenticated protocol envelope to the
// upstream client and relays the result, tagged with the original id.
func (s *Server) proxyRequest(session *Session, req *mcp.Request) error {
	switch req.Method {
	case "tools/call":
		resp := s.upstream.CallTool(req)
		if err := session.send(resp); err != nil {
			return fmt.Errorf("failed to relay tool result: %w", err)
		}
		if resp.Error != nil {
			return resp.Error
		}
		return nil

	case "tools/list":
		result, err := s.upstream.ListTools()
		if err != nil {
			session.send(mcp.NewErrorResponse(req.ID, mcp.ErrorCodeInternal, err.Error(), nil))
			return err
		}
		return session.send(mcp.NewResponse(req.ID, result))

	default:
		session.send(mcp.NewErrorResponse(req.ID, mcp.ErrorCodeMethodNotFound,
			fmt.Sprintf("unknown method: %s", req.Method), nil))
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       "healthy",
		"uptime":       time.Since(s.startedAt).Seconds(),
		"connections":  s.SessionCount(),
		"mcpConnected": s.upstream.Connected(),
		"timestamp":    time.Now().UnixMilli(),
	})
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.sweepIdleSessions(time.Now())
		}
	}
}

// sweepIdleSessions force-closes and removes every session idle past
// the configured timeout.
func (s *Server) sweepIdleSessions(now time.Time) {
	s.mu.Lock()
	var expired []*Session
	for id, session := range s.sessions {
		if now.Sub(session.LastActivityAt) > s.config.SessionTimeout {
			expired = append(expired, session)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, session := range expired {
		s.logger.WithFields(map[string]interface{}{
			"session": session.ID,
		}).Info("Closing idle session")
		session.close(websocket.CloseGoingAway, "session timed out")
	}
}
