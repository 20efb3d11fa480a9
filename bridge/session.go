package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session is the per-connection authentication, rate-limit and
// activity state. Sessions are exclusively owned by the server's
// session table; they are created unauthenticated on socket accept and
// destroyed on close, explicit disconnect or the idle sweep.
type Session struct {
	ID             string
	Authenticated  bool
	CreatedAt      time.Time
	LastActivityAt time.Time
	RequestCount   int
	WindowResetAt  time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newSession(conn *websocket.Conn, window time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:             uuid.New().String(),
		CreatedAt:      now,
		LastActivityAt: now,
		WindowResetAt:  now.Add(window),
		conn:           conn,
	}
}

// send serializes writes to the session's socket.
func (s *Session) send(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// close sends a close frame and closes the socket, best-effort.
func (s *Session) close(code int, reason string) {
	s.writeMu.Lock()
	message := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.conn.Close()
}

// allowRequest applies the fixed-window rate limit: the window is
// reset lazily once now passes the stored reset time, then the counter
// increments and is compared to the maximum. Wall-clock based, as the
// original scheme is; a backwards clock adjustment skews the window.
func (s *Session) allowRequest(now time.Time, window time.Duration, maxRequests int) bool {
	if now.After(s.WindowResetAt) {
		s.RequestCount = 0
		s.WindowResetAt = now.Add(window)
	}
	s.RequestCount++
	return s.RequestCount <= maxRequests
}
