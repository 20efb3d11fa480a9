package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Connection represents one active local transport connection. Both
// accepted and dialed ends use it; writes are serialized, reads are
// owned by a single loop or caller at a time.
type Connection struct {
	ID      string
	conn    net.Conn
	writer  *json.Encoder
	decoder *json.Decoder
	mu      sync.Mutex
}

// NewConnection creates a new connection instance over conn.
func NewConnection(conn net.Conn) *Connection {
	return &Connection{
		ID:      uuid.New().String(),
		conn:    conn,
		writer:  json.NewEncoder(conn),
		decoder: json.NewDecoder(conn),
	}
}

// Send encodes a message onto the connection.
func (c *Connection) Send(msg interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writer == nil {
		return errors.New("connection writer is not initialized")
	}

	if err := c.writer.Encode(msg); err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	return nil
}

// ReadRequest decodes the next request from the connection.
func (c *Connection) ReadRequest() (*Request, error) {
	var req Request
	if err := c.decoder.Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ReadResponse decodes the next response from the connection, bounded
// by the given deadline. A zero timeout means no deadline.
func (c *Connection) ReadResponse(timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}

	var resp Response
	if err := c.decoder.Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close closes the underlying connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}
