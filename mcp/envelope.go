package mcp

import "encoding/json"

// Control message types exchanged alongside JSON-RPC envelopes on the
// bridge WebSocket.
const (
	MessageTypeAuth        = "auth"
	MessageTypeAuthSuccess = "auth_success"
	MessageTypeAuthError   = "auth_error"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
)

// AuthRequest is sent by a client to authenticate its connection.
type AuthRequest struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey"`
}

// AuthSuccess confirms authentication and carries the session id.
type AuthSuccess struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"`
}

// AuthError reports a failed authentication. The bridge closes the
// socket after sending it.
type AuthError struct {
	Type  string `json:"type"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Ping is the keep-alive probe sent by connected clients.
type Ping struct {
	Type string `json:"type"`
}

// Pong is the keep-alive reply, timestamped in epoch milliseconds.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// EnvelopeKind classifies an inbound bridge message into exactly one
// variant before any field is accessed.
type EnvelopeKind int

const (
	EnvelopeInvalid EnvelopeKind = iota
	EnvelopeAuth
	EnvelopePing
	EnvelopePong
	EnvelopeAuthReply
	EnvelopeRequest
	EnvelopeResponse
	EnvelopeUnrecognized
)

// Envelope is the decoded form of one inbound WebSocket message. Only
// the fields matching Kind are populated.
type Envelope struct {
	Kind     EnvelopeKind
	Auth     *AuthRequest
	Request  *Request
	Response *Response
	Raw      json.RawMessage
}

type envelopeProbe struct {
	Type    string           `json:"type"`
	Method  string           `json:"method"`
	ID      *json.RawMessage `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *Error           `json:"error"`
	JSONRPC string           `json:"jsonrpc"`
}

// ClassifyMessage decodes a raw payload into an Envelope. Malformed
// JSON yields EnvelopeInvalid; a shape that matches no known variant
// yields EnvelopeUnrecognized.
func ClassifyMessage(raw []byte) Envelope {
	var probe envelopeProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Envelope{Kind: EnvelopeInvalid, Raw: raw}
	}

	switch probe.Type {
	case MessageTypeAuth:
		var auth AuthRequest
		if err := json.Unmarshal(raw, &auth); err != nil {
			return Envelope{Kind: EnvelopeInvalid, Raw: raw}
		}
		return Envelope{Kind: EnvelopeAuth, Auth: &auth, Raw: raw}
	case MessageTypePing:
		return Envelope{Kind: EnvelopePing, Raw: raw}
	case MessageTypePong:
		return Envelope{Kind: EnvelopePong, Raw: raw}
	case MessageTypeAuthSuccess, MessageTypeAuthError:
		return Envelope{Kind: EnvelopeAuthReply, Raw: raw}
	}

	if probe.Method != "" {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return Envelope{Kind: EnvelopeInvalid, Raw: raw}
		}
		return Envelope{Kind: EnvelopeRequest, Request: &req, Raw: raw}
	}

	if probe.ID != nil && (probe.Result != nil || probe.Error != nil) {
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return Envelope{Kind: EnvelopeInvalid, Raw: raw}
		}
		return Envelope{Kind: EnvelopeResponse, Response: &resp, Raw: raw}
	}

	return Envelope{Kind: EnvelopeUnrecognized, Raw: raw}
}
