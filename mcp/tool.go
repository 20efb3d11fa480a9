package mcp

import (
	"context"
	"encoding/json"
)

// Tool represents a callable tool exposed by a Router.
type Tool struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	InputSchema json.RawMessage  `json:"inputSchema"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

// ToolAnnotations carries optional metadata about a tool. Annotations
// are registration-side hints and are never echoed on tools/list.
type ToolAnnotations struct {
	Category     string `json:"category,omitempty"`
	ReadOnlyHint bool   `json:"readOnlyHint,omitempty"`
}

// ToolResultContent represents one content item returned by a tool.
// Type is either "text" or "image"; image items carry base64 data plus
// a mime type.
type ToolResultContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallToolParams represents parameters for calling a tool.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult represents the result of calling a tool.
type CallToolResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// ListToolsResult represents the result of listing available tools.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// ToolHandler is the implementation behind a registered tool. Handlers
// receive the raw argument payload and the merged per-call context.
type ToolHandler func(ctx context.Context, args json.RawMessage, rc RouterContext) (CallToolResult, error)

// TextResult builds a single-item text result.
func TextResult(text string) CallToolResult {
	return CallToolResult{
		Content: []ToolResultContent{{Type: "text", Text: text}},
	}
}

// ErrorResult builds a single-item text result flagged as an error.
func ErrorResult(text string) CallToolResult {
	return CallToolResult{
		IsError: true,
		Content: []ToolResultContent{{Type: "text", Text: text}},
	}
}

// ImageResult builds a single-item image result from base64 data.
func ImageResult(data, mimeType string) CallToolResult {
	return CallToolResult{
		Content: []ToolResultContent{{Type: "image", Data: data, MimeType: mimeType}},
	}
}
