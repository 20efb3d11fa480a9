package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// RouterContext carries named capabilities (tab access, script
// execution, storage) plus arbitrary extras into tool handlers. The
// Router treats it as read-only data; transports and servers populate
// it.
type RouterContext map[string]interface{}

// Merge returns a new context combining rc with override; override
// wins on key collision. Either side may be nil.
func (rc RouterContext) Merge(override RouterContext) RouterContext {
	merged := make(RouterContext, len(rc)+len(override))
	for k, v := range rc {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// Router owns the tool registry and protocol-level dispatch. The
// registered definitions and handlers are immutable after construction
// and safe for concurrent in-flight calls.
type Router struct {
	tools       []Tool
	handlers    map[string]ToolHandler
	baseContext RouterContext
}

// NewRouter builds a Router from tool definitions and their handlers.
// Every definition must have a handler registered under its name;
// a missing or duplicate entry is a configuration error, reported at
// construction rather than deferred to call time.
func NewRouter(tools []Tool, handlers map[string]ToolHandler, baseContext RouterContext) (*Router, error) {
	seen := make(map[string]bool, len(tools))
	for _, tool := range tools {
		if tool.Name == "" {
			return nil, fmt.Errorf("tool name cannot be empty")
		}
		if seen[tool.Name] {
			return nil, fmt.Errorf("duplicate tool name: %s", tool.Name)
		}
		seen[tool.Name] = true

		handler, ok := handlers[tool.Name]
		if !ok || handler == nil {
			return nil, fmt.Errorf("no handler registered for tool: %s", tool.Name)
		}
	}

	registered := make(map[string]ToolHandler, len(tools))
	for name := range seen {
		registered[name] = handlers[name]
	}

	return &Router{
		tools:       append([]Tool(nil), tools...),
		handlers:    registered,
		baseContext: baseContext,
	}, nil
}

// ToolDefinitions returns the registered tool list.
func (r *Router) ToolDefinitions() []Tool {
	return r.tools
}

// CallTool looks up and invokes a tool handler. Unlike Handle, it is
// the throwing primitive: unknown tools and handler failures come back
// as errors for callers that compose their own error handling.
func (r *Router) CallTool(ctx context.Context, name string, args json.RawMessage, override RouterContext) (CallToolResult, error) {
	handler, ok := r.handlers[name]
	if !ok {
		return CallToolResult{}, fmt.Errorf("tool not found: %s", name)
	}

	result, err := handler(ctx, args, r.baseContext.Merge(override))
	if err != nil {
		return CallToolResult{}, fmt.Errorf("tool %s failed: %w", name, err)
	}
	return result, nil
}

// Handle is the top-level protocol entry point. It always produces a
// well-formed response: handler failures surface as IsError results,
// malformed or unknown requests as protocol error responses, and
// nothing is ever re-raised to the caller.
func (r *Router) Handle(ctx context.Context, req *Request, override RouterContext) *Response {
	if req == nil || req.Method == "" {
		var id *json.RawMessage
		if req != nil {
			id = req.ID
		}
		return NewErrorResponse(id, ErrorCodeInvalidRequest, "missing method", nil)
	}

	switch req.Method {
	case "tools/list":
		return NewResponse(req.ID, ListToolsResult{Tools: r.listedTools()})

	case "tools/call":
		var params CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return NewErrorResponse(req.ID, ErrorCodeInvalidParams, "invalid params", nil)
		}
		if params.Name == "" {
			return NewErrorResponse(req.ID, ErrorCodeInvalidParams, "missing tool name", nil)
		}
		return NewResponse(req.ID, r.executeTool(ctx, params, override))

	default:
		return NewErrorResponse(req.ID, ErrorCodeMethodNotFound,
			fmt.Sprintf("unknown method: %s", req.Method), nil)
	}
}

// listedTools strips annotations; tools/list echoes only the name,
// description and input schema.
func (r *Router) listedTools() []Tool {
	tools := make([]Tool, len(r.tools))
	for i, tool := range r.tools {
		tools[i] = Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}
	}
	return tools
}

func (r *Router) executeTool(ctx context.Context, params CallToolParams, override RouterContext) CallToolResult {
	handler, ok := r.handlers[params.Name]
	if !ok {
		return ErrorResult(fmt.Sprintf("tool not found: %s", params.Name))
	}

	tool := r.findTool(params.Name)
	if tool != nil && tool.InputSchema != nil && len(params.Arguments) > 0 {
		if result, invalid := validateArguments(tool.InputSchema, params.Arguments); invalid {
			return result
		}
	}

	result, err := handler(ctx, params.Arguments, r.baseContext.Merge(override))
	if err != nil {
		return ErrorResult(fmt.Sprintf("tool %s failed: %v", params.Name, err))
	}
	return result
}

func (r *Router) findTool(name string) *Tool {
	for i := range r.tools {
		if r.tools[i].Name == name {
			return &r.tools[i]
		}
	}
	return nil
}

// validateArguments checks the call arguments against the tool's input
// schema. It returns an IsError result and true when validation fails.
func validateArguments(schema, args json.RawMessage) (CallToolResult, bool) {
	schemaLoader := gojsonschema.NewStringLoader(string(schema))
	documentLoader := gojsonschema.NewStringLoader(string(args))

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return ErrorResult(fmt.Sprintf("validation error: %v", err)), true
	}

	if !result.Valid() {
		var errMsgs []string
		for _, desc := range result.Errors() {
			errMsgs = append(errMsgs, desc.String())
		}
		return ErrorResult(fmt.Sprintf("Schema validation failed: %s", strings.Join(errMsgs, "; "))), true
	}

	return CallToolResult{}, false
}
