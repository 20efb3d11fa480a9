package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/mcp"
)

// ToolSet returns the built-in browser tool definitions and their
// handlers. Handlers reach the browser through capabilities placed in
// the router context under the ContextKey* names; a missing capability
// is reported as a tool error, not a transport failure.
func ToolSet() ([]mcp.Tool, map[string]mcp.ToolHandler) {
	tools := []mcp.Tool{
		{
			Name:        "tabs_list",
			Description: "List all open browser tabs",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			Annotations: &mcp.ToolAnnotations{Category: "tabs", ReadOnlyHint: true},
		},
		{
			Name:        "tabs_active",
			Description: "Get the currently active tab",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			Annotations: &mcp.ToolAnnotations{Category: "tabs", ReadOnlyHint: true},
		},
		{
			Name:        "tabs_create",
			Description: "Open a new tab at the given URL",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`),
			Annotations: &mcp.ToolAnnotations{Category: "tabs"},
		},
		{
			Name:        "tabs_navigate",
			Description: "Navigate an existing tab to a new URL",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"tabId":{"type":"integer"},"url":{"type":"string"}},"required":["tabId","url"]}`),
			Annotations: &mcp.ToolAnnotations{Category: "tabs"},
		},
		{
			Name:        "tabs_close",
			Description: "Close a tab by id",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"tabId":{"type":"integer"}},"required":["tabId"]}`),
			Annotations: &mcp.ToolAnnotations{Category: "tabs"},
		},
		{
			Name:        "execute_script",
			Description: "Execute JavaScript in a tab and return the result",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"tabId":{"type":"integer"},"code":{"type":"string"}},"required":["tabId","code"]}`),
			Annotations: &mcp.ToolAnnotations{Category: "scripting"},
		},
		{
			Name:        "insert_css",
			Description: "Inject a CSS stylesheet into a tab",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"tabId":{"type":"integer"},"css":{"type":"string"}},"required":["tabId","css"]}`),
			Annotations: &mcp.ToolAnnotations{Category: "scripting"},
		},
		{
			Name:        "storage_get",
			Description: "Read a value from extension storage",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`),
			Annotations: &mcp.ToolAnnotations{Category: "storage", ReadOnlyHint: true},
		},
		{
			Name:        "storage_set",
			Description: "Write a value to extension storage",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"},"value":{"type":"string"}},"required":["key","value"]}`),
			Annotations: &mcp.ToolAnnotations{Category: "storage"},
		},
	}

	handlers := map[string]mcp.ToolHandler{
		"tabs_list":      handleTabsList,
		"tabs_active":    handleTabsActive,
		"tabs_create":    handleTabsCreate,
		"tabs_navigate":  handleTabsNavigate,
		"tabs_close":     handleTabsClose,
		"execute_script": handleExecuteScript,
		"insert_css":     handleInsertCSS,
		"storage_get":    handleStorageGet,
		"storage_set":    handleStorageSet,
	}

	return tools, handlers
}

func tabsFrom(rc mcp.RouterContext) (Tabs, error) {
	tabs, ok := rc[ContextKeyTabs].(Tabs)
	if !ok {
		return nil, fmt.Errorf("tabs capability not available")
	}
	return tabs, nil
}

func scriptingFrom(rc mcp.RouterContext) (Scripting, error) {
	scripting, ok := rc[ContextKeyScripting].(Scripting)
	if !ok {
		return nil, fmt.Errorf("scripting capability not available")
	}
	return scripting, nil
}

func storageFrom(rc mcp.RouterContext) (Storage, error) {
	storage, ok := rc[ContextKeyStorage].(Storage)
	if !ok {
		return nil, fmt.Errorf("storage capability not available")
	}
	return storage, nil
}

func handleTabsList(ctx context.Context, args json.RawMessage, rc mcp.RouterContext) (mcp.CallToolResult, error) {
	tabs, err := tabsFrom(rc)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	list, err := tabs.Query(ctx)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	return jsonResult(list)
}

func handleTabsActive(ctx context.Context, args json.RawMessage, rc mcp.RouterContext) (mcp.CallToolResult, error) {
	tabs, err := tabsFrom(rc)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	tab, err := tabs.ActiveTab(ctx)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	return jsonResult(tab)
}

func handleTabsCreate(ctx context.Context, args json.RawMessage, rc mcp.RouterContext) (mcp.CallToolResult, error) {
	tabs, err := tabsFrom(rc)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	tab, err := tabs.Create(ctx, params.URL)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	return jsonResult(tab)
}

func handleTabsNavigate(ctx context.Context, args json.RawMessage, rc mcp.RouterContext) (mcp.CallToolResult, error) {
	tabs, err := tabsFrom(rc)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	var params struct {
		TabID int    `json:"tabId"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	tab, err := tabs.Navigate(ctx, params.TabID, params.URL)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	return jsonResult(tab)
}

func handleTabsClose(ctx context.Context, args json.RawMessage, rc mcp.RouterContext) (mcp.CallToolResult, error) {
	tabs, err := tabsFrom(rc)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	var params struct {
		TabID int `json:"tabId"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := tabs.Close(ctx, params.TabID); err != nil {
		return mcp.CallToolResult{}, err
	}
	return mcp.TextResult(fmt.Sprintf("closed tab %d", params.TabID)), nil
}

func handleExecuteScript(ctx context.Context, args json.RawMessage, rc mcp.RouterContext) (mcp.CallToolResult, error) {
	scripting, err := scriptingFrom(rc)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	var params struct {
		TabID int    `json:"tabId"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	result, err := scripting.ExecuteScript(ctx, params.TabID, params.Code)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	return mcp.TextResult(result), nil
}

func handleInsertCSS(ctx context.Context, args json.RawMessage, rc mcp.RouterContext) (mcp.CallToolResult, error) {
	scripting, err := scriptingFrom(rc)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	var params struct {
		TabID int    `json:"tabId"`
		CSS   string `json:"css"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := scripting.InsertCSS(ctx, params.TabID, params.CSS); err != nil {
		return mcp.CallToolResult{}, err
	}
	return mcp.TextResult("css inserted"), nil
}

func handleStorageGet(ctx context.Context, args json.RawMessage, rc mcp.RouterContext) (mcp.CallToolResult, error) {
	storage, err := storageFrom(rc)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	var params struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	value, ok, err := storage.Get(ctx, params.Key)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	if !ok {
		return mcp.ErrorResult(fmt.Sprintf("key %q not found", params.Key)), nil
	}
	return mcp.TextResult(value), nil
}

func handleStorageSet(ctx context.Context, args json.RawMessage, rc mcp.RouterContext) (mcp.CallToolResult, error) {
	storage, err := storageFrom(rc)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	var params struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := storage.Set(ctx, params.Key, params.Value); err != nil {
		return mcp.CallToolResult{}, err
	}
	return mcp.TextResult("ok"), nil
}

func jsonResult(v interface{}) (mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("encode result: %w", err)
	}
	return mcp.TextResult(string(data)), nil
}
