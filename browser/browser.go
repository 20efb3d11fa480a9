// Package browser declares the narrow capability surface tool handlers
// reach the browser through. Concrete automation lives behind these
// interfaces; the router never talks to a browser API directly.
package browser

import "context"

// Context keys under which capabilities are exposed to tool handlers.
const (
	ContextKeyTabs      = "tabs"
	ContextKeyScripting = "scripting"
	ContextKeyStorage   = "storage"
)

// Tab describes one open tab.
type Tab struct {
	ID     int    `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// Tabs exposes tab query and lifecycle operations.
type Tabs interface {
	ActiveTab(ctx context.Context) (Tab, error)
	Query(ctx context.Context) ([]Tab, error)
	Create(ctx context.Context, url string) (Tab, error)
	Navigate(ctx context.Context, tabID int, url string) (Tab, error)
	Close(ctx context.Context, tabID int) error
}

// Scripting executes code or injects styles into a tab.
type Scripting interface {
	ExecuteScript(ctx context.Context, tabID int, code string) (string, error)
	InsertCSS(ctx context.Context, tabID int, css string) error
}

// Storage exposes the extension's key-value storage area.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}
