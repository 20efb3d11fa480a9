package browser

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-memory capability implementation. It backs the host
// binary when no real browser is attached and the package tests.
type Memory struct {
	mu      sync.Mutex
	tabs    map[int]*Tab
	nextID  int
	active  int
	scripts []string
	kv      map[string]string
}

// NewMemory creates an in-memory browser with a single blank tab.
func NewMemory() *Memory {
	m := &Memory{
		tabs:   make(map[int]*Tab),
		nextID: 1,
		kv:     make(map[string]string),
	}
	tab := &Tab{ID: m.nextID, URL: "about:blank", Title: "New Tab", Active: true}
	m.tabs[tab.ID] = tab
	m.active = tab.ID
	m.nextID++
	return m
}

func (m *Memory) ActiveTab(ctx context.Context) (Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.tabs[m.active]
	if !ok {
		return Tab{}, fmt.Errorf("no active tab")
	}
	return *tab, nil
}

func (m *Memory) Query(ctx context.Context) ([]Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tabs := make([]Tab, 0, len(m.tabs))
	for _, tab := range m.tabs {
		tabs = append(tabs, *tab)
	}
	return tabs, nil
}

func (m *Memory) Create(ctx context.Context, url string) (Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tab := range m.tabs {
		tab.Active = false
	}
	tab := &Tab{ID: m.nextID, URL: url, Title: url, Active: true}
	m.tabs[tab.ID] = tab
	m.active = tab.ID
	m.nextID++
	return *tab, nil
}

func (m *Memory) Navigate(ctx context.Context, tabID int, url string) (Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.tabs[tabID]
	if !ok {
		return Tab{}, fmt.Errorf("tab %d not found", tabID)
	}
	tab.URL = url
	tab.Title = url
	return *tab, nil
}

func (m *Memory) Close(ctx context.Context, tabID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tabs[tabID]; !ok {
		return fmt.Errorf("tab %d not found", tabID)
	}
	delete(m.tabs, tabID)
	return nil
}

func (m *Memory) ExecuteScript(ctx context.Context, tabID int, code string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tabs[tabID]; !ok {
		return "", fmt.Errorf("tab %d not found", tabID)
	}
	m.scripts = append(m.scripts, code)
	return "undefined", nil
}

func (m *Memory) InsertCSS(ctx context.Context, tabID int, css string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tabs[tabID]; !ok {
		return fmt.Errorf("tab %d not found", tabID)
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.kv[key]
	return value, ok, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}
