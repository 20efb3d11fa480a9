package mcp

import (
	"fmt"
	"sync"
	"time"
)

// PendingCall is the caller-side handle for one correlated request.
// Exactly one of a matching response, a failure, or the deadline
// resolves it; later resolutions are ignored.
type PendingCall struct {
	id   string
	done chan callOutcome
}

type callOutcome struct {
	response *Response
	err      error
}

// Wait blocks until the call resolves.
func (p *PendingCall) Wait() (*Response, error) {
	outcome := <-p.done
	return outcome.response, outcome.err
}

// pendingRequests correlates async replies to async requests with a
// deadline. Entries are removed exactly once: by a matching response,
// by timeout, or by FailAll on connection teardown.
type pendingRequests struct {
	mu    sync.Mutex
	calls map[string]*pendingEntry
}

type pendingEntry struct {
	call  *PendingCall
	timer *time.Timer
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{
		calls: make(map[string]*pendingEntry),
	}
}

// Register creates a pending entry for id and arms its deadline.
// Request ids must be unique while an entry is outstanding.
func (p *pendingRequests) Register(id string, timeout time.Duration) (*PendingCall, error) {
	call := &PendingCall{
		id:   id,
		done: make(chan callOutcome, 1),
	}

	p.mu.Lock()
	if _, exists := p.calls[id]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("duplicate request id: %s", id)
	}

	entry := &pendingEntry{call: call}
	entry.timer = time.AfterFunc(timeout, func() {
		p.resolve(id, callOutcome{err: fmt.Errorf("request %s timed out after %s", id, timeout)})
	})
	p.calls[id] = entry
	p.mu.Unlock()

	return call, nil
}

// Complete resolves the entry for id with a response. Returns false if
// no entry is outstanding under that id.
func (p *pendingRequests) Complete(id string, response *Response) bool {
	return p.resolve(id, callOutcome{response: response})
}

// Fail resolves the entry for id with an error.
func (p *pendingRequests) Fail(id string, err error) bool {
	return p.resolve(id, callOutcome{err: err})
}

// FailAll rejects every outstanding entry and clears the table. Used
// on forced connection teardown.
func (p *pendingRequests) FailAll(err error) {
	p.mu.Lock()
	entries := p.calls
	p.calls = make(map[string]*pendingEntry)
	p.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.call.done <- callOutcome{err: err}
	}
}

// Len reports the number of outstanding entries.
func (p *pendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *pendingRequests) resolve(id string, outcome callOutcome) bool {
	p.mu.Lock()
	entry, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}

	entry.timer.Stop()
	entry.call.done <- outcome
	return true
}
