package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/observability"
)

// Scanner buffer cap for line-delimited stdio payloads. Tool results
// carrying base64 screenshots run large.
const maxScanBufferSize = 4 * 1024 * 1024

// StdIOClientConfig configures a StdIOClient.
type StdIOClientConfig struct {
	// Command and Args name the upstream tool-provider process to
	// spawn. Ignored when Reader/Writer are injected directly (tests).
	Command        string
	Args           []string
	RequestTimeout time.Duration
	Logger         observability.Logger
	Reader         io.Reader
	Writer         io.Writer
}

// StdIOClient is the upstream protocol client: it wraps a single
// persistent connection to a process-boundary tool provider speaking
// line-delimited JSON-RPC on stdio.
type StdIOClient struct {
	config StdIOClientConfig
	logger observability.Logger

	mu        sync.Mutex
	connected bool
	cmd       *exec.Cmd
	reader    io.Reader
	writer    io.Writer
	writeMu   sync.Mutex
	stop      chan struct{}

	pending *pendingRequests
}

// NewStdIOClient creates an upstream client for the given provider.
func NewStdIOClient(config StdIOClientConfig) (*StdIOClient, error) {
	if config.Command == "" && (config.Reader == nil || config.Writer == nil) {
		return nil, fmt.Errorf("either a command or a reader/writer pair is required")
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogrusLogger(nil)
	}

	return &StdIOClient{
		config:  config,
		logger:  config.Logger,
		pending: newPendingRequests(),
	}, nil
}

// Connect establishes the upstream connection once; calling it while
// connected is a no-op.
func (c *StdIOClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	if c.config.Reader != nil && c.config.Writer != nil {
		c.reader = c.config.Reader
		c.writer = c.config.Writer
	} else {
		cmd := exec.Command(c.config.Command, c.config.Args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("failed to open stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("failed to open stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start %s: %w", c.config.Command, err)
		}
		c.cmd = cmd
		c.reader = stdout
		c.writer = stdin
	}

	c.stop = make(chan struct{})
	c.connected = true
	go c.processIncomingMessages(c.reader, c.stop)

	c.logger.Info("Upstream tool provider connected")
	return nil
}

// Connected reports whether the upstream connection is established.
func (c *StdIOClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *StdIOClient) processIncomingMessages(reader io.Reader, stop chan struct{}) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanBufferSize)
	for scanner.Scan() {
		select {
		case <-stop:
			return
		default:
		}

		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		var response Response
		if err := json.Unmarshal([]byte(line), &response); err != nil {
			c.logger.WithErr(err).Warn("Failed to parse upstream response")
			continue
		}
		if response.ID == nil {
			continue
		}

		id := DecodeID(response.ID)
		if !c.pending.Complete(id, &response) {
			c.logger.WithFields(map[string]interface{}{"id": id}).Debug("No handler for upstream response")
		}
	}

	// The reader is exhausted: the provider exited or closed its
	// stdout. In-flight requests run out their own timeouts.
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()
	if wasConnected {
		c.logger.Warn("Upstream tool provider connection lost")
	}
}

// CallTool extracts the tool name and arguments from the envelope,
// forwards the call upstream and returns a normalized response tagged
// with the original request id.
func (c *StdIOClient) CallTool(req *Request) *Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrorCodeInvalidParams, "invalid tool call params", nil)
	}
	if params.Name == "" {
		return NewErrorResponse(req.ID, ErrorCodeInvalidParams, "missing tool name", nil)
	}

	resp, err := c.roundTrip("tools/call", params)
	if err != nil {
		return NewErrorResponse(req.ID, ErrorCodeInternal, err.Error(), nil)
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: resp.Result, Error: resp.Error}
}

// ListTools forwards a tools/list request upstream.
func (c *StdIOClient) ListTools() (ListToolsResult, error) {
	resp, err := c.roundTrip("tools/list", nil)
	if err != nil {
		return ListToolsResult{}, err
	}
	if resp.Error != nil {
		return ListToolsResult{}, fmt.Errorf("upstream error: %s (code: %d)", resp.Error.Message, resp.Error.Code)
	}

	resultBytes, err := json.Marshal(resp.Result)
	if err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to marshal result: %v", err)
	}
	var result ListToolsResult
	if err := json.Unmarshal(resultBytes, &result); err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to parse tools list: %v", err)
	}
	return result, nil
}

func (c *StdIOClient) roundTrip(method string, params interface{}) (*Response, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, fmt.Errorf("upstream client is not connected")
	}
	c.mu.Unlock()

	id := uuid.New().String()
	req := Request{
		JSONRPC: "2.0",
		ID:      RequestID(id),
		Method:  method,
	}
	if params != nil {
		paramsBytes, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %v", err)
		}
		req.Params = paramsBytes
	}

	call, err := c.pending.Register(id, c.config.RequestTimeout)
	if err != nil {
		return nil, err
	}

	if err := c.sendMessage(&req); err != nil {
		c.pending.Fail(id, err)
		return nil, err
	}

	return call.Wait()
}

func (c *StdIOClient) sendMessage(message interface{}) error {
	jsonData, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %v", err)
	}
	jsonData = append(jsonData, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(jsonData); err != nil {
		return fmt.Errorf("failed to write message: %v", err)
	}
	return nil
}

// Disconnect tears the upstream connection down, swallowing close-time
// errors; teardown is best-effort.
func (c *StdIOClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	close(c.stop)

	c.pending.FailAll(fmt.Errorf("connection closed"))

	if closer, ok := c.writer.(io.Closer); ok {
		closer.Close()
	}
	if c.cmd != nil {
		if c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		c.cmd.Wait()
		c.cmd = nil
	}

	c.logger.Info("Upstream tool provider disconnected")
	return nil
}
