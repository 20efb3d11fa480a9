package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/observability"
)

// StdIOServerConfig configures a StdIOServer.
type StdIOServerConfig struct {
	Reader io.Reader
	Writer io.Writer
	Logger observability.Logger
}

// StdIOServer serves a Router over line-delimited JSON-RPC on a
// reader/writer pair, one request per line. It is the provider side of
// the stdio contract StdIOClient consumes.
type StdIOServer struct {
	config StdIOServerConfig
	router *Router
	logger observability.Logger
}

// NewStdIOServer creates a stdio server for the given router.
func NewStdIOServer(config StdIOServerConfig, router *Router) (*StdIOServer, error) {
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	if config.Reader == nil || config.Writer == nil {
		return nil, fmt.Errorf("reader and writer are required")
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogrusLogger(nil)
	}
	return &StdIOServer{config: config, router: router, logger: config.Logger}, nil
}

// Serve reads requests until the reader is exhausted or ctx is
// cancelled. Malformed lines get a parse-error response; the loop
// keeps going.
func (s *StdIOServer) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.config.Reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanBufferSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.WithErr(err).Warn("discarding malformed request line")
			s.write(NewErrorResponse(nil, ErrorCodeParseError, "invalid JSON", nil))
			continue
		}

		s.write(s.router.Handle(ctx, &req, nil))
	}
	return scanner.Err()
}

func (s *StdIOServer) write(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.WithErr(err).Error("failed to encode response")
		return
	}
	data = append(data, '\n')
	if _, err := s.config.Writer.Write(data); err != nil {
		s.logger.WithErr(err).Error("failed to write response")
	}
}
