// Command bridge runs the remote bridge server. It terminates browser
// WebSocket connections, authenticates them, and proxies tool calls to
// an upstream stdio tool provider.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/bridge"
	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/config"
	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/mcp"
	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadBridge()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.UpstreamCommand == "" {
		return fmt.Errorf("BRIDGE_UPSTREAM_CMD must name the upstream tool provider")
	}

	logger := newLogger(cfg.LogLevel)

	upstream, err := mcp.NewStdIOClient(mcp.StdIOClientConfig{
		Command: cfg.UpstreamCommand,
		Args:    cfg.UpstreamArgs,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("build upstream client: %w", err)
	}
	if err := upstream.Connect(); err != nil {
		return fmt.Errorf("connect upstream: %w", err)
	}

	server, err := bridge.NewServer(bridge.Config{
		Port:            cfg.Port,
		APIKeys:         cfg.APIKeys,
		AllowedOrigins:  cfg.AllowedOrigins,
		RateLimitWindow: cfg.RateLimitWindow,
		RateLimitMax:    cfg.RateLimitMax,
		SessionTimeout:  cfg.SessionTimeout,
		SweepInterval:   cfg.SweepInterval,
		Logger:          logger,
	}, upstream)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithFields(map[string]interface{}{"port": cfg.Port}).Info("bridge server starting")
	return server.Run(ctx)
}

func newLogger(level string) observability.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	if parsed, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(parsed)
	}
	return observability.NewLogrusLogger(l)
}
