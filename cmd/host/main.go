// Command host runs the local tool provider. It routes the built-in
// browser tool set over a local socket channel and, with --stdio, over
// stdin/stdout so the bridge can spawn it as its upstream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/browser"
	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/config"
	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/mcp"
	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/observability"
)

func main() {
	stdio := flag.Bool("stdio", false, "serve on stdin/stdout instead of the local socket")
	flag.Parse()

	if err := run(*stdio); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(stdio bool) error {
	cfg := config.LoadHost()
	logger := newLogger(cfg.LogLevel, stdio)

	memory := browser.NewMemory()
	tools, handlers := browser.ToolSet()
	router, err := mcp.NewRouter(tools, handlers, mcp.RouterContext{
		browser.ContextKeyTabs:      memory,
		browser.ContextKeyScripting: memory,
		browser.ContextKeyStorage:   memory,
	})
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if stdio {
		server, err := mcp.NewStdIOServer(mcp.StdIOServerConfig{
			Reader: os.Stdin,
			Writer: os.Stdout,
			Logger: logger,
		}, router)
		if err != nil {
			return fmt.Errorf("build stdio server: %w", err)
		}
		return server.Serve(ctx)
	}

	transport, err := mcp.NewLocalTransport(mcp.LocalTransportConfig{
		Channel:   cfg.Channel,
		SocketDir: cfg.SocketDir,
		Logger:    logger,
		OnError: func(err error) {
			logger.WithErr(err).Warn("local channel connection failure")
		},
	}, router)
	if err != nil {
		return fmt.Errorf("build local transport: %w", err)
	}

	group, ctx := errgroup.WithContext(ctx)

	if err := transport.Listen(ctx); err != nil {
		return fmt.Errorf("listen on local channel: %w", err)
	}

	if cfg.BridgeURL != "" {
		client, err := mcp.NewWebSocketClient(mcp.WebSocketClientConfig{
			URL:    cfg.BridgeURL,
			APIKey: cfg.APIKey,
			Logger: logger,
			OnStateChange: func(state mcp.ConnectionState) {
				logger.WithFields(map[string]interface{}{"state": state.String()}).Info("bridge connection state")
			},
			OnError: func(err error) {
				logger.WithErr(err).Warn("bridge connection error")
			},
		})
		if err != nil {
			return fmt.Errorf("build bridge client: %w", err)
		}
		group.Go(func() error {
			if err := client.Connect(); err != nil {
				logger.WithErr(err).Warn("initial bridge connect failed")
			}
			<-ctx.Done()
			return client.Disconnect()
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		return transport.Disconnect()
	})

	return group.Wait()
}

func newLogger(level string, stdio bool) observability.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	if stdio {
		// stdout carries the protocol stream; logs must not mix in.
		l.SetOutput(os.Stderr)
	}
	if parsed, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(parsed)
	}
	return observability.NewLogrusLogger(l)
}
