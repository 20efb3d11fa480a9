// Package config loads bridge and host settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Bridge holds the settings the bridge server binary starts with.
type Bridge struct {
	Port            int
	APIKeys         []string
	AllowedOrigins  []string
	RateLimitWindow time.Duration
	RateLimitMax    int
	SessionTimeout  time.Duration
	SweepInterval   time.Duration
	UpstreamCommand string
	UpstreamArgs    []string
	LogLevel        string
}

// Host holds the settings the local host binary starts with.
type Host struct {
	Channel   string
	SocketDir string
	BridgeURL string
	APIKey    string
	LogLevel  string
}

// LoadBridge reads bridge settings from the environment. BRIDGE_API_KEYS
// is required; everything else has a default.
func LoadBridge() (Bridge, error) {
	cfg := Bridge{
		Port:            18800,
		RateLimitWindow: time.Minute,
		RateLimitMax:    100,
		SessionTimeout:  5 * time.Minute,
		SweepInterval:   time.Minute,
		UpstreamCommand: envOr("BRIDGE_UPSTREAM_CMD", ""),
		LogLevel:        envOr("BRIDGE_LOG_LEVEL", "info"),
	}

	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Bridge{}, fmt.Errorf("invalid BRIDGE_PORT %q: %w", v, err)
		}
		cfg.Port = port
	}

	cfg.APIKeys = splitList(os.Getenv("BRIDGE_API_KEYS"))
	if len(cfg.APIKeys) == 0 {
		return Bridge{}, fmt.Errorf("BRIDGE_API_KEYS must list at least one key")
	}

	cfg.AllowedOrigins = splitList(os.Getenv("BRIDGE_ALLOWED_ORIGINS"))
	cfg.UpstreamArgs = splitList(os.Getenv("BRIDGE_UPSTREAM_ARGS"))

	var err error
	if cfg.RateLimitWindow, err = envDuration("BRIDGE_RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return Bridge{}, err
	}
	if cfg.SessionTimeout, err = envDuration("BRIDGE_SESSION_TIMEOUT", cfg.SessionTimeout); err != nil {
		return Bridge{}, err
	}
	if cfg.SweepInterval, err = envDuration("BRIDGE_SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Bridge{}, err
	}
	if v := os.Getenv("BRIDGE_RATE_LIMIT_MAX"); v != "" {
		max, err := strconv.Atoi(v)
		if err != nil {
			return Bridge{}, fmt.Errorf("invalid BRIDGE_RATE_LIMIT_MAX %q: %w", v, err)
		}
		cfg.RateLimitMax = max
	}

	return cfg, nil
}

// LoadHost reads host settings from the environment. HOST_BRIDGE_URL and
// HOST_API_KEY are optional; without them the host serves the local
// channel only.
func LoadHost() Host {
	return Host{
		Channel:   envOr("HOST_CHANNEL", "browser-tools"),
		SocketDir: envOr("HOST_SOCKET_DIR", os.TempDir()),
		BridgeURL: os.Getenv("HOST_BRIDGE_URL"),
		APIKey:    os.Getenv("HOST_API_KEY"),
		LogLevel:  envOr("HOST_LOG_LEVEL", "info"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
