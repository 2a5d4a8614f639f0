package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/giftlane/relay/api/handlers"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// CheckTimeout bounds each readiness check.
	CheckTimeout time.Duration
	VersionInfo  VersionInfo

	// AllowedOrigins feeds CORS for the HTTP API. Empty allows any origin.
	AllowedOrigins []string

	API         *handlers.API
	RateLimiter *handlers.RateLimiter
	// Realtime serves the websocket endpoint.
	Realtime http.Handler
	// Checks are run by /readyz, keyed by name.
	Checks map[string]Check
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.API == nil {
		return errors.New("api is required")
	}
	if cfg.Realtime == nil {
		return errors.New("realtime handler is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Second
	}
	return nil
}
