package api

import (
	"errors"
	"log/slog"
	"time"
)

const (
	DefaultDrainDuration            = 45 * time.Second
	DefaultGracefulShutdownDuration = 30 * time.Second
)

// HTTPServerConfig configures the server exposing the remote service.
type HTTPServerConfig struct {
	ListenAddr  string
	EnablePprof bool
	Log         *slog.Logger

	// DrainDuration is how long readyz reports not ready before shutdown
	// starts.
	DrainDuration time.Duration
	// GracefulShutdownDuration bounds the wait for in-flight requests.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultHTTPServerConfig returns a config with the timeouts the passport
// server runs with. Uploads of encrypted values are small JSON documents,
// file parts go to storage directly.
func DefaultHTTPServerConfig(listenAddr string, log *slog.Logger) *HTTPServerConfig {
	return &HTTPServerConfig{
		ListenAddr:               listenAddr,
		Log:                      log,
		DrainDuration:            DefaultDrainDuration,
		GracefulShutdownDuration: DefaultGracefulShutdownDuration,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// Validate rejects configs without a logger or with negative durations.
func (cfg *HTTPServerConfig) Validate() error {
	if cfg.Log == nil {
		return errors.New("server config requires a logger")
	}
	if cfg.DrainDuration < 0 || cfg.GracefulShutdownDuration < 0 {
		return errors.New("server config durations must not be negative")
	}
	return nil
}
