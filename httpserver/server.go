package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/secure-values/api"
	"go.uber.org/atomic"
)

// RouteRegistrar is implemented by every API handler the server mounts.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Server serves the remote service API together with health and drain endpoints.
type Server struct {
	cfg     *api.HTTPServerConfig
	log     *slog.Logger
	isReady atomic.Bool

	srv      *http.Server
	handlers []RouteRegistrar
}

// New validates cfg and builds a server mounting every handler. The server is
// ready as soon as it is created.
func New(cfg *api.HTTPServerConfig, handlers ...RouteRegistrar) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	srv := &Server{
		cfg:      cfg,
		log:      cfg.Log,
		handlers: handlers,
	}
	srv.isReady.Store(true)
	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv, nil
}

func (srv *Server) router() http.Handler {
	mux := chi.NewRouter()

	mux.Group(func(r chi.Router) {
		r.Use(srv.httpLogger)
		for _, h := range srv.handlers {
			h.RegisterRoutes(r)
		}

		r.Get("/livez", srv.handleLivenessCheck)
		r.Get("/readyz", srv.handleReadinessCheck)
		r.Get("/drain", srv.handleDrain)
		r.Get("/undrain", srv.handleUndrain)
	})

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

// Handler exposes the router, mostly for tests.
func (srv *Server) Handler() http.Handler {
	return srv.srv.Handler
}

// Ready reports whether readyz currently answers 200.
func (srv *Server) Ready() bool {
	return srv.isReady.Load()
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}
	srv.log.Info("Server marked as not ready")
	writeStatus(w, http.StatusOK, "draining")
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}
	srv.log.Info("Server marked as ready")
	writeStatus(w, http.StatusOK, "ready")
}

// Listen binds the configured address and serves on it in the background.
// The returned address is the bound one, which differs from the configured
// address when its port is 0.
func (srv *Server) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", srv.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", srv.cfg.ListenAddr, err)
	}

	srv.log.Info("Starting HTTP server", slog.String("listenAddress", ln.Addr().String()))
	go func() {
		if err := srv.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
	return ln.Addr(), nil
}

// Shutdown marks the server not ready and waits DrainDuration for load
// balancers to notice, then stops accepting requests and waits for in-flight
// ones. Cancelling ctx cuts the drain short.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.isReady.Swap(false) && srv.cfg.DrainDuration > 0 {
		srv.log.Info("Draining before shutdown", slog.Duration("duration", srv.cfg.DrainDuration))
		timer := time.NewTimer(srv.cfg.DrainDuration)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			srv.log.Warn("Drain interrupted", "err", ctx.Err())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(shutdownCtx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	srv.log.Info("HTTP server gracefully stopped")
	return nil
}
