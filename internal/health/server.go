package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the operations listener each service runs beside its main loop.
// It serves the probe routes plus the Prometheus exposition at /metrics, so
// a single port per service covers both orchestrator probes and scraping.
type Server struct {
	srv *http.Server
}

// NewServer builds the operations server for port. The middleware
// (typically observe.Middleware) wraps every route; pass nil to serve
// unwrapped.
func NewServer(port int, h *Handler, middleware func(http.Handler) http.Handler) *Server {
	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	var root http.Handler = mux
	if middleware != nil {
		root = middleware(mux)
	}
	return &Server{srv: &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// ListenAndServe blocks until [Server.Shutdown] is called or the listener
// fails. A server stopped by Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	slog.Info("health server listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health: serve %s: %w", s.srv.Addr, err)
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight probe requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
