// Package gateway terminates client WebSockets and runs the ingestion side
// of the pipeline. Each accepted socket becomes a session: inbound audio is
// resampled to the pipeline rate, classified by the fused voice-activity
// detector and cut into segments, segments are published as broker jobs,
// and results arriving over pub/sub are filtered for staleness before they
// reach the client as realtime frames.
//
// One goroutine per session owns all session state; a read loop, a write
// loop and a pub/sub subscriber only shuttle bytes in and out. The HTTP
// handler blocks for the whole life of the socket, so draining the server
// means cancelling the shared session context and waiting for the handlers
// to return.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/lingostream/lingostream/internal/broker"
	"github.com/lingostream/lingostream/internal/config"
	"github.com/lingostream/lingostream/internal/lang"
	"github.com/lingostream/lingostream/internal/observe"
	"github.com/lingostream/lingostream/internal/session"
	"github.com/lingostream/lingostream/pkg/provider/vad"
)

const (
	// maxMessageBytes caps one WebSocket message. A second of 48 kHz PCM
	// plus header is ~96 KiB; a megabyte leaves generous headroom.
	maxMessageBytes = 1 << 20

	// shutdownGrace bounds the HTTP listener shutdown.
	shutdownGrace = 5 * time.Second
)

// Server accepts client WebSockets and runs one Session per connection.
type Server struct {
	cfg      config.GatewayConfig
	brk      broker.Broker
	vads     vad.Factory
	reg      *lang.Registry
	metrics  *observe.Metrics
	instance string
	log      *slog.Logger

	srv      *http.Server
	sessions sync.WaitGroup
	sessCtx  context.Context
	sessStop context.CancelFunc
}

// New assembles the gateway server. The detector factory is invoked once
// per connection; everything else is shared.
func New(cfg config.GatewayConfig, brk broker.Broker, vads vad.Factory, reg *lang.Registry, metrics *observe.Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		brk:      brk,
		vads:     vads,
		reg:      reg,
		metrics:  metrics,
		instance: "gw-" + uuid.NewString()[:8],
		log:      slog.With("component", "gateway"),
	}
	s.sessCtx, s.sessStop = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleSession)
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the server's HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Instance is the identity stamped on every job this gateway publishes.
func (s *Server) Instance() string {
	return s.instance
}

// Run serves WebSockets until ctx is cancelled, then drains: the listener
// stops, every live session flushes and persists, and Run returns once all
// of them are gone.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	s.log.Info("gateway listening", "addr", s.srv.Addr, "instance", s.instance)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: serve %s: %w", s.srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	// Sessions first: the handlers block until their session ends, and
	// Shutdown does not track hijacked connections anyway.
	s.sessStop()
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.srv.Shutdown(shCtx); err != nil {
		s.log.Warn("http shutdown", "error", err)
	}
	s.sessions.Wait()
	s.log.Info("gateway drained")
	return nil
}

// handleSession upgrades the socket and blocks for the session's lifetime.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browser clients connect from arbitrary origins and no cookie
		// auth is involved, so origin checking buys nothing here.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Debug("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	snap, id := s.attach(r)

	det, err := s.vads.NewDetector()
	if err != nil {
		s.log.Error("vad detector unavailable", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "detector unavailable")
		return
	}

	sess, err := newSession(sessionParams{
		ID:       id,
		Conn:     conn,
		Broker:   s.brk,
		Detector: det,
		Registry: s.reg,
		Metrics:  s.metrics,
		Config:   s.cfg,
		Instance: s.instance,
		Snapshot: snap,
		Log:      s.log,
	})
	if err != nil {
		_ = det.Close()
		s.log.Error("session setup failed", "session_id", id, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Done()
	s.log.Info("client connected", "session_id", id)
	if err := sess.run(s.sessCtx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("session ended with error", "session_id", id, "error", err)
	}
	s.log.Info("client disconnected", "session_id", id)
}

// attach resolves the session identity for a new socket. A loadable broker
// snapshot under the requested id resumes that session; anything else
// starts fresh under a new id, and the status frame tells the client which
// one it got.
func (s *Server) attach(r *http.Request) (session.Snapshot, string) {
	fresh := session.Snapshot{
		SourceLang: s.cfg.DefaultSourceLang,
		TargetLang: s.cfg.DefaultTargetLang,
	}
	fresh.TranslationEnabled = fresh.SourceLang != fresh.TargetLang

	requested := r.URL.Query().Get("session")
	if requested == "" {
		return fresh, uuid.NewString()
	}
	fields, err := s.brk.LoadSession(r.Context(), requested)
	if err != nil {
		if !errors.Is(err, broker.ErrNotFound) {
			s.log.Warn("session lookup failed", "session_id", requested, "error", err)
		}
		return fresh, uuid.NewString()
	}
	snap, err := session.SnapshotFromFields(fields)
	if err != nil {
		s.log.Warn("stored session unreadable", "session_id", requested, "error", err)
		return fresh, uuid.NewString()
	}
	s.log.Info("session reattached", "session_id", requested,
		"source", snap.SourceLang, "target", snap.TargetLang,
		"epoch", snap.Epoch, "seq", snap.SegmentSeq)
	return snap, requested
}
