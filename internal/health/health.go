// Package health provides the probe endpoints every pipeline service runs
// beside its main loop.
//
// The package exposes two probe routes plus the Prometheus exposition:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /metrics: Prometheus exposition, served by [Server].
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker. The
// gateway registers a broker check and a startup gate; the workers add a
// model gate that flips once the transcription or translation backend is
// constructed.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "broker",
	// "model"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Pinger is the one broker method readiness needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerChecker reports broker connectivity. Every service registers one: a
// service that cannot reach the broker cannot move audio or results, however
// healthy its own process looks.
func BrokerChecker(p Pinger) Checker {
	return Checker{Name: "broker", Check: p.Ping}
}

// Gate is a named readiness latch for conditions established once during
// startup, like "model loaded" or "consumer group created". The zero value
// is not ready; Set flips it. Safe for concurrent use.
type Gate struct {
	name  string
	ready atomic.Bool
}

// NewGate returns a not-ready gate that reports under name in /readyz.
func NewGate(name string) *Gate {
	return &Gate{name: name}
}

// Set records whether the gated condition holds. Services may flip a gate
// back to false while draining so orchestrators stop routing to them.
func (g *Gate) Set(ready bool) {
	g.ready.Store(ready)
}

// Ready reports the last value given to Set.
func (g *Gate) Ready() bool {
	return g.ready.Load()
}

// Checker adapts the gate for [Handler] registration.
func (g *Gate) Checker() Checker {
	return Checker{Name: g.name, Check: func(context.Context) error {
		if !g.ready.Load() {
			return fmt.Errorf("%s not ready", g.name)
		}
		return nil
	}}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
