// Package health serves the liveness and readiness probes of the bridge.
//
// /healthz answers 200 as long as the process can serve HTTP. /readyz answers
// 200 only when every registered [Checker] passes; the bridge registers one
// checker per translation direction plus one for the turn journal when it is
// enabled.
//
// Both endpoints reply with a JSON object carrying a "status" of "ok" or
// "fail" and, for /readyz, a "checks" map keyed by checker name.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when healthy.
type Checker struct {
	// Name is the key under which the result appears in the response, e.g.
	// "direction/en-es" or "journal".
	Name string

	// Check probes the dependency and must respect context cancellation.
	Check func(ctx context.Context) error
}

// Direction is the view of one translation direction that readiness needs.
// *pipeline.Supervisor satisfies it.
type Direction interface {
	Name() string
	Ready() error
}

// DirectionChecker returns a [Checker] named "direction/<name>" that reports
// d's readiness.
func DirectionChecker(d Direction) Checker {
	return Checker{
		Name: "direction/" + d.Name(),
		Check: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return d.Ready()
		},
	}
}

// PingChecker wraps a ping function such as a database pool's Ping.
func PingChecker(name string, ping func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: ping}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction, so a Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating checkers in order on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker with a [checkTimeout] deadline derived from the
// request context and answers 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK

	for _, c := range h.checkers {
		if err := run(r.Context(), c); err != nil {
			res.Checks[c.Name] = fmt.Sprintf("fail: %v", err)
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}

	writeJSON(w, status, res)
}

func run(ctx context.Context, c Checker) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return c.Check(ctx)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
