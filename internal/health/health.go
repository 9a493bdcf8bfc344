// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 whenever the process can serve HTTP at all.
// GET /readyz answers 200 only while every registered [Checker] passes, and
// 503 with per-check detail otherwise. Bodies are JSON: a "status" of "ok"
// or "fail" plus a "checks" map naming each probe's outcome.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness check.
const probeTimeout = 5 * time.Second

// Checker names one readiness dependency. Check returns nil while the
// dependency can serve and an error describing why not otherwise; it must
// honor ctx cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// result is the response body shape shared by both probes.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the two probe endpoints over a fixed checker list.
type Handler struct {
	checkers []Checker
}

// New builds a Handler around the given checkers. Readyz runs them in the
// order given.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports liveness. Reaching the handler is the whole check.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker and reports 200 only when all pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, failed := h.runChecks(r.Context())

	res := result{Status: "ok", Checks: checks}
	code := http.StatusOK
	if failed > 0 {
		res.Status = "fail"
		code = http.StatusServiceUnavailable
	}
	respond(w, code, res)
}

// runChecks probes each dependency under its own deadline and returns the
// per-check outcomes plus the failure count.
func (h *Handler) runChecks(ctx context.Context) (map[string]string, int) {
	checks := make(map[string]string, len(h.checkers))
	failed := 0
	for _, c := range h.checkers {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := c.Check(probeCtx)
		cancel()
		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			failed++
			continue
		}
		checks[c.Name] = "ok"
	}
	return checks, failed
}

// respond writes v as a JSON body with the given status code.
func respond(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(body)
}
