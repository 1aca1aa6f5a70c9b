// Package health serves the liveness and readiness endpoints for the calling
// server.
//
//   - /healthz answers 200 whenever the process can serve HTTP.
//   - /readyz answers 200 only while every registered [Checker] passes —
//     typically the knowledge and lead store pools and the credential
//     service. A server that is not ready must not accept new calls.
//
// Responses are JSON: a top-level "status" of "ok" or "fail" plus a "checks"
// map with one entry per checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each readiness probe. A hung store ping must not hold
// the endpoint past the orchestrator's probe deadline.
const checkTimeout = 5 * time.Second

// Checker probes one dependency of the calling stack. Check returns nil when
// the dependency can serve calls and must respect ctx cancellation.
type Checker struct {
	// Name keys this check in the /readyz response ("knowledge", "leads",
	// "credential_service").
	Name string

	Check func(ctx context.Context) error
}

// report is the response body of both endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers /healthz and /readyz. The checker set is fixed at
// construction; the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a Handler over the given checkers.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz reports liveness: a process that reached this handler is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker, each under its own [checkTimeout], and answers
// 503 when any fails. Checks run concurrently so one slow dependency does not
// stack delays onto the rest.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	type outcome struct {
		name string
		err  error
	}
	results := make([]outcome, len(h.checkers))

	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			results[i] = outcome{name: c.Name, err: c.Check(ctx)}
		}()
	}
	wg.Wait()

	res := report{Status: "ok", Checks: make(map[string]string, len(results))}
	status := http.StatusOK
	for _, out := range results {
		if out.err != nil {
			res.Checks[out.name] = "fail: " + out.err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			res.Checks[out.name] = "ok"
		}
	}

	writeJSON(w, status, res)
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
