// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 whenever the process can serve HTTP; it carries
// the build version so deploys are identifiable from the probe alone.
// GET /readyz runs the registered checkers (database reachability, provider
// configuration) and answers 503 until all of them pass, which keeps the load
// balancer from routing sockets to an instance that cannot run a pipeline.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout caps a single readiness check. A hung database ping must not
// stall the probe past the balancer's own timeout.
const checkTimeout = 5 * time.Second

// Checker probes one dependency the pipeline cannot run without.
type Checker struct {
	// Name keys the check in the response ("database", "providers").
	Name string

	// Check returns nil when the dependency can serve. It must respect ctx.
	Check func(ctx context.Context) error
}

// checkResult is one checker's outcome in the /readyz response.
type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

type livenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type readinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. Safe for concurrent use; the checker
// set is fixed at construction.
type Handler struct {
	version  string
	checkers []Checker
}

// New builds a Handler. version is the build version reported by /healthz;
// empty omits the field.
func New(version string, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{version: version, checkers: c}
}

// Healthz always answers 200: a process serving HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, livenessResponse{Status: "ok", Version: h.version})
}

// Readyz runs every checker concurrently, each under its own checkTimeout,
// and answers 200 only when all pass. Each check reports its latency so a
// slow-but-passing dependency is visible before it starts failing.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]checkResult, len(h.checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	ready := true

	for _, c := range h.checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			res := checkResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}

			mu.Lock()
			checks[c.Name] = res
			if err != nil {
				ready = false
			}
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	resp := readinessResponse{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		resp.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Register adds both probe routes to mux.
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
