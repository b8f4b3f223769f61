// Package health exposes the runtime's liveness and readiness probes.
//
// GET /healthz answers 200 for any process able to serve HTTP. GET /readyz
// runs the registered probes (in the full runtime the session store and the
// model pool) and answers 503 when any of them fails, so a load balancer
// stops routing new dialogues to an instance whose dependencies are gone.
// Both respond with a JSON body: a "status" of "ok" or "fail" plus a
// per-probe "checks" map.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// probeTimeout bounds a single readiness probe. A dependency that cannot
// answer within this window is treated as down.
const probeTimeout = 5 * time.Second

// Checker probes one dependency of the dialogue runtime.
type Checker struct {
	// Name keys the probe's verdict in the readiness response,
	// e.g. "postgres" or "model_pool".
	Name string

	// Check returns nil while the dependency can serve traffic. It must
	// honor ctx cancellation.
	Check func(ctx context.Context) error
}

// result aggregates probe verdicts into a response body.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The probe set is fixed at
// construction and the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given probes. Every /readyz request runs
// all of them concurrently.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz reports liveness. Serving the request is the proof.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every probe under a [probeTimeout] deadline derived from the
// request context and reports 503 when any fails. Verdicts for all probes
// are always included so the operator sees which dependency broke.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	verdicts := make([]string, len(h.checkers))

	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			if err := c.Check(ctx); err != nil {
				verdicts[i] = "fail: " + err.Error()
			} else {
				verdicts[i] = "ok"
			}
		}()
	}
	wg.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		res.Checks[c.Name] = verdicts[i]
		if verdicts[i] != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, res)
}

// Register mounts the probe routes on mux.
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
