package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// probeTimeout bounds one readiness evaluation across all probes.
const probeTimeout = 2 * time.Second

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthChecker manages liveness and readiness state.
// Readiness requires SetReady(true) and every registered check to pass.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		checks:    make(map[string]CheckFunc),
	}
}

// SetReady marks the service as ready once recovery and replay are done.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// Register adds a named dependency probe to the readiness check.
func (h *HealthChecker) Register(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check runs every registered probe and returns the failures by name.
func (h *HealthChecker) Check(ctx context.Context) map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]CheckFunc, len(names))
	for i, name := range names {
		checks[i] = h.checks[name]
	}
	h.mu.RUnlock()

	failures := make(map[string]string)
	for i, check := range checks {
		if err := check(ctx); err != nil {
			failures[names[i]] = err.Error()
		}
	}
	return failures
}

// healthReport is the body of both probe endpoints.
type healthReport struct {
	Status   string            `json:"status"`
	Uptime   string            `json:"uptime,omitempty"`
	Failures map[string]string `json:"failures,omitempty"`
}

func writeReport(w http.ResponseWriter, code int, report healthReport) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

// LivenessHandler answers 200 for as long as the process can serve HTTP.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, healthReport{Status: "alive", Uptime: time.Since(h.startTime).Round(time.Second).String()})
}

// ReadinessHandler answers 503 until SetReady(true), and while any probe fails.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.IsReady() {
		writeReport(w, http.StatusServiceUnavailable, healthReport{Status: "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	if failures := h.Check(ctx); len(failures) > 0 {
		writeReport(w, http.StatusServiceUnavailable, healthReport{Status: "degraded", Failures: failures})
		return
	}
	writeReport(w, http.StatusOK, healthReport{Status: "ready"})
}
