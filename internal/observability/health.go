package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

const serviceName = "perpclearing"

// HealthChecker manages liveness and readiness state for the clearing
// service: /healthz (liveness), /readyz (readiness).
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
}

type healthStatus struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Uptime  string `json:"uptime,omitempty"`
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(healthStatus{
		Status:  "alive",
		Service: serviceName,
		Uptime:  time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once migrations have run, NATS is
// connected, and the persist worker is draining; 503 before that.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := healthStatus{Status: "ready", Service: serviceName}
	code := http.StatusOK
	if !h.ready.Load() {
		status.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
