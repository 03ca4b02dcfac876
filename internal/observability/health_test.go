package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLivenessAlwaysAlive(t *testing.T) {
	hc := NewHealthChecker()

	rec := httptest.NewRecorder()
	hc.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("liveness status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body healthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "alive" || body.Service != serviceName {
		t.Errorf("body = %+v, want alive/%s", body, serviceName)
	}
	if body.Uptime == "" {
		t.Error("liveness body missing uptime")
	}
}

func TestReadinessFollowsSetReady(t *testing.T) {
	hc := NewHealthChecker()

	rec := httptest.NewRecorder()
	hc.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readiness before SetReady = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	hc.SetReady(true)
	if !hc.IsReady() {
		t.Fatal("IsReady = false after SetReady(true)")
	}
	rec = httptest.NewRecorder()
	hc.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readiness after SetReady = %d, want %d", rec.Code, http.StatusOK)
	}
	var body healthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ready" || body.Service != serviceName {
		t.Errorf("body = %+v, want ready/%s", body, serviceName)
	}
}
