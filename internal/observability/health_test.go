package observability_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"TroveLedger/internal/observability"
)

func TestReadiness_NotReadyUntilSet(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	h.SetReady(true)
	h.SetStatusFunc(func() map[string]any {
		return map[string]any{"sequence": 42}
	})
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("status: got %v, want ready", body["status"])
	}
	if body["sequence"] != float64(42) {
		t.Errorf("sequence: got %v, want 42", body["sequence"])
	}
}

func TestLiveness_AlwaysOK(t *testing.T) {
	h := observability.NewHealthChecker()
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]string{
		"debug": "debug",
		"warn":  "warn",
		"":      "info",
		"bogus": "info",
	}
	for in, want := range cases {
		if got := observability.ParseLogLevel(in).String(); got != want {
			t.Errorf("ParseLogLevel(%q): got %s, want %s", in, got, want)
		}
	}
}
