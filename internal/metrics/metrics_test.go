package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/api/functions/{id}":        "/api/functions/:",
		"/api/functions/{id}/invoke": "/api/functions/:/invoke",
		"/health":                    "/health",
	}
	for in, want := range tests {
		if got := NormalizePath(in); got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func counterValue(t *testing.T, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := functionInvocations.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("reading counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRecordFunctionInvocation(t *testing.T) {
	before := counterValue(t, "metrics-test", "cel", "succeeded")
	RecordFunctionInvocation("metrics-test", "cel", "succeeded", 10*time.Millisecond)
	after := counterValue(t, "metrics-test", "cel", "succeeded")
	if after != before+1 {
		t.Fatalf("expected counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	RecordTriggerEvaluation("event", "fired")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "funcbox_trigger_evaluations_total") {
		t.Fatal("expected trigger metric in output")
	}
}
