package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
}

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(pendingTimeouts.WithLabelValues("storage"))
	RecordTimeout("storage")
	if got := testutil.ToFloat64(pendingTimeouts.WithLabelValues("storage")); got != before+1 {
		t.Errorf("pendingTimeouts = %v; want %v", got, before+1)
	}

	SetTransportState(2)
	if got := testutil.ToFloat64(transportState); got != 2 {
		t.Errorf("transportState = %v; want 2", got)
	}
}

func TestHandlerExposesInstruments(t *testing.T) {
	Init()
	RecordQueued()
	RecordEnvelope("REQUEST", "to_overlay")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{"hlassist_relay_queued_before_ready_total", "hlassist_relay_envelopes_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
