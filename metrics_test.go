package tallykit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nhalm/tallykit/counter"
	"github.com/nhalm/tallykit/security"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.SetEngineMode(counter.ModeLocalOnly)
	m.SecurityEvent(security.Event{Type: security.EventCSRFMismatch})
	m.SecurityEvent(security.Event{Type: security.EventCSRFMismatch})
	m.observeDenial("login")
	m.observeSync(counter.SyncReport{Inserted: 2, Updated: 1})
	m.observeIncrement("page", counter.Result{Counted: true, Mode: counter.ModeLocalOnly, Degraded: true})
	m.observeIncrement("page", counter.Result{Counted: false, Mode: counter.ModeLocalOnly})

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"mode local_only", m.engineMode.WithLabelValues("local_only"), 1},
		{"mode remote_backed", m.engineMode.WithLabelValues("remote_backed"), 0},
		{"csrf events", m.securityEvents.WithLabelValues("csrf_mismatch"), 2},
		{"login denials", m.rateLimitDenials.WithLabelValues("login"), 1},
		{"sync inserts", m.syncWrites.WithLabelValues("insert"), 2},
		{"sync updates", m.syncWrites.WithLabelValues("update"), 1},
		{"counted increments only", m.increments.WithLabelValues("page", "local_only", "true"), 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}

	m.SetEngineMode(counter.ModeRemoteBacked)
	if testutil.ToFloat64(m.engineMode.WithLabelValues("local_only")) != 0 {
		t.Error("previous mode should be cleared")
	}
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	m.observeRequest("/", http.StatusOK, time.Millisecond)
	m.observeIncrement("page", counter.Result{Counted: true})
	m.observeDenial("login")
	m.observeSync(counter.SyncReport{})
	m.SetEngineMode(counter.ModeLocalOnly)
	m.SecurityEvent(security.Event{Type: "x"})
	m.observeSLO(SLOCounter, "PASS")
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg).SetEngineMode(counter.ModeRemoteBacked)

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if !strings.Contains(rec.Body.String(), `tallykit_counter_engine_mode{mode="remote_backed"} 1`) {
		t.Errorf("metrics body missing engine mode:\n%s", rec.Body)
	}
}
