package tallykit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nhalm/tallykit/counter"
	"github.com/nhalm/tallykit/security"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	increments       *prometheus.CounterVec
	rateLimitDenials *prometheus.CounterVec
	securityEvents   *prometheus.CounterVec
	syncWrites       *prometheus.CounterVec
	engineMode       *prometheus.GaugeVec
	slo              *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tallykit_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tallykit_http_request_duration_seconds",
			Help:    "HTTP request duration by route.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"route"}),
		increments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tallykit_counter_increments_total",
			Help: "Counter increments by kind, engine mode and whether a store failed.",
		}, []string{"kind", "mode", "degraded"}),
		rateLimitDenials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tallykit_rate_limit_denials_total",
			Help: "Requests denied by a rate limit, by action.",
		}, []string{"action"}),
		securityEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tallykit_security_events_total",
			Help: "Security events by type.",
		}, []string{"type"}),
		syncWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tallykit_sync_writes_total",
			Help: "Remote writes performed by counter sync sweeps.",
		}, []string{"op"}),
		engineMode: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tallykit_counter_engine_mode",
			Help: "1 for the counter engine's current mode, 0 otherwise.",
		}, []string{"mode"}),
		slo: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tallykit_slo_requests_total",
			Help: "SLO-tagged requests by tier and PASS/FAIL status.",
		}, []string{"tier", "status"}),
	}
}

// MetricsHandler serves the metrics gathered by g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) observeRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) observeSLO(tier SLOTier, status string) {
	if m == nil {
		return
	}
	m.slo.WithLabelValues(string(tier), status).Inc()
}

func (m *Metrics) observeIncrement(kind string, res counter.Result) {
	if m == nil || !res.Counted {
		return
	}
	m.increments.WithLabelValues(kind, res.Mode.String(), strconv.FormatBool(res.Degraded)).Inc()
}

func (m *Metrics) observeDenial(action string) {
	if m == nil {
		return
	}
	m.rateLimitDenials.WithLabelValues(action).Inc()
}

func (m *Metrics) observeSync(r counter.SyncReport) {
	if m == nil {
		return
	}
	m.syncWrites.WithLabelValues("insert").Add(float64(r.Inserted))
	m.syncWrites.WithLabelValues("update").Add(float64(r.Updated))
}

// SetEngineMode records the settled engine mode.
func (m *Metrics) SetEngineMode(mode counter.Mode) {
	if m == nil {
		return
	}
	for _, candidate := range []counter.Mode{
		counter.ModeUninitialized, counter.ModeInitializing, counter.ModeRemoteBacked, counter.ModeLocalOnly,
	} {
		v := 0.0
		if candidate == mode {
			v = 1
		}
		m.engineMode.WithLabelValues(candidate.String()).Set(v)
	}
}

// SecurityEvent counts ev. Pass it to security.WithEventHook.
func (m *Metrics) SecurityEvent(ev security.Event) {
	if m == nil {
		return
	}
	m.securityEvents.WithLabelValues(ev.Type).Inc()
}
