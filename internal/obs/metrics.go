package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Decision outcomes. Unavailable is kept apart from deny so dashboards never
// count a store outage as a permission refusal.
const (
	OutcomeAllow       = "allow"
	OutcomeDeny        = "deny"
	OutcomeUnavailable = "unavailable"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	authzDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by check type and outcome.",
		},
		[]string{"check", "outcome"},
	)

	authzDecisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authz_decision_duration_seconds",
			Help:    "Latency of authorization decisions, including store round trips.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"check"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "authz_ready",
		Help: "1 when the permission store answered the last readiness check.",
	})

	initOnce sync.Once
)

// Init registers the collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight,
			httpRequestsTotal,
			httpRequestDuration,
			authzDecisionsTotal,
			authzDecisionDuration,
			readyGauge,
		)
	})
}

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision records one authorization decision.
func ObserveDecision(check, outcome string, took time.Duration) {
	authzDecisionsTotal.WithLabelValues(check, outcome).Inc()
	authzDecisionDuration.WithLabelValues(check).Observe(took.Seconds())
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument records request count, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// routeTemplates maps path shapes to their label. "*" matches one segment.
var routeTemplates = []struct {
	segments []string
	label    string
}{
	{[]string{"v1", "authz", "components", "*"}, "/v1/authz/components/:id"},
	{[]string{"v1", "authz", "explain", "components", "*"}, "/v1/authz/explain/components/:id"},
	{[]string{"v1", "authz", "cores", "*"}, "/v1/authz/cores/:core"},
	{[]string{"v1", "groups", "*", "components"}, "/v1/groups/:id/components"},
	{[]string{"v1", "groups", "*", "state"}, "/v1/groups/:id/state"},
}

// CanonicalPath collapses identifiers in known routes so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	for _, tpl := range routeTemplates {
		if matchSegments(tpl.segments, parts) {
			return tpl.label
		}
	}
	return raw
}

func matchSegments(tpl, parts []string) bool {
	if len(tpl) != len(parts) {
		return false
	}
	for i, seg := range tpl {
		if seg == "*" {
			if parts[i] == "" {
				return false
			}
			continue
		}
		if seg != parts[i] {
			return false
		}
	}
	return true
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
