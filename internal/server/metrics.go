package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the facade counters. A nil *Metrics records nothing.
type Metrics struct {
	Requests    *prometheus.CounterVec
	Latency     *prometheus.HistogramVec
	CacheHits   prometheus.Counter
	Evaluations *prometheus.CounterVec
}

// NewMetrics registers the facade metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustbench_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trustbench_http_request_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "trustbench_http_cache_hits_total",
			Help: "Evaluate requests answered from the verdict cache.",
		}),
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustbench_http_evaluations_total",
			Help: "Pipeline evaluations run by the facade, by final answer.",
		}, []string{"answer"}),
	}
}

func (m *Metrics) request(route string, code int, took time.Duration) {
	if m == nil {
		return
	}
	if m.Requests != nil {
		m.Requests.WithLabelValues(route, statusLabel(code)).Inc()
	}
	if m.Latency != nil {
		m.Latency.WithLabelValues(route).Observe(took.Seconds())
	}
}

func (m *Metrics) cacheHit() {
	if m == nil || m.CacheHits == nil {
		return
	}
	m.CacheHits.Inc()
}

func (m *Metrics) evaluation(answer string) {
	if m == nil || m.Evaluations == nil {
		return
	}
	m.Evaluations.WithLabelValues(answer).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
