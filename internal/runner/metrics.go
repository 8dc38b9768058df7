package runner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mining-wb/MM-TrustBench/pkg/types"
)

// Item outcomes used as the "outcome" label.
const (
	OutcomeProcessed   = "processed"
	OutcomeAlreadyDone = "already_done"
	OutcomeDuplicate   = "duplicate"
	OutcomeMissing     = "missing"
	OutcomeDiscarded   = "discarded"
)

// Metrics are the batch counters. A nil *Metrics records nothing.
type Metrics struct {
	Items   *prometheus.CounterVec
	Answers *prometheus.CounterVec
	Latency prometheus.Histogram
}

// NewMetrics registers the runner metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Items: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustbench_runner_items_total",
			Help: "Dataset items seen by the batch runner, by outcome.",
		}, []string{"outcome"}),
		Answers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustbench_runner_answers_total",
			Help: "Final answers appended to the ledger.",
		}, []string{"answer"}),
		Latency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trustbench_runner_item_seconds",
			Help:    "Time to evaluate and record one item.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
	}
}

func (m *Metrics) item(outcome string) {
	if m == nil || m.Items == nil {
		return
	}
	m.Items.WithLabelValues(outcome).Inc()
}

func (m *Metrics) answer(a types.Answer, took time.Duration) {
	if m == nil {
		return
	}
	if m.Answers != nil {
		m.Answers.WithLabelValues(string(a)).Inc()
	}
	if m.Latency != nil {
		m.Latency.Observe(took.Seconds())
	}
}
