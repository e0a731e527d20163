package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	uploads *prometheus.CounterVec
	grants  *prometheus.CounterVec
	stages  *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nilgw",
			Name:      "uploads_total",
			Help:      "Program upload requests by outcome.",
		}, []string{"outcome"}),
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nilgw",
			Name:      "faucet_requests_total",
			Help:      "Faucet requests by outcome.",
		}, []string{"outcome"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nilgw",
			Name:      "stage_duration_seconds",
			Help:      "Duration of compile, submit and fund stages.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage", "outcome"}),
	}
	for _, c := range []prometheus.Collector{m.uploads, m.grants, m.stages} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observeStage(stage string, start time.Time, err error) {
	m.stages.WithLabelValues(stage, outcomeFor(err)).Observe(time.Since(start).Seconds())
}
