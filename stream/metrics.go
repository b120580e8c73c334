package stream

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label of rrls_samples_dropped_total.
const (
	ReasonMalformed = "malformed"
	ReasonDimension = "dimension"
)

// Metrics holds the loop's Prometheus collectors.
type Metrics struct {
	processed prometheus.Counter
	dropped   *prometheus.CounterVec
	nmse      *prometheus.GaugeVec
	iteration prometheus.Histogram
	state     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		processed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rrls",
			Name:      "samples_processed_total",
			Help:      "Samples predicted, scored and absorbed by the estimator",
		}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rrls",
			Name:      "samples_dropped_total",
			Help:      "Samples dropped without touching the estimator",
		}, []string{"reason"}),
		nmse: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rrls",
			Name:      "nmse",
			Help:      "Running normalized mean squared error per output dimension",
		}, []string{"dim"}),
		iteration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rrls",
			Name:      "iteration_seconds",
			Help:      "Duration of one map, predict, score and update iteration",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rrls",
			Name:      "state",
			Help:      "Loop state: 0 configured, 1 pretrained, 2 running, 3 closing, 4 closed",
		}),
	}
}

func (m *Metrics) observeScore(score []float64) {
	for i, v := range score {
		m.nmse.WithLabelValues(strconv.Itoa(i)).Set(v)
	}
}
