// Package metrics exports ONNX Runtime session runs as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/amikos-tech/onnxruntime-go/ort"
)

// Run status label values.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusCanceled = "canceled"
)

// RunCollector is an ort.RunObserver that counts runs per session and status
// and records their latency.
type RunCollector struct {
	runs       *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	lastInputs *prometheus.GaugeVec
}

var _ ort.RunObserver = (*RunCollector)(nil)

// NewRunCollector creates the run metrics under namespace and registers them
// with reg. A nil reg uses prometheus.DefaultRegisterer.
func NewRunCollector(reg prometheus.Registerer, namespace string) (*RunCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &RunCollector{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "onnxruntime",
				Name:      "session_runs_total",
				Help:      "Total number of session runs by outcome.",
			},
			[]string{"session", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "onnxruntime",
				Name:      "session_run_duration_seconds",
				Help:      "Session run duration in seconds, including input validation.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"session"},
		),
		lastInputs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "onnxruntime",
				Name:      "session_last_run_inputs",
				Help:      "Number of inputs passed to the most recent run of a session.",
			},
			[]string{"session"},
		),
	}
	for _, collector := range []prometheus.Collector{c.runs, c.duration, c.lastInputs} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveRun implements ort.RunObserver.
func (c *RunCollector) ObserveRun(stats ort.RunStats) {
	c.runs.WithLabelValues(stats.Session, Status(stats)).Inc()
	c.duration.WithLabelValues(stats.Session).Observe(stats.Duration.Seconds())
	c.lastInputs.WithLabelValues(stats.Session).Set(float64(stats.Inputs))
}

// Forget drops the series of a destroyed session.
func (c *RunCollector) Forget(session string) {
	for _, status := range []string{StatusOK, StatusError, StatusCanceled} {
		c.runs.DeleteLabelValues(session, status)
	}
	c.duration.DeleteLabelValues(session)
	c.lastInputs.DeleteLabelValues(session)
}

// Status maps a run outcome to its status label.
func Status(stats ort.RunStats) string {
	switch {
	case stats.Err == nil:
		return StatusOK
	case stats.Canceled:
		return StatusCanceled
	default:
		return StatusError
	}
}
