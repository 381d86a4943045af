// Package metrics exposes Prometheus collectors that report assembly and
// pyramid activity. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zpyramid"

// Metrics holds the collectors of one run on a private registry.
type Metrics struct {
	registry      *prometheus.Registry
	tasks         *prometheus.CounterVec
	bytesWritten  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	levels        prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks executed per stage, by outcome.",
		}, []string{"stage", "outcome"}),
		bytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Uncompressed sample bytes written per stage.",
		}, []string{"stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time from the first task of a stage to its barrier.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
		levels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "levels_written_total",
			Help:      "Pyramid levels completed, including the base level.",
		}),
	}
	m.registry.MustRegister(m.tasks, m.bytesWritten, m.stageDuration, m.levels)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// TaskDone counts one finished task of stage.
func (m *Metrics) TaskDone(stage string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.tasks.WithLabelValues(stage, outcome).Inc()
}

// BytesWritten adds n written bytes to stage.
func (m *Metrics) BytesWritten(stage string, n int) {
	if m == nil {
		return
	}
	m.bytesWritten.WithLabelValues(stage).Add(float64(n))
}

// ObserveStage records how long stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// LevelWritten counts one completed pyramid level.
func (m *Metrics) LevelWritten() {
	if m == nil {
		return
	}
	m.levels.Inc()
}

// WriteTextfile writes the current values in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
