package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the lessons engine
type Metrics struct {
	// Cycle metrics
	PhaseRuns     *prometheus.CounterVec
	PhaseDuration *prometheus.HistogramVec
	Outcomes      *prometheus.CounterVec

	// Lesson metrics
	LessonsExtracted *prometheus.CounterVec
	LessonsSelected  prometheus.Gauge
	LessonsMerged    prometheus.Gauge
	ConflictsDropped prometheus.Counter

	// Gate metrics
	GateViolations *prometheus.CounterVec
	GateWarnings   prometheus.Counter

	// Store metrics
	StoreAppends        *prometheus.CounterVec
	StoreCorruptRecords prometheus.Counter
	StoreReadDuration   *prometheus.HistogramVec

	registry *prometheus.Registry
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics on a dedicated
// registry. The same instance is returned on every call.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		reg := prometheus.NewRegistry()
		factory := promauto.With(reg)
		sharedMetrics = &Metrics{
			registry: reg,

			PhaseRuns: factory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lessonloop_phase_runs_total",
					Help: "Total number of pre-run and post-run invocations",
				},
				[]string{"phase", "result"},
			),
			PhaseDuration: factory.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lessonloop_phase_duration_seconds",
					Help:    "Duration of one orchestrator phase in seconds",
					Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to 10s
				},
				[]string{"phase"},
			),
			Outcomes: factory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lessonloop_outcomes_total",
					Help: "Pre-run outcomes by lessons mode",
				},
				[]string{"mode", "outcome"},
			),

			LessonsExtracted: factory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lessonloop_lessons_extracted_total",
					Help: "Lessons recorded by the post-run phase",
				},
				[]string{"pattern", "scope"},
			),
			LessonsSelected: factory.NewGauge(
				prometheus.GaugeOpts{
					Name: "lessonloop_lessons_selected",
					Help: "Lessons selected in the last pre-run",
				},
			),
			LessonsMerged: factory.NewGauge(
				prometheus.GaugeOpts{
					Name: "lessonloop_lessons_merged",
					Help: "Lessons merged into the last candidate",
				},
			),
			ConflictsDropped: factory.NewCounter(
				prometheus.CounterOpts{
					Name: "lessonloop_conflicts_dropped_total",
					Help: "Changes dropped because a higher-precedence lesson won the key",
				},
			),

			GateViolations: factory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lessonloop_gate_violations_total",
					Help: "Quality gate violations by metric and bound",
				},
				[]string{"metric", "bound"},
			),
			GateWarnings: factory.NewCounter(
				prometheus.CounterOpts{
					Name: "lessonloop_gate_warnings_total",
					Help: "Malformed or unparseable predicted effects",
				},
			),

			StoreAppends: factory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lessonloop_store_appends_total",
					Help: "Lesson batch appends by backend",
				},
				[]string{"backend", "result"},
			),
			StoreCorruptRecords: factory.NewCounter(
				prometheus.CounterOpts{
					Name: "lessonloop_store_corrupt_records_total",
					Help: "Unreadable records skipped while scanning the lesson store",
				},
			),
			StoreReadDuration: factory.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lessonloop_store_read_duration_seconds",
					Help:    "Lesson store read duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
		}
	})

	return sharedMetrics
}

// Registry exposes the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordPhase records one orchestrator phase
func (m *Metrics) RecordPhase(phase string, success bool, seconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.PhaseRuns.WithLabelValues(phase, result).Inc()
	m.PhaseDuration.WithLabelValues(phase).Observe(seconds)
}

// RecordStoreAppend records a lesson batch append
func (m *Metrics) RecordStoreAppend(backend string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.StoreAppends.WithLabelValues(backend, result).Inc()
}

// WriteTextfile writes the current values in the node_exporter textfile
// format. The write is atomic.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
