// Package metrics exposes driver progress as Prometheus metrics.
//
// All methods are safe on a nil *Collector, so components can be built
// without metrics in tests and one-shot CLI commands.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Namespace prefixes every metric name.
const Namespace = "dmftloop"

// Collector holds the driver metrics.
type Collector struct {
	registry *prometheus.Registry

	iterationsCompleted *prometheus.CounterVec
	attemptFailures     *prometheus.CounterVec
	currentIteration    *prometheus.GaugeVec
	consecutiveFailures *prometheus.GaugeVec
	driverState         *prometheus.GaugeVec
	stageDuration       *prometheus.HistogramVec
	nanReplacements     *prometheus.CounterVec
	bundleArchived      *prometheus.CounterVec
	bundleFailures      *prometheus.CounterVec
	submissions         *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the driver metrics on a fresh registry.
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.iterationsCompleted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "iterations_completed_total",
			Help:      "Iterations that ran both stages and advanced",
		},
		[]string{"instance"},
	)
	c.attemptFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "attempt_failures_total",
			Help:      "Failed iteration attempts by reason",
		},
		[]string{"instance", "reason"},
	)
	c.currentIteration = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "current_iteration",
			Help:      "Iteration the driver is working on",
		},
		[]string{"instance"},
	)
	c.consecutiveFailures = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "consecutive_failures",
			Help:      "Current value of the attempt counter",
		},
		[]string{"instance"},
	)
	c.driverState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "driver_state",
			Help:      "1 for the state the driver is in, 0 otherwise",
		},
		[]string{"instance", "state"},
	)
	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of external stage invocations",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
		[]string{"instance", "stage"},
	)
	c.nanReplacements = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "nan_replacements_total",
			Help:      "NaN markers replaced in solver output",
		},
		[]string{"instance"},
	)
	c.bundleArchived = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bundle_archived_total",
			Help:      "Artifacts written to bundle containers",
		},
		[]string{"instance", "family"},
	)
	c.bundleFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bundle_failures_total",
			Help:      "Artifacts that could not be bundled",
		},
		[]string{"instance", "family"},
	)
	c.submissions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "submissions_total",
			Help:      "Auxiliary job submissions by outcome",
		},
		[]string{"instance", "kind", "status"},
	)
	return c
}

// Registry returns the registry to expose over HTTP.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// SetState marks state as current for instance, clearing the others.
func (c *Collector) SetState(instance, state string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		c.driverState.WithLabelValues(instance, s).Set(v)
	}
}

func (c *Collector) SetIteration(instance string, n int) {
	if c == nil {
		return
	}
	c.currentIteration.WithLabelValues(instance).Set(float64(n))
}

func (c *Collector) SetConsecutiveFailures(instance string, n int) {
	if c == nil {
		return
	}
	c.consecutiveFailures.WithLabelValues(instance).Set(float64(n))
}

func (c *Collector) IterationCompleted(instance string) {
	if c == nil {
		return
	}
	c.iterationsCompleted.WithLabelValues(instance).Inc()
}

func (c *Collector) AttemptFailed(instance, reason string) {
	if c == nil {
		return
	}
	c.attemptFailures.WithLabelValues(instance, reason).Inc()
}

func (c *Collector) ObserveStage(instance, stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(instance, stage).Observe(d.Seconds())
}

func (c *Collector) NaNReplaced(instance string, count int) {
	if c == nil || count <= 0 {
		return
	}
	c.nanReplacements.WithLabelValues(instance).Add(float64(count))
}

// Bundled records one family's bundle pass.
func (c *Collector) Bundled(instance, family string, archived, failed int) {
	if c == nil {
		return
	}
	if archived > 0 {
		c.bundleArchived.WithLabelValues(instance, family).Add(float64(archived))
	}
	if failed > 0 {
		c.bundleFailures.WithLabelValues(instance, family).Add(float64(failed))
	}
}

// Submission records a job hand-off; err nil means submitted.
func (c *Collector) Submission(instance, kind string, err error) {
	if c == nil {
		return
	}
	status := "submitted"
	if err != nil {
		status = "failed"
		c.logger.Debug("Counting failed submission", zap.String("kind", kind), zap.Error(err))
	}
	c.submissions.WithLabelValues(instance, kind, status).Inc()
}
