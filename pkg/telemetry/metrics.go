// Package telemetry collects batch metrics in a private Prometheus registry
// and exports them as a text file at the end of a run. A nil *Metrics is
// valid and records nothing.
package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"roiconsensus/internal/models"
	"roiconsensus/pkg/workerpool"
)

const namespace = "roiconsensus"

// Unit outcome labels.
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Metrics holds the batch counters.
type Metrics struct {
	registry *prometheus.Registry

	units        *prometheus.CounterVec   // By stage and status
	unitDuration *prometheus.HistogramVec // By stage
	tasks        *prometheus.CounterVec   // By pool and status
	domainVoxels *prometheus.GaugeVec     // By roi
}

// New creates and registers the batch metrics.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "units_total",
			Help:      "Total number of batch units by stage and outcome",
		}, []string{"stage", "status"}), // status: ok, skipped, failed

		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "unit_duration_seconds",
			Help:      "Batch unit duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~45min
		}, []string{"stage"}),

		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workerpool",
			Name:      "tasks_total",
			Help:      "Total number of pool tasks by pool and outcome",
		}, []string{"pool", "status"}),

		domainVoxels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coassociation",
			Name:      "domain_voxels",
			Help:      "Number of voxels in the last consensus domain of an ROI",
		}, []string{"roi"}),
	}

	for _, c := range []prometheus.Collector{m.units, m.unitDuration, m.tasks, m.domainVoxels} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordUnit counts one finished unit of stage.
func (m *Metrics) RecordUnit(stage string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.units.WithLabelValues(stage, status(err)).Inc()
	m.unitDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// SetDomainSize records the consensus domain size of roi.
func (m *Metrics) SetDomainSize(roi string, voxels int) {
	if m == nil {
		return
	}
	m.domainVoxels.WithLabelValues(roi).Set(float64(voxels))
}

// PoolObserver returns a workerpool observer that counts tasks.
func (m *Metrics) PoolObserver() workerpool.Observer {
	return func(pool string, _ int, err error, _ time.Duration) {
		if m == nil {
			return
		}
		m.tasks.WithLabelValues(pool, status(err)).Inc()
	}
}

// WriteFile writes every metric to path in the Prometheus text format.
func (m *Metrics) WriteFile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}

func status(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case models.Skippable(err):
		return StatusSkipped
	default:
		return StatusFailed
	}
}
