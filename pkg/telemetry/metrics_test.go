package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roiconsensus/internal/models"
	"roiconsensus/pkg/workerpool"
)

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matches(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matches(metric *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, lp := range metric.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			found++
		}
	}
	return found == len(labels)
}

func TestRecordUnitClassifiesOutcome(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.RecordUnit(models.StageConsensus, nil, time.Second)
	m.RecordUnit(models.StageConsensus, nil, time.Second)
	m.RecordUnit(models.StageConsensus, fmt.Errorf("load: %w", models.ErrMissingInput), time.Millisecond)
	m.RecordUnit(models.StageConsensus, errors.New("boom"), time.Millisecond)

	name := "roiconsensus_pipeline_units_total"
	assert.Equal(t, 2.0, counterValue(t, m, name, map[string]string{"stage": "consensus", "status": StatusOK}))
	assert.Equal(t, 1.0, counterValue(t, m, name, map[string]string{"stage": "consensus", "status": StatusSkipped}))
	assert.Equal(t, 1.0, counterValue(t, m, name, map[string]string{"stage": "consensus", "status": StatusFailed}))
}

func TestPoolObserverCountsTasks(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	pool := workerpool.New("io", 2, workerpool.WithObserver(m.PoolObserver()))
	pool.Run(context.Background(), 5, func(_ context.Context, i int) error {
		if i == 3 {
			return errors.New("unreadable")
		}
		return nil
	})

	name := "roiconsensus_workerpool_tasks_total"
	assert.Equal(t, 4.0, counterValue(t, m, name, map[string]string{"pool": "io", "status": StatusOK}))
	assert.Equal(t, 1.0, counterValue(t, m, name, map[string]string{"pool": "io", "status": StatusFailed}))
}

func TestWriteFile(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	m.SetDomainSize("roi1", 812)
	m.RecordUnit(models.StageRelabel, nil, time.Second)

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, m.WriteFile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `roiconsensus_coassociation_domain_voxels{roi="roi1"} 812`)
	assert.Contains(t, string(data), "roiconsensus_pipeline_units_total")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordUnit(models.StageConsensus, nil, time.Second)
	m.SetDomainSize("roi", 3)
	m.PoolObserver()("io", 0, nil, 0)
	assert.NoError(t, m.WriteFile("ignored"))
	assert.Nil(t, m.Registry())
}
