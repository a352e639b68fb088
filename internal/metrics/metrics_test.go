package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRecordFrameIncrementsCounterAndHistogram(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordFrame("exec-1", 0)
	m.RecordFrame("exec-1", 0)

	require.Equal(t, float64(2), counterValue(t, m.FramesTotal.WithLabelValues("exec-1")))
}

func TestSetActiveTasksReportsGaugeValue(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.SetActiveTasks("exec-1", 3)

	var dtoMetric dto.Metric
	require.NoError(t, m.ActiveTasks.WithLabelValues("exec-1").Write(&dtoMetric))
	require.Equal(t, float64(3), dtoMetric.GetGauge().GetValue())
}

func TestRecordStopIgnoresEmptyReason(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordStop("")
	m.RecordStop("wall_clock")
	m.RecordStop("wall_clock")

	require.Equal(t, float64(2), counterValue(t, m.StopReasonsTotal.WithLabelValues("wall_clock")))
}

func TestRecordEffectRunIncrementsPerEffect(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordEffectRun("exec-1", "effect-a")

	require.Equal(t, float64(1), counterValue(t, m.EffectRunsTotal.WithLabelValues("exec-1", "effect-a")))
}
