package pool

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	m := newMetrics()
	collectors := m.Collectors()
	assert.Len(t, collectors, 5)
	for _, c := range collectors {
		assert.NotNil(t, c)
	}
}

func TestMetricsGaugesAndCountersTrackUpdates(t *testing.T) {
	m := newMetrics()
	m.open.Set(3)
	m.idle.Set(1)
	m.borrowed.Inc()
	m.evicted.Inc()
	m.dialFailures.Inc()

	assert.Equal(t, float64(3), gaugeValue(t, m.open))
	assert.Equal(t, float64(1), gaugeValue(t, m.idle))
	assert.Equal(t, float64(1), counterValue(t, m.borrowed))
	assert.Equal(t, float64(1), counterValue(t, m.evicted))
	assert.Equal(t, float64(1), counterValue(t, m.dialFailures))
}
