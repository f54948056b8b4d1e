package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value 读取单个计数器或仪表的当前值
func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return m.Gauge.GetValue()
}

func TestMetrics_Observe(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveOperation("register", nil)
	m.ObserveOperation("register", nil)
	m.ObserveOperation("register", errors.New("boom"))
	m.SetEntries(3)
	m.IncrementAlert("High")
	m.SetPaused(true)
	m.IncrementPublishFailure()
	m.ObserveTransfer(20 * time.Millisecond)

	assert.Equal(t, 2.0, value(t, m.Operations.WithLabelValues("register", ResultOK)))
	assert.Equal(t, 1.0, value(t, m.Operations.WithLabelValues("register", ResultError)))
	assert.Equal(t, 3.0, value(t, m.Entries))
	assert.Equal(t, 1.0, value(t, m.Alerts.WithLabelValues("High")))
	assert.Equal(t, 1.0, value(t, m.Paused))
	assert.Equal(t, 1.0, value(t, m.PublishFailures))

	m.SetPaused(false)
	assert.Equal(t, 0.0, value(t, m.Paused))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveOperation("pause", nil)
		m.SetEntries(1)
		m.IncrementAlert("Low")
		m.SetPaused(true)
		m.IncrementPublishFailure()
		m.ObserveTransfer(time.Second)
	})
}
