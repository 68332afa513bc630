package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestQueueMetricsCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewQueueMetrics(reg)

	m.ObserveOperation("call_next", "ok", 10*time.Millisecond)
	m.ObserveOperation("call_next", "ok", 20*time.Millisecond)
	m.ObserveOperation("call_next", "not_present", time.Millisecond)
	m.ObserveLockContention("end_day")
	m.ObserveClosure("close")
	m.ObservePromotion()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("call_next", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("call_next", "not_present")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockContention.WithLabelValues("end_day")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.closuresTotal.WithLabelValues("close")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.promotionsTotal))
}

func TestNilQueueMetricsIsSafe(t *testing.T) {
	var m *QueueMetrics
	m.ObserveOperation("call_next", "ok", time.Second)
	m.ObserveLockContention("call_next")
	m.ObserveClosure("reopen")
	m.ObservePromotion()
	m.ObserveNotifyFailure()
}
