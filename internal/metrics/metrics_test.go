package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveAttendance("delivered")
	m.ObserveAttendance("delivered")
	m.ObserveAttendance("queued")
	m.SetQueueDepth(3)
	m.SetSessionActive(true)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.attendance.WithLabelValues("delivered")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.attendance.WithLabelValues("queued")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionActive))

	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("schedule", "ok")
		m.IncRetry()
		m.IncReauth()
		m.SetQueueDepth(1)
		m.SetSessionActive(false)
		m.ObserveDownload("ok")
		m.ObserveTick("idle")
		m.ObservePush("sent")
		m.AddSyncDelivered(2)
	})
}
