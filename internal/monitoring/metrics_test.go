package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Breach("response", "minor")
	m.Breach("response", "minor")
	m.Delivery("email", "delivered")
	m.ObserveTick("evaluation", time.Now(), errors.New("x"))
	m.QueueDropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.breaches.WithLabelValues("response", "minor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticks.WithLabelValues("evaluation", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueDropped))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Breach("response", "minor")
		m.SetQueueDepth(3)
		m.ObserveTick("rollup", time.Now(), nil)
	})
}

func TestNewWithoutRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}
