package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/dqueue/internal/runtime/dispatch"
)

func TestMetricsRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	other := NewMetrics(reg)
	require.NoError(t, other.Register())
}

func TestMetricsShareCollectorsOnOneRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewMetrics(reg)
	require.NoError(t, first.Register())
	second := NewMetrics(reg)
	require.NoError(t, second.Register())

	second.RecordSent("Q", nil)
	first.RecordSent("Q", nil)

	assert.Same(t, first.sentTotal, second.sentTotal)
	assert.Same(t, first.workersAlive, second.workersAlive)
	assert.Equal(t, float64(2), testutil.ToFloat64(first.sentTotal.WithLabelValues("Q", "ok")))
	count, err := testutil.GatherAndCount(reg, "dqueue_producer_messages_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetricsRecordDispatch(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.RecordDispatch("Q", dispatch.Result{
		Resolution: dispatch.Complete,
		Duration:   time.Millisecond,
		Errors: []error{
			&dispatch.HandlerError{Index: 0, Name: "audit", Err: errors.New("x")},
			errors.New("hook panicked"),
		},
	})
	m.RecordDispatch("Q", dispatch.Result{Resolution: dispatch.Timeout})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.dispatchedTotal.WithLabelValues("Q", "complete")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.dispatchedTotal.WithLabelValues("Q", "timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.handlerErrors.WithLabelValues("Q", "audit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.handlerErrors.WithLabelValues("Q", "unknown")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.dispatchSeconds))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSent("Q", nil)
		m.RecordDispatch("Q", dispatch.Result{})
		m.workerStarted("Q")
		m.workerStopped("Q")
		m.workerRestarted("Q")
	})
}
