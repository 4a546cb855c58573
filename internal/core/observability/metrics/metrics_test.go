package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionUp()
		m.ConnectionDown()
		m.MessageDropped()
		m.ReconnectScheduled()
		m.HeartbeatTimedOut()
		m.RoomCreated()
		m.RoomDeleted()
		m.Broadcast()
		m.OperationApplied("insert", true)
		m.OperationRejected()
		m.StateSet()
		m.StatePushed(nil)
	})
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ConnectionUp()
	m.ConnectionUp()
	m.ConnectionDown()
	m.MessageDropped()
	m.OperationApplied("insert", false)
	m.OperationApplied("insert", true)
	m.StatePushed(errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedMessages))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsApplied.WithLabelValues("insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsRebased))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StatePushes.WithLabelValues("error")))

	_, err = New(reg)
	assert.Error(t, err, "double registration must fail")
}
