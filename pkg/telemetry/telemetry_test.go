package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MessagesSubmitted.Inc()
	m.MessagesRejected.WithLabelValues("rate_limited").Inc()
	m.DeliveryAttempts.WithLabelValues("success").Inc()
	m.QueueDepth.Set(3)

	require.Equal(t, float64(1), testutil.ToFloat64(m.MessagesSubmitted))
	require.Equal(t, float64(1), testutil.ToFloat64(m.MessagesRejected.WithLabelValues("rate_limited")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.DeliveryAttempts.WithLabelValues("success")))
	require.Equal(t, float64(3), testutil.ToFloat64(m.QueueDepth))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 8)
}

func TestNewPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	require.Panics(t, func() { New(reg) })
}

func TestHandlerIsNotNil(t *testing.T) {
	require.NotNil(t, Handler())
}
