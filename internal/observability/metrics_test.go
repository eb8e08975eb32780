package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TrialClaims.WithLabelValues("claimed").Inc()
	m.TrialClaims.WithLabelValues("claimed").Inc()
	m.ActiveSessions.Set(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TrialClaims.WithLabelValues("claimed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveSessions))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestDefaultIsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}

func TestInitTracing(t *testing.T) {
	shutdown, err := InitTracing("none")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, err = InitTracing("jaeger")
	assert.Error(t, err)
}
