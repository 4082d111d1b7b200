package telemetry_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/telemetry"
)

func TestMetricsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg)
	m.ItemSpawned(domain.KindStep)
	m.ItemSpawned(domain.KindStep)
	m.Transition(domain.FlagNexted)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Spawned.WithLabelValues("step")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("nexted")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *telemetry.Metrics
	m.ItemSpawned(domain.KindTask)
	m.Transition(domain.FlagCreated)
	m.Cascade("spawn", 3)
}

func TestInitDisabledInstallsNoop(t *testing.T) {
	shutdown, err := telemetry.Init(context.Background(), telemetry.Options{})
	require.NoError(t, err)
	_, span := telemetry.Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, shutdown(context.Background()))
}
