package chmux

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsSharedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	server := newFakeServer(t)

	config := testConfig()
	config.MetricsRegisterer = registry
	first := newTestClient(t, server, config)
	second := newTestClient(t, server, config)

	first.metrics.frameDropped(FrameJoin)
	second.metrics.frameDropped(FrameJoin)
	require.Equal(t, float64(2), testutil.ToFloat64(first.metrics.framesDropped.WithLabelValues("join")))

	count, err := testutil.GatherAndCount(registry, "chmux_client_frames_dropped_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestMetricsConnectedGauge(t *testing.T) {
	registry := prometheus.NewRegistry()
	server := newFakeServer(t)
	config := testConfig()
	config.MetricsRegisterer = registry
	config.MetricsNamespace = "app"

	c, _ := connectTestClient(t, server, config)
	require.Equal(t, float64(1), testutil.ToFloat64(c.metrics.connected))

	subscribeAndWait(t, c, "chat", nil)
	require.Equal(t, float64(1), testutil.ToFloat64(c.metrics.numSubscriptions))

	require.NoError(t, c.Disconnect())
	require.Equal(t, float64(0), testutil.ToFloat64(c.metrics.connected))
	require.Equal(t, float64(0), testutil.ToFloat64(c.metrics.numSubscriptions))

	count, err := testutil.GatherAndCount(registry, "app_client_connected")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
