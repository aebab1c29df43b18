/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-dispatchkit/ratelimit"
	"github.com/acronis/go-dispatchkit/testutil"
)

func TestPrometheusMetricsCollect(t *testing.T) {
	pm := NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{DurationBuckets: []float64{0.1, 1, 10}})
	pm.MustRegister()
	defer pm.Unregister()

	pm.IncSubmittedItems("api-west", PriorityHigh)
	pm.IncSubmittedItems("api-west", PriorityHigh)
	pm.IncSubmittedItems("api-west", PriorityLow)
	counter := pm.SubmittedTotal.With(prometheus.Labels{"backend": "api-west", "priority": "high"})
	testutil.RequireSamplesCountInCounter(t, counter, 2)
	counter = pm.SubmittedTotal.With(prometheus.Labels{"backend": "api-west", "priority": "low"})
	testutil.RequireSamplesCountInCounter(t, counter, 1)

	pm.IncBackpressureRejections("api-west")
	counter = pm.BackpressureRejectionTotal.With(prometheus.Labels{"backend": "api-west"})
	testutil.RequireSamplesCountInCounter(t, counter, 1)

	pm.IncAdmissionRejections("api-west", ratelimit.ReasonRateExceeded)
	counter = pm.AdmissionRejectionTotal.With(
		prometheus.Labels{"backend": "api-west", "reason": ratelimit.ReasonRateExceeded.String()})
	testutil.RequireSamplesCountInCounter(t, counter, 1)

	pm.ObserveItemDuration("api-west", ItemStatusSuccess, 250*time.Millisecond)
	pm.ObserveItemDuration("api-west", ItemStatusSuccess, 3*time.Second)
	hist := pm.ItemDuration.With(
		prometheus.Labels{"backend": "api-west", "status": ItemStatusSuccess}).(prometheus.Histogram)
	testutil.RequireSamplesCountInHistogram(t, hist, 2)
	hist = pm.ItemDuration.With(
		prometheus.Labels{"backend": "api-west", "status": ItemStatusError}).(prometheus.Histogram)
	testutil.RequireSamplesCountInHistogram(t, hist, 0)

	pm.SetQueueDepth("api-west", 7)
	gauge, err := pm.QueueDepth.GetMetricWith(prometheus.Labels{"backend": "api-west"})
	require.NoError(t, err)
	require.Equal(t, 7.0, promGaugeValue(t, gauge))
}

func TestSchedulerReportsMetrics(t *testing.T) {
	pm := NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
	s := newTestScheduler(t, echoCall, nil, Opts{Metrics: pm})
	require.NoError(t, s.RegisterBackend("api-west", openPolicy))

	h, err := s.Submit(context.Background(), "api-west", "ping", PriorityNormal, 1)
	require.NoError(t, err)
	_, err = h.Result(context.Background())
	require.NoError(t, err)

	counter := pm.SubmittedTotal.With(prometheus.Labels{"backend": "api-west", "priority": "normal"})
	testutil.RequireSamplesCountInCounter(t, counter, 1)

	hist := pm.ItemDuration.With(
		prometheus.Labels{"backend": "api-west", "status": ItemStatusSuccess}).(prometheus.Histogram)
	testutil.RequireSamplesCountInHistogram(t, hist, 1)
}

func promGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(g))
	gotMetrics, err := reg.Gather()
	require.NoError(t, err)
	require.Equal(t, 1, len(gotMetrics))
	return gotMetrics[0].GetMetric()[0].GetGauge().GetValue()
}
