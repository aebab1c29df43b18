/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-dispatchkit/ratelimit"
)

// Item settlement statuses as reported to MetricsCollector.ObserveItemDuration.
const (
	ItemStatusSuccess = "success"
	ItemStatusError   = "error"
)

// MetricsCollector represents a collector of metrics to analyze scheduling behavior.
type MetricsCollector interface {
	// IncSubmittedItems increments the total number of accepted submissions.
	IncSubmittedItems(backend string, priority Priority)

	// IncBackpressureRejections increments the total number of submissions
	// rejected because the backend's queue was full.
	IncBackpressureRejections(backend string)

	// IncAdmissionRejections increments the total number of rate-limit
	// rejections observed while waiting for admission.
	IncAdmissionRejections(backend string, reason ratelimit.RejectReason)

	// ObserveItemDuration observes the total time from submission to
	// settlement of one item.
	ObserveItemDuration(backend string, status string, elapsed time.Duration)

	// SetQueueDepth sets the current queue depth of the backend.
	SetQueueDepth(backend string, depth int)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// DurationBuckets is a list of buckets into which observations of item
	// durations are counted.
	DurationBuckets []float64

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents a Prometheus metrics for the scheduler.
type PrometheusMetrics struct {
	SubmittedTotal             *prometheus.CounterVec
	BackpressureRejectionTotal *prometheus.CounterVec
	AdmissionRejectionTotal    *prometheus.CounterVec
	ItemDuration               *prometheus.HistogramVec
	QueueDepth                 *prometheus.GaugeVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	durationBuckets := opts.DurationBuckets
	if durationBuckets == nil {
		durationBuckets = prometheus.DefBuckets
	}

	submittedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "scheduler_submitted_items_total",
			Help:        "Number of accepted work item submissions.",
			ConstLabels: opts.ConstLabels,
		},
		[]string{"backend", "priority"},
	)

	backpressureRejectionTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "scheduler_backpressure_rejections_total",
			Help:        "Number of submissions rejected because the backend queue was full.",
			ConstLabels: opts.ConstLabels,
		},
		[]string{"backend"},
	)

	admissionRejectionTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "scheduler_admission_rejections_total",
			Help:        "Number of rate limit rejections observed while waiting for admission.",
			ConstLabels: opts.ConstLabels,
		},
		[]string{"backend", "reason"},
	)

	itemDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "scheduler_item_duration_seconds",
			Help:        "Time from submission to settlement of one work item.",
			Buckets:     durationBuckets,
			ConstLabels: opts.ConstLabels,
		},
		[]string{"backend", "status"},
	)

	queueDepth := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "scheduler_queue_depth",
			Help:        "Current number of queued work items per backend.",
			ConstLabels: opts.ConstLabels,
		},
		[]string{"backend"},
	)

	return &PrometheusMetrics{
		SubmittedTotal:             submittedTotal,
		BackpressureRejectionTotal: backpressureRejectionTotal,
		AdmissionRejectionTotal:    admissionRejectionTotal,
		ItemDuration:               itemDuration,
		QueueDepth:                 queueDepth,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.SubmittedTotal,
		pm.BackpressureRejectionTotal,
		pm.AdmissionRejectionTotal,
		pm.ItemDuration,
		pm.QueueDepth,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.SubmittedTotal)
	prometheus.Unregister(pm.BackpressureRejectionTotal)
	prometheus.Unregister(pm.AdmissionRejectionTotal)
	prometheus.Unregister(pm.ItemDuration)
	prometheus.Unregister(pm.QueueDepth)
}

// IncSubmittedItems increments the total number of accepted submissions.
func (pm *PrometheusMetrics) IncSubmittedItems(backend string, priority Priority) {
	pm.SubmittedTotal.With(prometheus.Labels{"backend": backend, "priority": priority.String()}).Inc()
}

// IncBackpressureRejections increments the total number of submissions rejected due to a full queue.
func (pm *PrometheusMetrics) IncBackpressureRejections(backend string) {
	pm.BackpressureRejectionTotal.With(prometheus.Labels{"backend": backend}).Inc()
}

// IncAdmissionRejections increments the total number of rate limit rejections.
func (pm *PrometheusMetrics) IncAdmissionRejections(backend string, reason ratelimit.RejectReason) {
	pm.AdmissionRejectionTotal.With(prometheus.Labels{"backend": backend, "reason": reason.String()}).Inc()
}

// ObserveItemDuration observes the total time from submission to settlement of one item.
func (pm *PrometheusMetrics) ObserveItemDuration(backend string, status string, elapsed time.Duration) {
	pm.ItemDuration.With(prometheus.Labels{"backend": backend, "status": status}).Observe(elapsed.Seconds())
}

// SetQueueDepth sets the current queue depth of the backend.
func (pm *PrometheusMetrics) SetQueueDepth(backend string, depth int) {
	pm.QueueDepth.With(prometheus.Labels{"backend": backend}).Set(float64(depth))
}

type disabledMetrics struct{}

func (disabledMetrics) IncSubmittedItems(string, Priority)                    {}
func (disabledMetrics) IncBackpressureRejections(string)                      {}
func (disabledMetrics) IncAdmissionRejections(string, ratelimit.RejectReason) {}
func (disabledMetrics) ObserveItemDuration(string, string, time.Duration)     {}
func (disabledMetrics) SetQueueDepth(string, int)                             {}
