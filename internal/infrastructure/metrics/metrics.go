// Package metrics holds the Prometheus instruments of the service and the
// dispatcher observer that feeds them from domain events.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kingsway/backoffice-workflow/internal/domain/event"
)

var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

// Metrics holds all Prometheus metric instruments
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflow
	InstancesStartedTotal    *prometheus.CounterVec
	StagesEnteredTotal       *prometheus.CounterVec
	TransitionsRejectedTotal *prometheus.CounterVec
	HookFailuresTotal        *prometheus.CounterVec

	// Disbursement
	ItemsSettledTotal     *prometheus.CounterVec
	DisbursementRunsTotal *prometheus.CounterVec
	StaleItemsSweptTotal  prometheus.Counter

	// Permission cache
	PermissionCacheHitsTotal   prometheus.Counter
	PermissionCacheMissesTotal prometheus.Counter
}

// InitMetrics creates and registers all metric instruments
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backoffice_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		InstancesStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_workflow_instances_started_total",
			Help: "Total number of workflow instances started.",
		}, []string{"process_type"}),
		StagesEnteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_workflow_stages_entered_total",
			Help: "Total number of applied stage transitions.",
		}, []string{"process_type", "stage"}),
		TransitionsRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_workflow_transitions_rejected_total",
			Help: "Total number of rejected transition attempts.",
		}, []string{"process_type", "result"}),
		HookFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_workflow_hook_failures_total",
			Help: "Total number of failed stage entry hooks.",
		}, []string{"process_type", "stage"}),

		ItemsSettledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_disbursement_items_settled_total",
			Help: "Total number of settled disbursement items.",
		}, []string{"method", "status"}),
		DisbursementRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backoffice_disbursement_runs_total",
			Help: "Total number of finished disbursement runs.",
		}, []string{"stage"}),
		StaleItemsSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backoffice_disbursement_stale_items_swept_total",
			Help: "Total number of dispatched items failed by the stale sweeper.",
		}),

		PermissionCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backoffice_permission_cache_hits_total",
			Help: "Total permission cache hits.",
		}),
		PermissionCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backoffice_permission_cache_misses_total",
			Help: "Total permission cache misses.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.InstancesStartedTotal,
		m.StagesEnteredTotal,
		m.TransitionsRejectedTotal,
		m.HookFailuresTotal,
		m.ItemsSettledTotal,
		m.DisbursementRunsTotal,
		m.StaleItemsSweptTotal,
		m.PermissionCacheHitsTotal,
		m.PermissionCacheMissesTotal,
	)

	return m
}

// RecordHTTPRequest records a completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// CacheHit counts a permission cache hit
func (m *Metrics) CacheHit() {
	m.PermissionCacheHitsTotal.Inc()
}

// CacheMiss counts a permission cache miss
func (m *Metrics) CacheMiss() {
	m.PermissionCacheMissesTotal.Inc()
}

// RecordStaleSweep counts items failed by the stale sweeper
func (m *Metrics) RecordStaleSweep(n int64) {
	if n > 0 {
		m.StaleItemsSweptTotal.Add(float64(n))
	}
}

// ObserveEvent is a dispatcher handler that counts every domain event
func (m *Metrics) ObserveEvent(_ context.Context, evt *event.Event) error {
	pt := evt.ProcessType
	switch evt.Type {
	case event.TypeInstanceStarted:
		m.InstancesStartedTotal.WithLabelValues(pt).Inc()
	case event.TypeStageEntered:
		m.StagesEnteredTotal.WithLabelValues(pt, evt.GetPayloadString("to_stage")).Inc()
	case event.TypeTransitionRejected:
		m.TransitionsRejectedTotal.WithLabelValues(pt, evt.GetPayloadString("result")).Inc()
	case event.TypeHookFailed:
		m.HookFailuresTotal.WithLabelValues(pt, evt.GetPayloadString("stage")).Inc()
	case event.TypeItemSettled:
		m.ItemsSettledTotal.WithLabelValues(evt.GetPayloadString("method"), evt.GetPayloadString("status")).Inc()
	case event.TypeDisbursementFinished:
		m.DisbursementRunsTotal.WithLabelValues(evt.GetPayloadString("stage")).Inc()
	}
	return nil
}
