package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerMetrics tracks background job runs on the prometheus registry.
type SchedulerMetrics struct {
	runs       *prometheus.CounterVec
	errors     *prometheus.CounterVec
	timeouts   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	reconciled *prometheus.CounterVec
}

func NewSchedulerMetrics(cfg Config) (*SchedulerMetrics, error) {
	return newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) (*SchedulerMetrics, error) {
	constLabels := prometheus.Labels{
		"service": nonEmpty(cfg.ServiceName, "coursepay"),
		"env":     nonEmpty(cfg.Environment, "unknown"),
	}

	m := &SchedulerMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "coursepay_scheduler_job_runs_total",
			Help:        "Scheduler job executions.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "coursepay_scheduler_job_errors_total",
			Help:        "Scheduler job failures by reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "coursepay_scheduler_job_timeouts_total",
			Help:        "Scheduler jobs that hit their deadline.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "coursepay_scheduler_job_duration_seconds",
			Help:        "Scheduler job duration.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"job"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "coursepay_reconciled_sessions_total",
			Help:        "Checkout sessions checked by the reconciler, by resulting status.",
			ConstLabels: constLabels,
		}, []string{"gateway", "status"}),
	}

	var err error
	if m.runs, err = registerCollector(registerer, m.runs); err != nil {
		return nil, err
	}
	if m.errors, err = registerCollector(registerer, m.errors); err != nil {
		return nil, err
	}
	if m.timeouts, err = registerCollector(registerer, m.timeouts); err != nil {
		return nil, err
	}
	if m.duration, err = registerCollector(registerer, m.duration); err != nil {
		return nil, err
	}
	if m.reconciled, err = registerCollector(registerer, m.reconciled); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(job, jobErrorReason(err)).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(job).Observe(elapsed.Seconds())
}

func (m *SchedulerMetrics) AddReconciled(gateway, status string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(strings.ToLower(gateway), status).Inc()
}

const (
	JobReasonDeadlineExceeded = "deadline_exceeded"
	JobReasonCanceled         = "canceled"
	JobReasonError            = "error"
)

func jobErrorReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return JobReasonDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return JobReasonCanceled
	default:
		return JobReasonError
	}
}

func nonEmpty(value, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}
