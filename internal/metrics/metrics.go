// Package metrics exposes Prometheus counters for queues, the CLI gateway and schedulers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of observations emitted by the pipeline.
type Metrics interface {
	IncJobsEnqueued(queue string, coalesced bool)
	IncJobsSettled(queue, status string)
	ObserveJobDuration(queue string, d time.Duration)
	IncGatewayCalls(command, outcome string)
	IncReconcilePasses(scheduler string, failedRows int)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncJobsEnqueued(string, bool)             {}
func (Noop) IncJobsSettled(string, string)            {}
func (Noop) ObserveJobDuration(string, time.Duration) {}
func (Noop) IncGatewayCalls(string, string)           {}
func (Noop) IncReconcilePasses(string, int)           {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	jobsEnqueued   *prometheus.CounterVec
	jobsSettled    *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	gatewayCalls   *prometheus.CounterVec
	reconciles     *prometheus.CounterVec
	reconcileFails *prometheus.CounterVec
}

// NewProm builds the collectors and registers them with reg.
// Passing prometheus.DefaultRegisterer exposes them on Handler().
func NewProm(namespace string, reg prometheus.Registerer) (*Prom, error) {
	p := &Prom{
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs submitted by queue; coalesced marks submissions merged into an in-flight job",
		}, []string{"queue", "coalesced"}),
		jobsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_settled_total",
			Help:      "Job attempts by queue and outcome (succeeded, retrying, failed)",
		}, []string{"queue", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_attempt_duration_seconds",
			Help:      "Handler duration per job attempt",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"queue"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_invocations_total",
			Help:      "CLI invocations by command and outcome",
		}, []string{"command", "outcome"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_passes_total",
			Help:      "Reconciliation passes by scheduler",
		}, []string{"scheduler"}),
		reconcileFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_row_failures_total",
			Help:      "Rows that failed during reconciliation by scheduler",
		}, []string{"scheduler"}),
	}

	for _, c := range []prometheus.Collector{
		p.jobsEnqueued, p.jobsSettled, p.jobDuration, p.gatewayCalls, p.reconciles, p.reconcileFails,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prom) IncJobsEnqueued(queue string, coalesced bool) {
	label := "false"
	if coalesced {
		label = "true"
	}
	p.jobsEnqueued.WithLabelValues(queue, label).Inc()
}

func (p *Prom) IncJobsSettled(queue, status string) {
	p.jobsSettled.WithLabelValues(queue, status).Inc()
}

func (p *Prom) ObserveJobDuration(queue string, d time.Duration) {
	p.jobDuration.WithLabelValues(queue).Observe(d.Seconds())
}

func (p *Prom) IncGatewayCalls(command, outcome string) {
	p.gatewayCalls.WithLabelValues(command, outcome).Inc()
}

func (p *Prom) IncReconcilePasses(scheduler string, failedRows int) {
	p.reconciles.WithLabelValues(scheduler).Inc()
	if failedRows > 0 {
		p.reconcileFails.WithLabelValues(scheduler).Add(float64(failedRows))
	}
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
