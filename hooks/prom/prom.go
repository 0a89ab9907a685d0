// Package prom exposes engine hooks as Prometheus metrics.
package prom

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/i2y/odeon/hooks"
)

const namespace = "odeon"

// Hooks implements EngineHooks by updating Prometheus collectors.
type Hooks struct {
	hooks.NoOpHooks

	jobsScheduled  *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobsRetried    *prometheus.CounterVec
	jobsFailed     *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobsInFlight   prometheus.Gauge
	nodesRecovered prometheus.Counter
	jobsRecovered  prometheus.Counter
	messages       *prometheus.CounterVec
	routesAdded    prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Hooks, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	h := &Hooks{
		jobsScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_scheduled_total",
			Help:      "Jobs scheduled, by type and horizon.",
		}, []string{"type", "horizon"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_completed_total",
			Help:      "Jobs completed successfully, by type.",
		}, []string{"type"}),
		jobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_retried_total",
			Help:      "Retryable job failures rescheduled with backoff, by type.",
		}, []string{"type"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_failed_total",
			Help:      "Jobs dropped after a fatal failure, by type.",
		}, []string{"type"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Job processor execution time, by type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being executed by this node.",
		}),
		nodesRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "nodes_recovered_total",
			Help:      "Stale nodes whose jobs were taken over by this node.",
		}),
		jobsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "jobs_recovered_total",
			Help:      "Jobs reassigned to this node from stale nodes.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "messages_total",
			Help:      "Inbound messages, by outcome (enqueued, matched, instantiated).",
		}, []string{"outcome"}),
		routesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "routes_added_total",
			Help:      "Routes registered by waiting instances.",
		}),
	}

	for _, c := range []prometheus.Collector{
		h.jobsScheduled, h.jobsCompleted, h.jobsRetried, h.jobsFailed, h.jobDuration,
		h.jobsInFlight, h.nodesRecovered, h.jobsRecovered, h.messages, h.routesAdded,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Hooks) OnJobScheduled(ctx context.Context, info hooks.JobScheduledInfo) {
	h.jobsScheduled.WithLabelValues(info.JobType, info.Horizon).Inc()
}

func (h *Hooks) OnJobStart(ctx context.Context, info hooks.JobStartInfo) {
	h.jobsInFlight.Inc()
}

func (h *Hooks) OnJobComplete(ctx context.Context, info hooks.JobCompleteInfo) {
	h.jobsInFlight.Dec()
	h.jobsCompleted.WithLabelValues(info.JobType).Inc()
	h.jobDuration.WithLabelValues(info.JobType).Observe(info.Duration.Seconds())
}

func (h *Hooks) OnJobRetry(ctx context.Context, info hooks.JobRetryInfo) {
	h.jobsInFlight.Dec()
	h.jobsRetried.WithLabelValues(info.JobType).Inc()
}

func (h *Hooks) OnJobFailed(ctx context.Context, info hooks.JobFailedInfo) {
	h.jobsInFlight.Dec()
	h.jobsFailed.WithLabelValues(info.JobType).Inc()
	h.jobDuration.WithLabelValues(info.JobType).Observe(info.Duration.Seconds())
}

func (h *Hooks) OnNodeRecovered(ctx context.Context, info hooks.NodeRecoveredInfo) {
	h.nodesRecovered.Inc()
	h.jobsRecovered.Add(float64(info.JobCount))
}

func (h *Hooks) OnMessageEnqueued(ctx context.Context, info hooks.MessageEnqueuedInfo) {
	h.messages.WithLabelValues("enqueued").Inc()
}

func (h *Hooks) OnMessageMatched(ctx context.Context, info hooks.MessageMatchedInfo) {
	if info.Instantiated {
		h.messages.WithLabelValues("instantiated").Inc()
		return
	}
	h.messages.WithLabelValues("matched").Inc()
}

func (h *Hooks) OnRouteAdded(ctx context.Context, info hooks.RouteAddedInfo) {
	h.routesAdded.Inc()
}

var _ hooks.EngineHooks = (*Hooks)(nil)
