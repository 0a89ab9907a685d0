// Package otel provides OpenTelemetry tracing for engine hooks.
package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/i2y/odeon/hooks"
)

const (
	tracerName = "odeon"
)

// OTelHooks implements EngineHooks with OpenTelemetry tracing.
// A job execution is one span from OnJobStart to OnJobComplete/OnJobFailed;
// scheduling and correlation events are short spans of their own.
type OTelHooks struct {
	hooks.NoOpHooks
	tracer trace.Tracer

	mu sync.Mutex
	// job_id -> active execution span
	jobSpans map[string]trace.Span
}

// NewOTelHooks creates a new OpenTelemetry hooks instance.
// If tracerProvider is nil, the global tracer provider is used.
func NewOTelHooks(tracerProvider trace.TracerProvider) *OTelHooks {
	var tracer trace.Tracer
	if tracerProvider != nil {
		tracer = tracerProvider.Tracer(tracerName)
	} else {
		tracer = otel.Tracer(tracerName)
	}

	return &OTelHooks{
		tracer:   tracer,
		jobSpans: make(map[string]trace.Span),
	}
}

// Job lifecycle

// OnJobScheduled records a short span for the scheduling decision.
func (h *OTelHooks) OnJobScheduled(ctx context.Context, info hooks.JobScheduledInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("schedule/%s", info.JobType),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("odeon.job_id", info.JobID),
			attribute.String("odeon.job_type", info.JobType),
			attribute.String("odeon.instance_id", info.InstanceID),
			attribute.String("odeon.horizon", info.Horizon),
			attribute.Bool("odeon.persisted", info.Persisted),
			attribute.String("odeon.scheduled_at", info.ScheduledAt.String()),
		),
	)
	span.End()
}

// OnJobStart opens the execution span of a job.
func (h *OTelHooks) OnJobStart(ctx context.Context, info hooks.JobStartInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("job/%s", info.JobType),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("odeon.job_id", info.JobID),
			attribute.String("odeon.job_type", info.JobType),
			attribute.String("odeon.instance_id", info.InstanceID),
			attribute.Int("odeon.retry_count", info.RetryCount),
		),
	)
	h.mu.Lock()
	h.jobSpans[info.JobID] = span
	h.mu.Unlock()
}

func (h *OTelHooks) takeJobSpan(jobID string) (trace.Span, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	span, ok := h.jobSpans[jobID]
	if ok {
		delete(h.jobSpans, jobID)
	}
	return span, ok
}

// OnJobComplete ends the job span with success status.
func (h *OTelHooks) OnJobComplete(ctx context.Context, info hooks.JobCompleteInfo) {
	if span, ok := h.takeJobSpan(info.JobID); ok {
		span.SetAttributes(
			attribute.Int64("odeon.duration_ms", info.Duration.Milliseconds()),
		)
		span.SetStatus(codes.Ok, "job completed")
		span.End()
	}
}

// OnJobRetry ends the job span with error status and a retry event.
func (h *OTelHooks) OnJobRetry(ctx context.Context, info hooks.JobRetryInfo) {
	if span, ok := h.takeJobSpan(info.JobID); ok {
		span.AddEvent("job_retry",
			trace.WithAttributes(
				attribute.String("odeon.new_job_id", info.NewJobID),
				attribute.Int("odeon.retry_count", info.RetryCount),
				attribute.Int64("odeon.next_delay_ms", info.NextDelay.Milliseconds()),
			),
		)
		if info.Error != nil {
			span.RecordError(info.Error)
			span.SetStatus(codes.Error, info.Error.Error())
		}
		span.End()
	}
}

// OnJobFailed ends the job span with error status.
func (h *OTelHooks) OnJobFailed(ctx context.Context, info hooks.JobFailedInfo) {
	if span, ok := h.takeJobSpan(info.JobID); ok {
		span.SetAttributes(
			attribute.Int64("odeon.duration_ms", info.Duration.Milliseconds()),
			attribute.Int("odeon.retry_count", info.RetryCount),
		)
		if info.Error != nil {
			span.RecordError(info.Error)
			span.SetStatus(codes.Error, info.Error.Error())
		} else {
			span.SetStatus(codes.Error, "job failed")
		}
		span.End()
	}
}

// Cluster

// OnNodeRecovered records the takeover of a stale node.
func (h *OTelHooks) OnNodeRecovered(ctx context.Context, info hooks.NodeRecoveredInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("node_recovered/%s", info.NodeID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("odeon.node_id", info.NodeID),
			attribute.String("odeon.recovered_by", info.RecoveredBy),
			attribute.Int64("odeon.job_count", info.JobCount),
		),
	)
	span.End()
}

// Correlation

// OnMessageEnqueued records a message parked in a correlator queue.
func (h *OTelHooks) OnMessageEnqueued(ctx context.Context, info hooks.MessageEnqueuedInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("enqueue/%s", info.CorrelatorID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("odeon.process_id", info.ProcessID),
			attribute.String("odeon.correlator_id", info.CorrelatorID),
			attribute.String("odeon.mex_id", info.MexID),
			attribute.String("odeon.key_set", info.KeySet),
		),
	)
	span.End()
}

// OnMessageMatched records a message routed to an instance.
func (h *OTelHooks) OnMessageMatched(ctx context.Context, info hooks.MessageMatchedInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("match/%s", info.CorrelatorID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("odeon.process_id", info.ProcessID),
			attribute.String("odeon.correlator_id", info.CorrelatorID),
			attribute.String("odeon.mex_id", info.MexID),
			attribute.String("odeon.instance_id", info.InstanceID),
			attribute.String("odeon.route_group_id", info.RouteGroupID),
			attribute.Int("odeon.route_index", info.Index),
			attribute.Bool("odeon.instantiated", info.Instantiated),
		),
	)
	span.SetStatus(codes.Ok, "message matched")
	span.End()
}

// OnRouteAdded records a route registration.
func (h *OTelHooks) OnRouteAdded(ctx context.Context, info hooks.RouteAddedInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("route/%s", info.CorrelatorID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("odeon.process_id", info.ProcessID),
			attribute.String("odeon.correlator_id", info.CorrelatorID),
			attribute.String("odeon.instance_id", info.InstanceID),
			attribute.String("odeon.route_group_id", info.RouteGroupID),
			attribute.Int("odeon.route_index", info.Index),
			attribute.String("odeon.key_set", info.KeySet),
		),
	)
	span.End()
}

var _ hooks.EngineHooks = (*OTelHooks)(nil)
