// Package hooks provides lifecycle hooks for engine observability.
package hooks

import (
	"context"
	"time"
)

// EngineHooks defines callbacks for scheduler and correlation events.
// Implement this interface to add observability (logging, tracing, metrics).
// Callbacks run synchronously on the goroutine that raised the event and
// must not block.
type EngineHooks interface {
	// Job lifecycle
	OnJobScheduled(ctx context.Context, info JobScheduledInfo)
	OnJobStart(ctx context.Context, info JobStartInfo)
	OnJobComplete(ctx context.Context, info JobCompleteInfo)
	OnJobRetry(ctx context.Context, info JobRetryInfo)
	OnJobFailed(ctx context.Context, info JobFailedInfo)

	// Cluster
	OnNodeRecovered(ctx context.Context, info NodeRecoveredInfo)

	// Correlation
	OnMessageEnqueued(ctx context.Context, info MessageEnqueuedInfo)
	OnMessageMatched(ctx context.Context, info MessageMatchedInfo)
	OnRouteAdded(ctx context.Context, info RouteAddedInfo)
}

// JobScheduledInfo describes a newly scheduled job.
type JobScheduledInfo struct {
	JobID       string
	JobType     string
	InstanceID  string
	ScheduledAt time.Time
	// Horizon is "immediate", "nearfuture", "farfuture" or "volatile".
	Horizon   string
	Persisted bool
}

// JobStartInfo describes a job handed to the job processor.
type JobStartInfo struct {
	JobID      string
	JobType    string
	InstanceID string
	RetryCount int
}

// JobCompleteInfo describes a job that completed successfully.
type JobCompleteInfo struct {
	JobID      string
	JobType    string
	InstanceID string
	Duration   time.Duration
}

// JobRetryInfo describes a retryable job failure and its replacement.
type JobRetryInfo struct {
	JobID      string
	NewJobID   string
	JobType    string
	InstanceID string
	RetryCount int
	NextDelay  time.Duration
	Error      error
}

// JobFailedInfo describes a job dropped after a fatal failure.
type JobFailedInfo struct {
	JobID      string
	JobType    string
	InstanceID string
	RetryCount int
	Duration   time.Duration
	Error      error
}

// NodeRecoveredInfo describes the takeover of a stale node's jobs.
type NodeRecoveredInfo struct {
	NodeID      string
	RecoveredBy string
	JobCount    int64
}

// MessageEnqueuedInfo describes an inbound message parked in a correlator
// queue because no route matched.
type MessageEnqueuedInfo struct {
	ProcessID    string
	CorrelatorID string
	MexID        string
	KeySet       string
}

// MessageMatchedInfo describes a message paired with a waiting instance.
type MessageMatchedInfo struct {
	ProcessID    string
	CorrelatorID string
	MexID        string
	InstanceID   string
	RouteGroupID string
	Index        int
	// Instantiated is true when the message created the instance.
	Instantiated bool
}

// RouteAddedInfo describes a route registered because no queued message
// matched it.
type RouteAddedInfo struct {
	ProcessID    string
	CorrelatorID string
	InstanceID   string
	RouteGroupID string
	Index        int
	KeySet       string
}

// NoOpHooks is a no-operation implementation of EngineHooks.
// Use this as a base for partial implementations.
type NoOpHooks struct{}

func (n *NoOpHooks) OnJobScheduled(ctx context.Context, info JobScheduledInfo)       {}
func (n *NoOpHooks) OnJobStart(ctx context.Context, info JobStartInfo)               {}
func (n *NoOpHooks) OnJobComplete(ctx context.Context, info JobCompleteInfo)         {}
func (n *NoOpHooks) OnJobRetry(ctx context.Context, info JobRetryInfo)               {}
func (n *NoOpHooks) OnJobFailed(ctx context.Context, info JobFailedInfo)             {}
func (n *NoOpHooks) OnNodeRecovered(ctx context.Context, info NodeRecoveredInfo)     {}
func (n *NoOpHooks) OnMessageEnqueued(ctx context.Context, info MessageEnqueuedInfo) {}
func (n *NoOpHooks) OnMessageMatched(ctx context.Context, info MessageMatchedInfo)   {}
func (n *NoOpHooks) OnRouteAdded(ctx context.Context, info RouteAddedInfo)           {}

// Chain fans every event out to several hooks in order.
type Chain []EngineHooks

func (c Chain) OnJobScheduled(ctx context.Context, info JobScheduledInfo) {
	for _, h := range c {
		h.OnJobScheduled(ctx, info)
	}
}

func (c Chain) OnJobStart(ctx context.Context, info JobStartInfo) {
	for _, h := range c {
		h.OnJobStart(ctx, info)
	}
}

func (c Chain) OnJobComplete(ctx context.Context, info JobCompleteInfo) {
	for _, h := range c {
		h.OnJobComplete(ctx, info)
	}
}

func (c Chain) OnJobRetry(ctx context.Context, info JobRetryInfo) {
	for _, h := range c {
		h.OnJobRetry(ctx, info)
	}
}

func (c Chain) OnJobFailed(ctx context.Context, info JobFailedInfo) {
	for _, h := range c {
		h.OnJobFailed(ctx, info)
	}
}

func (c Chain) OnNodeRecovered(ctx context.Context, info NodeRecoveredInfo) {
	for _, h := range c {
		h.OnNodeRecovered(ctx, info)
	}
}

func (c Chain) OnMessageEnqueued(ctx context.Context, info MessageEnqueuedInfo) {
	for _, h := range c {
		h.OnMessageEnqueued(ctx, info)
	}
}

func (c Chain) OnMessageMatched(ctx context.Context, info MessageMatchedInfo) {
	for _, h := range c {
		h.OnMessageMatched(ctx, info)
	}
}

func (c Chain) OnRouteAdded(ctx context.Context, info RouteAddedInfo) {
	for _, h := range c {
		h.OnRouteAdded(ctx, info)
	}
}
