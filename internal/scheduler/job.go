package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JobType tells the job processor what a job is for.
type JobType string

const (
	// JobTypeMessage delivers a matched message exchange to an instance.
	JobTypeMessage JobType = "message"
	// JobTypeTimer fires a timer (wait, onAlarm) of an instance.
	JobTypeTimer JobType = "timer"
	// JobTypeResume continues an instance asynchronously.
	JobTypeResume JobType = "resume"
)

// JobDetails is the opaque detail map of a job. It is stored as JSON.
type JobDetails struct {
	Type         JobType `json:"type"`
	ProcessID    string  `json:"processId,omitempty"`
	InstanceID   string  `json:"instanceId,omitempty"`
	MexID        string  `json:"mexId,omitempty"`
	CorrelatorID string  `json:"correlatorId,omitempty"`
	RouteGroupID string  `json:"routeGroupId,omitempty"`
	RouteIndex   int     `json:"routeIndex,omitempty"`
	// Channel names the timer or continuation inside the instance.
	Channel    string `json:"channel,omitempty"`
	RetryCount int    `json:"retryCount,omitempty"`
	// Repeat is the cron expression of a recurring job.
	Repeat string            `json:"repeat,omitempty"`
	Ext    map[string]string `json:"ext,omitempty"`
}

func (d JobDetails) marshal() ([]byte, error) {
	return json.Marshal(d)
}

func unmarshalDetails(b []byte) (JobDetails, error) {
	var d JobDetails
	if len(b) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("invalid job details: %w", err)
	}
	return d, nil
}

// JobInfo is handed to the job processor.
type JobInfo struct {
	JobID       string
	ScheduledAt time.Time
	Persisted   bool
	Transacted  bool
	Details     JobDetails
}

// JobProcessor executes dispatched jobs. Returning an error wrapped with
// Fatal drops the job; any other error schedules a retry.
//
// For persisted or transacted jobs ctx carries the scheduler transaction.
type JobProcessor interface {
	OnScheduledJob(ctx context.Context, job *JobInfo) error
}

// JobProcessorFunc adapts a function to JobProcessor.
type JobProcessorFunc func(ctx context.Context, job *JobInfo) error

// OnScheduledJob calls f.
func (f JobProcessorFunc) OnScheduledJob(ctx context.Context, job *JobInfo) error {
	return f(ctx, job)
}

// Horizon is the time band a job falls in when it is scheduled.
type Horizon string

const (
	// HorizonImmediate jobs are persisted and queued in memory at once.
	HorizonImmediate Horizon = "immediate"
	// HorizonNearFuture jobs are persisted and assigned to the local node.
	HorizonNearFuture Horizon = "nearfuture"
	// HorizonFarFuture jobs are persisted without a node.
	HorizonFarFuture Horizon = "farfuture"
	// HorizonVolatile jobs live in memory only.
	HorizonVolatile Horizon = "volatile"
)

// Classify returns the horizon of a job due at when, seen at now.
func Classify(now, when time.Time, immediate, nearFuture time.Duration) Horizon {
	switch {
	case !when.After(now.Add(immediate)):
		return HorizonImmediate
	case !when.After(now.Add(nearFuture)):
		return HorizonNearFuture
	default:
		return HorizonFarFuture
	}
}
