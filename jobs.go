package odeon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/i2y/odeon/internal/scheduler"
	"github.com/i2y/odeon/internal/storage"
)

// JobType tells an InstanceHandler why an instance is run.
type JobType = scheduler.JobType

const (
	JobTypeMessage = scheduler.JobTypeMessage
	JobTypeTimer   = scheduler.JobTypeTimer
	JobTypeResume  = scheduler.JobTypeResume
)

// Outcome is the state an InstanceHandler leaves an instance in.
type Outcome int

const (
	// InstanceWaiting means the instance waits for further jobs.
	InstanceWaiting Outcome = iota
	// InstanceCompleted means the instance has finished. Its remaining
	// routes are removed and later jobs for it are ignored.
	InstanceCompleted
)

// Message is the inbound message a message job delivers.
type Message struct {
	MexID       string
	PartnerLink string
	Operation   string
	Payload     []byte
}

// InstanceJob is a unit of work for one process instance.
type InstanceJob struct {
	JobID       string
	Type        JobType
	ProcessID   string
	InstanceID  string
	ScheduledAt time.Time
	RetryCount  int
	// Channel names the timer or continuation for timer and resume jobs.
	Channel string

	// Set for message jobs.
	Message      *Message
	CorrelatorID string
	// RouteGroupID and RouteIndex identify the route that matched, empty
	// when the message instantiated the process.
	RouteGroupID string
	RouteIndex   int
}

// InstanceHandler executes instance jobs. The ctx of persisted jobs carries
// the scheduler transaction: App calls made with it (Select, ScheduleTimer,
// CompleteInstance) commit or roll back together with the job.
//
// Returning a TerminalError drops the job. Any other error retries it with
// exponential backoff.
type InstanceHandler interface {
	OnInstanceJob(ctx context.Context, job *InstanceJob) (Outcome, error)
}

// InstanceHandlerFunc adapts a function to InstanceHandler.
type InstanceHandlerFunc func(ctx context.Context, job *InstanceJob) (Outcome, error)

// OnInstanceJob calls f.
func (f InstanceHandlerFunc) OnInstanceJob(ctx context.Context, job *InstanceJob) (Outcome, error) {
	return f(ctx, job)
}

// onScheduledJob is the scheduler's job processor. It locks the instance
// for the duration of the job so two jobs of one instance never run at the
// same time, on this node or any other.
func (a *App) onScheduledJob(ctx context.Context, job *scheduler.JobInfo) error {
	h := a.instanceHandler()
	if h == nil {
		return scheduler.Retryable(ErrNoInstanceHandler)
	}
	d := job.Details
	if d.InstanceID == "" {
		return scheduler.Fatal(fmt.Errorf("job %s of type %s has no instance", job.JobID, d.Type))
	}

	inst, err := a.getInstance(ctx, d.InstanceID)
	if err != nil {
		return jobError(err)
	}
	if inst.Status != storage.InstanceActive {
		slog.Debug("skipping job of finished instance", "job_id", job.JobID,
			"instance_id", inst.InstanceID, "status", inst.Status)
		return nil
	}

	holder := a.config.nodeID + "/" + job.JobID
	locked, err := a.storage.TryAcquireLock(ctx, inst.InstanceID, holder, a.config.instanceLockTimeout)
	if err != nil {
		return err
	}
	if !locked {
		return scheduler.Retryable(fmt.Errorf("instance %s: %w", inst.InstanceID, ErrInstanceLocked))
	}
	defer func() {
		if err := a.storage.ReleaseLock(context.WithoutCancel(ctx), inst.InstanceID, holder); err != nil {
			slog.Warn("failed to release instance lock", "instance_id", inst.InstanceID, "error", err)
		}
	}()

	ij := &InstanceJob{
		JobID:        job.JobID,
		Type:         d.Type,
		ProcessID:    inst.ProcessID,
		InstanceID:   inst.InstanceID,
		ScheduledAt:  job.ScheduledAt,
		RetryCount:   d.RetryCount,
		Channel:      d.Channel,
		CorrelatorID: d.CorrelatorID,
		RouteGroupID: d.RouteGroupID,
		RouteIndex:   d.RouteIndex,
	}
	if d.MexID != "" {
		mex, err := a.storage.GetMessageExchange(ctx, d.MexID)
		if errors.Is(err, storage.ErrNotFound) {
			return scheduler.Fatal(fmt.Errorf("message exchange %s of job %s: %w", d.MexID, job.JobID, err))
		}
		if err != nil {
			return err
		}
		ij.Message = &Message{
			MexID:       mex.MexID,
			PartnerLink: mex.PartnerLink,
			Operation:   mex.Operation,
			Payload:     mex.Request,
		}
	}

	outcome, err := h.OnInstanceJob(ctx, ij)
	if err != nil {
		return jobError(err)
	}
	if outcome == InstanceCompleted {
		return a.completeInstance(ctx, inst.ProcessID, inst.InstanceID)
	}
	return nil
}

// ScheduleTimer schedules a timer job for an instance, due at at, and
// returns its job id.
func (a *App) ScheduleTimer(ctx context.Context, instanceID, channel string, at time.Time) (string, error) {
	sched, err := a.runningScheduler()
	if err != nil {
		return "", err
	}
	inst, err := a.getInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	return sched.SchedulePersistedJob(ctx, scheduler.JobDetails{
		Type:       scheduler.JobTypeTimer,
		ProcessID:  inst.ProcessID,
		InstanceID: instanceID,
		Channel:    channel,
	}, at)
}

// ScheduleRecurringTimer schedules a timer job repeating on a cron
// schedule, such as "@every 1m". Canceling the returned job id stops it.
func (a *App) ScheduleRecurringTimer(ctx context.Context, instanceID, channel, spec string) (string, error) {
	sched, err := a.runningScheduler()
	if err != nil {
		return "", err
	}
	inst, err := a.getInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	return sched.ScheduleRecurringJob(ctx, scheduler.JobDetails{
		Type:       scheduler.JobTypeTimer,
		ProcessID:  inst.ProcessID,
		InstanceID: instanceID,
		Channel:    channel,
	}, spec)
}

// CancelTimer cancels a timer job. Canceling a fired or unknown timer is
// not an error.
func (a *App) CancelTimer(ctx context.Context, jobID string) error {
	sched, err := a.runningScheduler()
	if err != nil {
		return err
	}
	return sched.CancelJob(ctx, jobID)
}

// ScheduleResume continues an instance asynchronously. A persisted resume
// survives a crash; a volatile one is cheaper but lost if the node stops.
func (a *App) ScheduleResume(ctx context.Context, instanceID, channel string, persisted bool) (string, error) {
	sched, err := a.runningScheduler()
	if err != nil {
		return "", err
	}
	inst, err := a.getInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	details := scheduler.JobDetails{
		Type:       scheduler.JobTypeResume,
		ProcessID:  inst.ProcessID,
		InstanceID: instanceID,
		Channel:    channel,
	}
	if persisted {
		return sched.SchedulePersistedJob(ctx, details, time.Now())
	}
	return sched.ScheduleVolatileJob(ctx, true, details)
}

// CompleteInstance marks an instance completed and removes its routes.
func (a *App) CompleteInstance(ctx context.Context, instanceID string) error {
	sched, err := a.runningScheduler()
	if err != nil {
		return err
	}
	return sched.ExecTransaction(ctx, func(ctx context.Context) error {
		inst, err := a.getInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		return a.completeInstance(ctx, inst.ProcessID, instanceID)
	})
}

func (a *App) completeInstance(ctx context.Context, processID, instanceID string) error {
	if err := a.storage.UpdateInstanceStatus(ctx, instanceID, storage.InstanceCompleted); err != nil {
		return fmt.Errorf("complete instance %s: %w", instanceID, err)
	}
	n, err := a.storage.DeleteRoutes(ctx, storage.RouteFilter{ProcessID: processID, InstanceID: instanceID})
	if err != nil {
		return fmt.Errorf("complete instance %s: %w", instanceID, err)
	}
	slog.Info("instance completed", "process_id", processID, "instance_id", instanceID, "routes_removed", n)
	return nil
}

// Respond records the response or fault of a message exchange.
func (a *App) Respond(ctx context.Context, mexID string, response []byte, fault string) error {
	mex, err := a.storage.GetMessageExchange(ctx, mexID)
	if err != nil {
		return fmt.Errorf("respond to %s: %w", mexID, err)
	}
	if fault != "" {
		mex.Status = storage.MexStatusFault
		mex.Fault = fault
	} else {
		mex.Status = storage.MexStatusResponse
	}
	mex.Response = response
	return a.storage.UpdateMessageExchange(ctx, mex)
}

// ReapPremies fails the messages that have waited in a correlator queue
// longer than the premie retention: they are removed from the queue and
// their exchanges end with status FAILURE and fault "unroutable". It returns
// how many were reaped.
func (a *App) ReapPremies(ctx context.Context) (int, error) {
	sched, err := a.runningScheduler()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-a.config.premieRetention)
	msgs, err := a.storage.ListQueuedMessagesBefore(ctx, cutoff, a.config.premieReapBatchSize)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, m := range msgs {
		var claimed bool
		err := sched.ExecTransaction(ctx, func(ctx context.Context) error {
			var err error
			claimed, err = a.storage.DeleteQueuedMessage(ctx, m.MexID)
			if err != nil || !claimed {
				return err
			}
			mex, err := a.storage.GetMessageExchange(ctx, m.MexID)
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			mex.Status = storage.MexStatusFailure
			mex.Fault = "unroutable"
			mex.FaultDetail = fmt.Sprintf("no route matched on %s within %s", m.CorrelatorID, a.config.premieRetention)
			return a.storage.UpdateMessageExchange(ctx, mex)
		})
		if err != nil {
			return reaped, fmt.Errorf("reap message %s: %w", m.MexID, err)
		}
		if claimed {
			reaped++
			slog.Info("unmatched message reaped", "process_id", m.ProcessID, "correlator", m.CorrelatorID,
				"mex_id", m.MexID, "queued_at", m.CreatedAt)
		}
	}
	return reaped, nil
}
