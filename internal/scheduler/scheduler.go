// Package scheduler is the persistent job scheduler of the engine.
//
// Jobs are split in three time horizons when they are scheduled. Jobs due
// within the immediate interval are stored and queued in memory right away.
// Jobs due within the near-future interval are stored and assigned to the
// scheduling node. Later jobs are stored unassigned and spread over the
// known nodes by a periodic upgrade task. A second task loads the node's
// assigned jobs into memory as they enter the immediate horizon, and a
// third takes over the jobs of nodes whose heartbeat went stale.
//
// A persisted job runs inside a transaction that first deletes its row, so
// a job that was canceled or taken over by another node is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/i2y/odeon/hooks"
	"github.com/i2y/odeon/internal/storage"
	"github.com/i2y/odeon/retry"
)

const (
	taskLoadImmediate = "load-immediate"
	taskUpgrade       = "upgrade-jobs"
	taskCheckStale    = "check-stale-nodes"

	loadFailureDelay = 100 * time.Millisecond
)

// Store is the part of the storage layer the scheduler needs.
type Store interface {
	storage.TransactionManager
	storage.JobManager

	// NotifyJobsAssigned wakes the node that just got jobs assigned.
	NotifyJobsAssigned(ctx context.Context, nodeID string) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithHooks sets the lifecycle hooks.
func WithHooks(h hooks.EngineHooks) Option {
	return func(s *Scheduler) {
		if h != nil {
			s.hooks = h
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithJobProcessor sets the job processor.
func WithJobProcessor(p JobProcessor) Option {
	return func(s *Scheduler) {
		s.processor = p
	}
}

// WithJobBackoff replaces the policy applied to failed jobs. Its
// MaxAttempts takes the place of Config.MaxRetries + 1. Fatal failures
// and jobs gone from the store are never retried, whatever p says.
func WithJobBackoff(p *retry.Policy) Option {
	return func(s *Scheduler) {
		if p == nil {
			return
		}
		b := *p
		b.NonRetryableErrors = append(jobNonRetryable(), p.NonRetryableErrors...)
		s.backoff = &b
	}
}

func jobNonRetryable() []error {
	return []error{ErrJobNoLongerInStore, ErrFatal}
}

// queuedJob is an entry of the in-memory ready queue.
type queuedJob struct {
	info JobInfo
	// detailsErr is set when the stored details could not be decoded.
	detailsErr error
}

// Scheduler runs jobs at their due time, on one node of the cluster.
type Scheduler struct {
	cfg   Config
	store Store
	hooks hooks.EngineHooks
	now   func() time.Time

	cronParser cron.Parser
	backoff    *retry.Policy
	txPolicy   *retry.Policy

	procMu    sync.RWMutex
	processor JobProcessor

	mu    sync.Mutex
	ready timedQueue[*queuedJob]
	wake  chan struct{}

	nodesMu    sync.Mutex
	heartbeats map[string]time.Time

	tasks *taskRunner
	sem   *semaphore.Weighted

	runMu     sync.Mutex
	running   bool
	cancel    context.CancelFunc
	jobCancel context.CancelFunc
	wg        sync.WaitGroup
	jobsWG    sync.WaitGroup
}

// New creates a scheduler for the node cfg.NodeID. A missing node id is
// replaced by a random one.
func New(store Store, cfg Config, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	s := &Scheduler{
		cfg:        cfg,
		store:      store,
		hooks:      &hooks.NoOpHooks{},
		now:        time.Now,
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		backoff:    retry.JobBackoff(cfg.MaxRetries, jobNonRetryable()...),
		txPolicy:   retry.Transaction(cfg.TransactionRetryLimit),
		wake:       make(chan struct{}, 1),
		heartbeats: map[string]time.Time{},
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tasks = newTaskRunner(s.now)
	return s
}

// NodeID returns the id of the local node.
func (s *Scheduler) NodeID() string {
	return s.cfg.NodeID
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// SetJobProcessor sets the processor jobs are dispatched to.
func (s *Scheduler) SetJobProcessor(p JobProcessor) {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	s.processor = p
}

func (s *Scheduler) jobProcessor() JobProcessor {
	s.procMu.RLock()
	defer s.procMu.RUnlock()
	return s.processor
}

// Start begins dispatching jobs. It clears the loaded flag of the node's
// stored jobs so they are loaded again, then starts the background tasks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return nil
	}
	if s.jobProcessor() == nil {
		return &ContextError{Op: "start", Err: errors.New("no job processor set")}
	}

	if _, err := s.store.ResetLoaded(ctx, s.cfg.NodeID); err != nil {
		return &ContextError{Op: "reset loaded jobs", Err: err}
	}

	nodes, err := s.store.GetNodeIDs(ctx)
	if err != nil {
		return &ContextError{Op: "list nodes", Err: err}
	}
	now := s.now()
	s.nodesMu.Lock()
	for _, n := range nodes {
		if _, ok := s.heartbeats[n]; !ok {
			s.heartbeats[n] = now
		}
	}
	s.heartbeats[s.cfg.NodeID] = now
	s.nodesMu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	jobCtx, jobCancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.jobCancel = jobCancel
	s.running = true

	s.tasks.Schedule(taskLoadImmediate, 0, s.loadImmediateTask)
	s.tasks.Schedule(taskUpgrade, randomDelay(s.cfg.ImmediateInterval), s.upgradeTask)
	s.tasks.Schedule(taskCheckStale, s.cfg.StaleInterval, s.checkStaleTask)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.tasks.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.dispatch(runCtx, jobCtx)
	}()

	slog.Info("scheduler started", "node_id", s.cfg.NodeID,
		"immediate_interval", s.cfg.ImmediateInterval, "near_future_interval", s.cfg.NearFutureInterval)
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	_ = s.Shutdown(context.Background())
}

// Shutdown stops the background tasks and waits for running jobs until ctx
// is done, at which point their context is canceled. In-memory jobs are
// dropped; persisted ones are loaded again on the next start.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.tasks.CancelAll()
	s.cancel()
	s.wg.Wait()

	done := make(chan struct{})
	go func() {
		s.jobsWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.jobCancel()
		<-done
	}
	s.jobCancel()

	s.mu.Lock()
	s.ready = timedQueue[*queuedJob]{}
	s.mu.Unlock()

	slog.Info("scheduler stopped", "node_id", s.cfg.NodeID)
	return err
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// SchedulePersistedJob stores a job due at when and returns its id. When
// ctx carries a transaction the job becomes visible on commit.
func (s *Scheduler) SchedulePersistedJob(ctx context.Context, details JobDetails, when time.Time) (string, error) {
	return s.schedulePersisted(ctx, uuid.NewString(), details, when)
}

// ScheduleRecurringJob stores a job repeating on a cron schedule (five
// fields or a descriptor such as "@every 1m"). The job keeps its id across
// occurrences, so canceling it stops the recurrence.
func (s *Scheduler) ScheduleRecurringJob(ctx context.Context, details JobDetails, spec string) (string, error) {
	sched, err := s.cronParser.Parse(spec)
	if err != nil {
		return "", fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	details.Repeat = spec
	return s.schedulePersisted(ctx, uuid.NewString(), details, sched.Next(s.now()))
}

func (s *Scheduler) schedulePersisted(ctx context.Context, jobID string, details JobDetails, when time.Time) (string, error) {
	data, err := details.marshal()
	if err != nil {
		return "", err
	}

	horizon := Classify(s.now(), when, s.cfg.ImmediateInterval, s.cfg.NearFutureInterval)
	job := &storage.Job{
		JobID:       jobID,
		ScheduledAt: when,
		Transacted:  true,
		Details:     data,
	}
	switch horizon {
	case HorizonImmediate:
		job.NodeID = s.cfg.NodeID
		job.Loaded = true
	case HorizonNearFuture:
		job.NodeID = s.cfg.NodeID
	}

	if err := s.store.InsertJob(ctx, job); err != nil {
		return "", err
	}

	if horizon == HorizonImmediate {
		qj := &queuedJob{info: JobInfo{
			JobID:       jobID,
			ScheduledAt: when,
			Persisted:   true,
			Transacted:  true,
			Details:     details,
		}}
		if err := s.enqueueOnCommit(ctx, qj); err != nil {
			return "", err
		}
	}

	s.hooks.OnJobScheduled(ctx, hooks.JobScheduledInfo{
		JobID:       jobID,
		JobType:     string(details.Type),
		InstanceID:  details.InstanceID,
		ScheduledAt: when,
		Horizon:     string(horizon),
		Persisted:   true,
	})
	slog.Debug("job scheduled", "job_id", jobID, "type", details.Type, "horizon", horizon, "scheduled_at", when)
	return jobID, nil
}

// ScheduleVolatileJob queues a job in memory only, due now. It is lost if
// the node stops. A transacted job runs inside a scheduler transaction.
// When ctx carries a transaction the job is queued on commit.
func (s *Scheduler) ScheduleVolatileJob(ctx context.Context, transacted bool, details JobDetails) (string, error) {
	return s.scheduleVolatile(ctx, uuid.NewString(), transacted, details, s.now())
}

func (s *Scheduler) scheduleVolatile(ctx context.Context, jobID string, transacted bool, details JobDetails, when time.Time) (string, error) {
	qj := &queuedJob{info: JobInfo{
		JobID:       jobID,
		ScheduledAt: when,
		Transacted:  transacted,
		Details:     details,
	}}
	if err := s.enqueueOnCommit(ctx, qj); err != nil {
		return "", err
	}
	s.hooks.OnJobScheduled(ctx, hooks.JobScheduledInfo{
		JobID:       jobID,
		JobType:     string(details.Type),
		InstanceID:  details.InstanceID,
		ScheduledAt: when,
		Horizon:     string(HorizonVolatile),
	})
	return jobID, nil
}

// CancelJob removes a job from memory and from the store. Canceling an
// unknown job is not an error.
func (s *Scheduler) CancelJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	s.ready.Remove(jobID)
	s.mu.Unlock()

	if _, err := s.store.DeleteJob(ctx, jobID, ""); err != nil {
		return err
	}
	slog.Debug("job canceled", "job_id", jobID)
	return nil
}

// ExecTransaction runs fn in a transaction, retrying it on database errors
// up to the configured limit. If ctx already carries a transaction fn joins
// it and is run once.
func (s *Scheduler) ExecTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.store.InTransaction(ctx) {
		return fn(ctx)
	}
	return retry.Do(ctx, s.txPolicy, isDatabaseError, func(ctx context.Context) error {
		return s.inTransaction(ctx, fn)
	})
}

func isDatabaseError(err error) bool {
	var dbe *storage.DatabaseError
	return errors.As(err, &dbe)
}

func (s *Scheduler) inTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	txCtx, err := s.store.BeginTransaction(ctx)
	if err != nil {
		return &ContextError{Op: "begin transaction", Err: err}
	}

	defer func() {
		if p := recover(); p != nil {
			_ = s.store.RollbackTransaction(txCtx)
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		if rbErr := s.store.RollbackTransaction(txCtx); rbErr != nil {
			slog.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := s.store.CommitTransaction(txCtx); err != nil {
		return &ContextError{Op: "commit transaction", Err: err}
	}
	return nil
}

// UpdateHeartBeat records that nodeID is alive. An unknown node joins the
// set the upgrade task spreads jobs over.
func (s *Scheduler) UpdateHeartBeat(nodeID string) {
	if nodeID == "" {
		return
	}
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	s.heartbeats[nodeID] = s.now()
}

// KnownNodes returns the live nodes, the local one included, sorted.
func (s *Scheduler) KnownNodes() []string {
	s.nodesMu.Lock()
	nodes := make([]string, 0, len(s.heartbeats)+1)
	seenSelf := false
	for n := range s.heartbeats {
		nodes = append(nodes, n)
		seenSelf = seenSelf || n == s.cfg.NodeID
	}
	s.nodesMu.Unlock()

	if !seenSelf {
		nodes = append(nodes, s.cfg.NodeID)
	}
	sort.Strings(nodes)
	return nodes
}

// LoadImmediateNow asks the load task to run right away, for instance when
// another node assigned jobs to this one.
func (s *Scheduler) LoadImmediateNow() {
	s.tasks.Trigger(taskLoadImmediate)
}

// ReadyLen returns the number of jobs queued in memory.
func (s *Scheduler) ReadyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.Len()
}

func (s *Scheduler) enqueueOnCommit(ctx context.Context, qj *queuedJob) error {
	if s.store.InTransaction(ctx) {
		return s.store.RegisterPostCommitCallback(ctx, func() error {
			s.enqueue(qj)
			return nil
		})
	}
	s.enqueue(qj)
	return nil
}

func (s *Scheduler) enqueue(qj *queuedJob) {
	s.mu.Lock()
	s.ready.Push(qj.info.JobID, qj.info.ScheduledAt, qj)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch hands due jobs to workers until runCtx is done.
func (s *Scheduler) dispatch(runCtx, jobCtx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.mu.Lock()
		_, due, qj, ok := s.ready.Peek()
		wait := time.Duration(0)
		if ok {
			wait = due.Sub(s.now())
		}
		if ok && wait <= 0 {
			s.ready.Pop()
			s.mu.Unlock()

			if err := s.sem.Acquire(runCtx, 1); err != nil {
				return
			}
			s.jobsWG.Add(1)
			go func() {
				defer s.jobsWG.Done()
				defer s.sem.Release(1)
				s.runJob(jobCtx, qj)
			}()
			continue
		}
		s.mu.Unlock()

		var timerC <-chan time.Time
		if ok {
			timer.Reset(wait)
			timerC = timer.C
		}
		select {
		case <-runCtx.Done():
			return
		case <-s.wake:
		case <-timerC:
		}
		timer.Stop()
	}
}

// runJob executes one job and applies the failure policy.
func (s *Scheduler) runJob(ctx context.Context, qj *queuedJob) {
	info := qj.info
	start := s.now()
	s.hooks.OnJobStart(ctx, hooks.JobStartInfo{
		JobID:      info.JobID,
		JobType:    string(info.Details.Type),
		InstanceID: info.Details.InstanceID,
		RetryCount: info.Details.RetryCount,
	})

	err := s.execJob(ctx, qj)
	switch {
	case err == nil:
		s.hooks.OnJobComplete(ctx, hooks.JobCompleteInfo{
			JobID:      info.JobID,
			JobType:    string(info.Details.Type),
			InstanceID: info.Details.InstanceID,
			Duration:   s.now().Sub(start),
		})
	case errors.Is(err, ErrJobNoLongerInStore):
		slog.Debug("job no longer in store, skipping", "job_id", info.JobID, "node_id", s.cfg.NodeID)
	case !s.backoff.ShouldRetry(info.Details.RetryCount+1, err):
		s.failJob(ctx, info, err, s.now().Sub(start))
	default:
		s.retryJob(ctx, info, err)
	}
}

func (s *Scheduler) execJob(ctx context.Context, qj *queuedJob) (err error) {
	if qj.detailsErr != nil {
		return Fatal(qj.detailsErr)
	}
	proc := s.jobProcessor()
	if proc == nil {
		return Retryable(errors.New("no job processor set"))
	}

	defer func() {
		if p := recover(); p != nil {
			err = Fatal(fmt.Errorf("job processor panicked: %v", p))
		}
	}()

	info := qj.info
	if !info.Persisted && !info.Transacted {
		return proc.OnScheduledJob(ctx, &info)
	}

	return s.inTransaction(ctx, func(txCtx context.Context) error {
		if info.Persisted {
			deleted, err := s.store.DeleteJob(txCtx, info.JobID, s.cfg.NodeID)
			if err != nil {
				return err
			}
			if !deleted {
				return ErrJobNoLongerInStore
			}
		}
		if err := proc.OnScheduledJob(txCtx, &info); err != nil {
			return err
		}
		if info.Persisted && info.Details.Repeat != "" {
			return s.scheduleNextOccurrence(txCtx, info)
		}
		return nil
	})
}

func (s *Scheduler) scheduleNextOccurrence(ctx context.Context, info JobInfo) error {
	sched, err := s.cronParser.Parse(info.Details.Repeat)
	if err != nil {
		return Fatal(fmt.Errorf("invalid cron expression %q: %w", info.Details.Repeat, err))
	}
	details := info.Details
	details.RetryCount = 0
	_, err = s.schedulePersisted(ctx, info.JobID, details, sched.Next(s.now()))
	return err
}

// failJob drops a job. A recurring job keeps its schedule.
func (s *Scheduler) failJob(ctx context.Context, info JobInfo, cause error, elapsed time.Duration) {
	slog.Error("job failed", "job_id", info.JobID, "type", info.Details.Type,
		"instance_id", info.Details.InstanceID, "retry_count", info.Details.RetryCount, "error", cause)

	if info.Persisted {
		err := s.ExecTransaction(ctx, func(txCtx context.Context) error {
			deleted, err := s.store.DeleteJob(txCtx, info.JobID, s.cfg.NodeID)
			if err != nil || !deleted {
				return err
			}
			if info.Details.Repeat != "" {
				return s.scheduleNextOccurrence(txCtx, info)
			}
			return nil
		})
		if err != nil {
			slog.Error("failed to delete failed job", "job_id", info.JobID, "error", err)
		}
	}

	s.hooks.OnJobFailed(ctx, hooks.JobFailedInfo{
		JobID:      info.JobID,
		JobType:    string(info.Details.Type),
		InstanceID: info.Details.InstanceID,
		RetryCount: info.Details.RetryCount,
		Duration:   elapsed,
		Error:      cause,
	})
}

// retryJob replaces a failed job by a copy with an incremented retry count,
// due after the backoff delay.
func (s *Scheduler) retryJob(ctx context.Context, info JobInfo, cause error) {
	delay := s.backoff.GetDelay(info.Details.RetryCount + 1)
	next := info.Details
	next.RetryCount++
	when := s.now().Add(delay)

	newID := uuid.NewString()
	if info.Details.Repeat != "" {
		newID = info.JobID
	}

	var err error
	if info.Persisted {
		err = s.ExecTransaction(ctx, func(txCtx context.Context) error {
			deleted, err := s.store.DeleteJob(txCtx, info.JobID, s.cfg.NodeID)
			if err != nil {
				return err
			}
			if !deleted {
				return ErrJobNoLongerInStore
			}
			_, err = s.schedulePersisted(txCtx, newID, next, when)
			return err
		})
	} else {
		_, err = s.scheduleVolatile(ctx, newID, info.Transacted, next, when)
	}
	if errors.Is(err, ErrJobNoLongerInStore) {
		slog.Debug("failed job no longer in store, not retrying", "job_id", info.JobID)
		return
	}
	if err != nil {
		slog.Error("failed to reschedule job", "job_id", info.JobID, "error", err, "cause", cause)
		return
	}

	slog.Warn("job failed, retry scheduled", "job_id", info.JobID, "new_job_id", newID,
		"retry_count", next.RetryCount, "delay", delay, "error", cause)
	s.hooks.OnJobRetry(ctx, hooks.JobRetryInfo{
		JobID:      info.JobID,
		NewJobID:   newID,
		JobType:    string(info.Details.Type),
		InstanceID: info.Details.InstanceID,
		RetryCount: next.RetryCount,
		NextDelay:  delay,
		Error:      cause,
	})
}

// loadImmediateTask moves the node's jobs entering the immediate horizon
// into memory.
func (s *Scheduler) loadImmediateTask(ctx context.Context) time.Duration {
	n, err := s.LoadImmediate(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("failed to load immediate jobs", "node_id", s.cfg.NodeID, "error", err)
		}
		return loadFailureDelay
	}
	if n >= s.cfg.LoadBatchSize {
		return 0
	}
	return s.cfg.ImmediateInterval * 3 / 4
}

// LoadImmediate loads one batch of the node's stored jobs due within the
// immediate interval and returns how many were loaded.
func (s *Scheduler) LoadImmediate(ctx context.Context) (int, error) {
	var jobs []*storage.Job
	err := s.ExecTransaction(ctx, func(txCtx context.Context) error {
		var err error
		jobs, err = s.store.DequeueImmediate(txCtx, s.cfg.NodeID, s.now().Add(s.cfg.ImmediateInterval), s.cfg.LoadBatchSize)
		if err != nil {
			return err
		}
		loaded := jobs
		return s.store.RegisterPostCommitCallback(txCtx, func() error {
			for _, j := range loaded {
				s.enqueue(toQueuedJob(j))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if len(jobs) > 0 {
		slog.Debug("loaded immediate jobs", "node_id", s.cfg.NodeID, "count", len(jobs))
	}
	return len(jobs), nil
}

func toQueuedJob(j *storage.Job) *queuedJob {
	details, err := unmarshalDetails(j.Details)
	return &queuedJob{
		info: JobInfo{
			JobID:       j.JobID,
			ScheduledAt: j.ScheduledAt,
			Persisted:   true,
			Transacted:  j.Transacted,
			Details:     details,
		},
		detailsErr: err,
	}
}

// upgradeTask spreads unassigned jobs entering the near-future horizon.
func (s *Scheduler) upgradeTask(ctx context.Context) time.Duration {
	var err error
	if s.cfg.UpgradeGuard != nil {
		_, err = s.cfg.UpgradeGuard(ctx, s.UpgradeJobs)
	} else {
		err = s.UpgradeJobs(ctx)
	}
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("failed to upgrade jobs", "node_id", s.cfg.NodeID, "error", err)
		}
		return s.cfg.ImmediateInterval
	}
	return s.cfg.NearFutureInterval / 2
}

// UpgradeJobs assigns the unassigned jobs due within the near-future
// interval to the known nodes: node i of n (sorted) gets the jobs whose due
// time in milliseconds is i modulo n. Nodes that got jobs are notified.
func (s *Scheduler) UpgradeJobs(ctx context.Context) error {
	nodes := s.KnownNodes()
	maxTime := s.now().Add(s.cfg.NearFutureInterval)

	assigned := map[string]int64{}
	err := s.ExecTransaction(ctx, func(txCtx context.Context) error {
		clear(assigned)
		for i, node := range nodes {
			n, err := s.store.UpdateAssignToNode(txCtx, node, i, len(nodes), maxTime)
			if err != nil {
				return err
			}
			assigned[node] = n
			if n > 0 && node != s.cfg.NodeID {
				if err := s.store.NotifyJobsAssigned(txCtx, node); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var total int64
	for _, n := range assigned {
		total += n
	}
	if total > 0 {
		slog.Debug("upgraded jobs", "node_id", s.cfg.NodeID, "nodes", len(nodes), "count", total)
	}
	if assigned[s.cfg.NodeID] > 0 {
		s.LoadImmediateNow()
	}
	return nil
}

// checkStaleTask takes over the jobs of nodes without a recent heartbeat.
func (s *Scheduler) checkStaleTask(ctx context.Context) time.Duration {
	s.CheckStaleNodes(ctx)
	return s.cfg.StaleInterval
}

// CheckStaleNodes reassigns the jobs of every node whose last heartbeat is
// older than the stale interval to the local node and forgets the node.
// A later heartbeat from it counts as a fresh join.
func (s *Scheduler) CheckStaleNodes(ctx context.Context) {
	now := s.now()
	s.UpdateHeartBeat(s.cfg.NodeID)

	s.nodesMu.Lock()
	var stale []string
	for node, last := range s.heartbeats {
		if node != s.cfg.NodeID && now.Sub(last) > s.cfg.StaleInterval {
			stale = append(stale, node)
		}
	}
	s.nodesMu.Unlock()
	sort.Strings(stale)

	for _, node := range stale {
		var moved int64
		err := s.ExecTransaction(ctx, func(txCtx context.Context) error {
			var err error
			moved, err = s.store.UpdateReassign(txCtx, node, s.cfg.NodeID)
			return err
		})
		if err != nil {
			slog.Error("failed to recover jobs of stale node", "stale_node", node, "error", err)
			continue
		}

		s.nodesMu.Lock()
		if last, ok := s.heartbeats[node]; ok && !last.After(now) {
			delete(s.heartbeats, node)
		}
		s.nodesMu.Unlock()

		slog.Info("recovered jobs of stale node", "stale_node", node, "node_id", s.cfg.NodeID, "count", moved)
		s.hooks.OnNodeRecovered(ctx, hooks.NodeRecoveredInfo{
			NodeID:      node,
			RecoveredBy: s.cfg.NodeID,
			JobCount:    moved,
		})
		if moved > 0 {
			s.LoadImmediateNow()
		}
	}
}

func randomDelay(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
