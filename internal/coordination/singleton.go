// Package coordination runs background tasks on one node of the cluster at
// a time, using the system lock table of the shared database.
package coordination

import (
	"context"
	"log/slog"
	"time"
)

// Lock names of the engine's cluster-wide singleton tasks.
const (
	TaskUpgradeJobs = "odeon:upgrade-jobs"
	TaskReapPremies = "odeon:reap-premies"
	TaskDataUpgrade = "odeon:data-upgrade"
)

const defaultLockTimeout = 60 * time.Second

// LockManager is the subset of the storage layer a Singleton needs.
type LockManager interface {
	TryAcquireSystemLock(ctx context.Context, lockName, workerID string, timeoutSec int) (bool, error)
	ReleaseSystemLock(ctx context.Context, lockName, workerID string) error
	CleanupExpiredSystemLocks(ctx context.Context) error
}

// Singleton runs one named task as a singleton across the cluster.
type Singleton struct {
	locks       LockManager
	workerID    string
	name        string
	lockTimeout time.Duration
}

// NewSingleton returns a runner for the task name on behalf of workerID.
// The lock expires after lockTimeout so a crashed holder does not block the
// task forever; it should exceed the longest expected run. Zero means 60s.
func NewSingleton(locks LockManager, workerID, name string, lockTimeout time.Duration) *Singleton {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	if lockTimeout < time.Second {
		lockTimeout = time.Second
	}
	return &Singleton{locks: locks, workerID: workerID, name: name, lockTimeout: lockTimeout}
}

// Name returns the lock name.
func (s *Singleton) Name() string {
	return s.name
}

// TryRun runs task if no other worker holds the lock. It returns false
// without error when the lock is held elsewhere, and the task error if the
// task ran and failed.
func (s *Singleton) TryRun(ctx context.Context, task func(context.Context) error) (bool, error) {
	acquired, err := s.locks.TryAcquireSystemLock(ctx, s.name, s.workerID, int(s.lockTimeout/time.Second))
	if err != nil {
		return false, err
	}
	if !acquired {
		slog.Debug("singleton task held by another worker", "task", s.name, "worker_id", s.workerID)
		return false, nil
	}

	defer func() {
		// An unreleased lock expires on its own.
		if err := s.locks.ReleaseSystemLock(context.WithoutCancel(ctx), s.name, s.workerID); err != nil {
			slog.Warn("failed to release singleton lock", "task", s.name, "worker_id", s.workerID, "error", err)
		}
	}()

	if err := task(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Guard adapts TryRun to the scheduler's upgrade guard.
func (s *Singleton) Guard() func(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	return s.TryRun
}

// CleanupExpired removes expired locks of all tasks.
func (s *Singleton) CleanupExpired(ctx context.Context) error {
	return s.locks.CleanupExpiredSystemLocks(ctx)
}
