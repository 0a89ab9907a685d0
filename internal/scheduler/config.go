package scheduler

import (
	"context"
	"time"
)

// Config holds the scheduler settings.
type Config struct {
	// NodeID identifies this node in the job store.
	NodeID string

	// ImmediateInterval is the width of the immediate horizon. Jobs due
	// within it are kept in memory.
	ImmediateInterval time.Duration

	// NearFutureInterval is the width of the near-future horizon. Jobs due
	// within it are assigned to the scheduling node but stay in the store.
	NearFutureInterval time.Duration

	// StaleInterval is how long a node may go without a heartbeat before
	// its jobs are taken over.
	StaleInterval time.Duration

	// MaxRetries is the number of retryable failures after which a job is
	// treated as fatal.
	MaxRetries int

	// MaxConcurrentJobs bounds how many jobs run at once.
	MaxConcurrentJobs int

	// LoadBatchSize bounds the jobs moved into memory per load.
	LoadBatchSize int

	// TransactionRetryLimit is the number of attempts ExecTransaction makes
	// for a transaction failing with a database error.
	TransactionRetryLimit int

	// UpgradeGuard, if set, wraps every run of the upgrade task. It is used
	// to run the task on a single node of the cluster at a time and returns
	// false when fn was not run.
	UpgradeGuard func(ctx context.Context, fn func(ctx context.Context) error) (bool, error)
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		ImmediateInterval:     30 * time.Second,
		NearFutureInterval:    10 * time.Minute,
		StaleInterval:         10 * time.Second,
		MaxRetries:            10,
		MaxConcurrentJobs:     10,
		LoadBatchSize:         1000,
		TransactionRetryLimit: 3,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ImmediateInterval <= 0 {
		c.ImmediateInterval = d.ImmediateInterval
	}
	if c.NearFutureInterval <= 0 {
		c.NearFutureInterval = d.NearFutureInterval
	}
	if c.NearFutureInterval < c.ImmediateInterval {
		c.NearFutureInterval = c.ImmediateInterval
	}
	if c.StaleInterval <= 0 {
		c.StaleInterval = d.StaleInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = d.MaxConcurrentJobs
	}
	if c.LoadBatchSize <= 0 {
		c.LoadBatchSize = d.LoadBatchSize
	}
	if c.TransactionRetryLimit <= 0 {
		c.TransactionRetryLimit = 1
	}
}
