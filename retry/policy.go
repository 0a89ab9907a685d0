// Package retry provides the backoff policies used by the scheduler: the
// exponential delay applied when a job fails retryably, and the short
// immediate retries applied to a whole scheduler transaction.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy describes how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	// MaxAttempts is the maximum number of attempts, the first included.
	// 0 means no limit.
	MaxAttempts int

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the delay. 0 means uncapped.
	MaxInterval time.Duration

	// Multiplier is the growth factor between consecutive delays.
	Multiplier float64

	// RandomizationFactor adds jitter to the delay.
	// A value of 0.5 means the actual delay will be within [delay * 0.5, delay * 1.5].
	RandomizationFactor float64

	// NonRetryableErrors are never retried. Matched with errors.Is.
	NonRetryableErrors []error
}

// JobBackoff returns the policy for retryable job failures: base 5, starting
// at one second, without jitter. A job that failed with retry count n is
// rescheduled after GetDelay(n+1), i.e. 5^n seconds. Errors matching
// nonRetryable end the job at the first failure.
func JobBackoff(maxRetries int, nonRetryable ...error) *Policy {
	return NewBuilder().
		WithMaxAttempts(maxRetries + 1).
		WithInitialInterval(time.Second).
		WithMaxInterval(0).
		WithMultiplier(5).
		WithNonRetryableErrors(nonRetryable...).
		Build()
}

// Transaction returns the policy for retrying a failed scheduler
// transaction in place.
func Transaction(limit int) *Policy {
	return NewBuilder().
		WithMaxAttempts(limit).
		WithInitialInterval(50 * time.Millisecond).
		WithMaxInterval(time.Second).
		WithMultiplier(2).
		WithJitter(0.5).
		Build()
}

// ShouldRetry returns true if another attempt is allowed after the given
// number of attempts failed with err.
func (p *Policy) ShouldRetry(attempts int, err error) bool {
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return false
	}

	for _, nonRetryable := range p.NonRetryableErrors {
		if errors.Is(err, nonRetryable) {
			return false
		}
	}

	return true
}

// GetDelay calculates the delay before the next attempt, given how many
// attempts already failed.
func (p *Policy) GetDelay(attempts int) time.Duration {
	if attempts <= 1 {
		return p.addJitter(p.InitialInterval)
	}

	delay := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempts-1))
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	// Far beyond any sane schedule; keep the conversion in range.
	if delay > math.MaxInt64/2 {
		delay = math.MaxInt64 / 2
	}

	return p.addJitter(time.Duration(delay))
}

func (p *Policy) addJitter(delay time.Duration) time.Duration {
	if p.RandomizationFactor == 0 {
		return delay
	}

	factor := 1.0 + p.RandomizationFactor*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * factor)
}

// Do runs fn until it succeeds, the policy gives up, retryable reports false
// for the returned error, or ctx is done. The last error is returned.
func Do(ctx context.Context, p *Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	for attempts := 1; ; attempts++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if !p.ShouldRetry(attempts, err) {
			return err
		}

		timer := time.NewTimer(p.GetDelay(attempts))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

// Builder provides a fluent API for building policies.
type Builder struct {
	policy *Policy
}

// NewBuilder creates a new policy builder.
func NewBuilder() *Builder {
	return &Builder{
		policy: &Policy{
			MaxAttempts:     3,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
		},
	}
}

// WithMaxAttempts sets the maximum number of attempts.
func (b *Builder) WithMaxAttempts(n int) *Builder {
	b.policy.MaxAttempts = n
	return b
}

// WithInitialInterval sets the initial retry interval.
func (b *Builder) WithInitialInterval(d time.Duration) *Builder {
	b.policy.InitialInterval = d
	return b
}

// WithMaxInterval sets the maximum retry interval.
func (b *Builder) WithMaxInterval(d time.Duration) *Builder {
	b.policy.MaxInterval = d
	return b
}

// WithMultiplier sets the backoff multiplier.
func (b *Builder) WithMultiplier(m float64) *Builder {
	b.policy.Multiplier = m
	return b
}

// WithJitter sets the randomization factor.
func (b *Builder) WithJitter(factor float64) *Builder {
	b.policy.RandomizationFactor = factor
	return b
}

// WithNonRetryableErrors sets errors that should not trigger retries.
func (b *Builder) WithNonRetryableErrors(errs ...error) *Builder {
	b.policy.NonRetryableErrors = errs
	return b
}

// Build returns the configured policy.
func (b *Builder) Build() *Policy {
	return b.policy
}
