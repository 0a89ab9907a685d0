package scheduler

import (
	"errors"
	"fmt"
)

// ErrJobNoLongerInStore is returned when a persisted job is dispatched but
// its row is gone, because it was canceled or reassigned to another node.
var ErrJobNoLongerInStore = errors.New("job no longer in store")

// ErrFatal matches every FatalError under errors.Is.
var ErrFatal = errors.New("fatal job failure")

// ErrNotRunning is returned by operations that need a started scheduler.
var ErrNotRunning = errors.New("scheduler not running")

// ContextError is a scheduler-level operational failure, such as a
// transaction that could not be started or a node list that could not be
// read. It aborts the current scheduler operation.
type ContextError struct {
	Op  string
	Err error
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("scheduler: %s: %v", e.Op, e.Err)
}

func (e *ContextError) Unwrap() error {
	return e.Err
}

// RetryableError is returned by a job processor to request a retry with
// exponential backoff.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable job failure: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// FatalError is returned by a job processor when the job must be dropped
// without retrying.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal job failure: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func (e *FatalError) Is(target error) bool {
	return target == ErrFatal
}

// Retryable wraps err as a RetryableError.
func Retryable(err error) error {
	return &RetryableError{Err: err}
}

// Fatal wraps err as a FatalError.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// IsFatal reports whether err is or wraps a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsRetryable reports whether a job failure should be retried. Anything
// not explicitly fatal is retryable.
func IsRetryable(err error) bool {
	return err != nil && !IsFatal(err)
}
