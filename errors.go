// Package odeon is a correlation and scheduling engine for long-running
// business processes. Inbound messages are matched to waiting process
// instances by correlation key sets, and every step an instance takes is
// driven by a durable job scheduler shared by a cluster of nodes.
package odeon

import (
	"errors"
	"fmt"

	"github.com/i2y/odeon/internal/scheduler"
)

// TerminalError wraps an error to indicate it should not be retried.
// When an InstanceHandler returns a TerminalError the job is dropped
// without attempting any retries.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal error: %v", e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// NewTerminalError creates a new TerminalError wrapping the given error.
func NewTerminalError(err error) *TerminalError {
	return &TerminalError{Err: err}
}

// NewTerminalErrorf creates a new TerminalError with a formatted message.
func NewTerminalErrorf(format string, args ...any) *TerminalError {
	return &TerminalError{Err: fmt.Errorf(format, args...)}
}

// IsTerminalError returns true if the error is or wraps a TerminalError.
func IsTerminalError(err error) bool {
	var terminalErr *TerminalError
	return errors.As(err, &terminalErr)
}

// ErrProcessNotRegistered indicates a message or job for a process the App
// does not know.
var ErrProcessNotRegistered = errors.New("process not registered")

// ErrUnknownOperation indicates a message for an operation the process does
// not expose.
var ErrUnknownOperation = errors.New("unknown operation")

// ErrInstanceLocked indicates that another node holds the instance lock.
var ErrInstanceLocked = errors.New("instance locked by another node")

// ErrNoInstanceHandler indicates a job dispatched before SetInstanceHandler.
var ErrNoInstanceHandler = errors.New("no instance handler")

// ErrAppNotRunning is returned by operations that need a started App.
var ErrAppNotRunning = fmt.Errorf("app not running: %w", scheduler.ErrNotRunning)

// ErrInstanceNotFound is matched by every InstanceNotFoundError.
var ErrInstanceNotFound = errors.New("instance not found")

// InstanceNotFoundError indicates that a process instance does not exist.
type InstanceNotFoundError struct {
	InstanceID string
}

func (e *InstanceNotFoundError) Error() string {
	return fmt.Sprintf("process instance %s not found", e.InstanceID)
}

// Is makes errors.Is(err, ErrInstanceNotFound) hold.
func (e *InstanceNotFoundError) Is(target error) bool {
	return target == ErrInstanceNotFound
}

// jobError maps a handler error onto the scheduler's retry classes.
func jobError(err error) error {
	if err == nil {
		return nil
	}
	if IsTerminalError(err) || errors.Is(err, ErrInstanceNotFound) || errors.Is(err, ErrProcessNotRegistered) {
		return scheduler.Fatal(err)
	}
	return err
}
