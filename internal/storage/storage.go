// Package storage provides the persistence layer for the engine: the job
// store, correlator route and message queue tables, message exchanges,
// process instances, system locks and the data schema version.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// DatabaseError wraps a failure of the underlying database.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DatabaseError{Op: op, Err: err}
}

// Executor is a database executor interface that can be either *sql.DB or *sql.Tx.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Storage defines the interface for engine persistence.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Close closes the storage connection.
	Close() error

	// DB returns the underlying database connection.
	// This is primarily used for migrations.
	DB() *sql.DB

	// DriverName returns "sqlite", "postgres" or "mysql".
	DriverName() string

	TransactionManager
	JobManager
	CorrelatorManager
	MessageExchangeManager
	InstanceManager
	SystemLockManager
	SchemaVersionManager

	// NotifyJobsAssigned tells a node that jobs were assigned to it.
	// It is a no-op on databases without a notification mechanism.
	NotifyJobsAssigned(ctx context.Context, nodeID string) error
}

// TransactionManager handles transaction operations.
type TransactionManager interface {
	// BeginTransaction starts a new transaction.
	// Returns a context with the transaction attached.
	BeginTransaction(ctx context.Context) (context.Context, error)

	// CommitTransaction commits the current transaction and then runs the
	// registered post-commit callbacks.
	CommitTransaction(ctx context.Context) error

	// RollbackTransaction rolls back the current transaction.
	RollbackTransaction(ctx context.Context) error

	// InTransaction returns true if there is an active transaction.
	InTransaction(ctx context.Context) bool

	// Conn returns the database executor for the current context.
	// If a transaction is active, returns the transaction; otherwise, returns the database.
	Conn(ctx context.Context) Executor

	// RegisterPostCommitCallback registers a callback to be executed after a successful commit.
	// Returns an error if not currently in a transaction.
	RegisterPostCommitCallback(ctx context.Context, cb func() error) error
}

// JobManager is the job store.
type JobManager interface {
	// InsertJob persists a job.
	InsertJob(ctx context.Context, job *Job) error

	// DeleteJob deletes a job. When nodeID is not empty the job is only
	// deleted if it is still assigned to that node. Returns false if no row
	// was deleted.
	DeleteJob(ctx context.Context, jobID, nodeID string) (bool, error)

	// GetJob retrieves a job by id.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// DequeueImmediate returns the unloaded jobs of nodeID due before
	// maxTime, ordered by due time, and marks them loaded.
	DequeueImmediate(ctx context.Context, nodeID string, maxTime time.Time, limit int) ([]*Job, error)

	// UpdateReassign moves every job of oldNode to newNode and clears their
	// loaded flag. Returns the number of jobs moved.
	UpdateReassign(ctx context.Context, oldNode, newNode string) (int64, error)

	// UpdateAssignToNode assigns the unassigned jobs due before maxTime whose
	// scheduled time modulo numNodes equals index to nodeID.
	UpdateAssignToNode(ctx context.Context, nodeID string, index, numNodes int, maxTime time.Time) (int64, error)

	// GetNodeIDs returns the distinct node ids that own at least one job.
	GetNodeIDs(ctx context.Context) ([]string, error)

	// ResetLoaded clears the loaded flag of every job of nodeID.
	ResetLoaded(ctx context.Context, nodeID string) (int64, error)

	// ListJobs lists jobs ordered by due time.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
}

// JobFilter restricts ListJobs.
type JobFilter struct {
	NodeID     string
	Unassigned bool
	Limit      int // 0 = 100
}

// CorrelatorManager holds the two persistent collections of every correlator:
// routes and queued messages.
type CorrelatorManager interface {
	// LockCorrelator takes the row lock of a correlator for the rest of the
	// transaction in ctx, creating the row on first use. Every transaction
	// that reads a correlator's routes or queue and then writes to them
	// takes it first, so two transactions never decide on a stale view.
	LockCorrelator(ctx context.Context, processID, correlatorID string) error

	// InsertRoute registers a route. Fails with a DatabaseError wrapping a
	// unique violation if (process, correlator, group, index) exists.
	InsertRoute(ctx context.Context, route *Route) error

	// FindRoutes returns the routes of a correlator whose key set is one of
	// keySets, ordered by index, then age.
	FindRoutes(ctx context.Context, processID, correlatorID string, keySets []string) ([]*Route, error)

	// RouteExists reports whether a route with exactly this key set exists.
	RouteExists(ctx context.Context, processID, correlatorID, keySet string) (bool, error)

	// ListRoutes lists routes. Empty filter fields match anything.
	ListRoutes(ctx context.Context, filter RouteFilter) ([]*Route, error)

	// UpdateRouteKeySet rewrites the key set and selector blob of a route.
	UpdateRouteKeySet(ctx context.Context, route *Route) error

	// DeleteRoutes deletes matching routes. Empty filter fields match
	// anything, but at least one field must be set.
	DeleteRoutes(ctx context.Context, filter RouteFilter) (int64, error)

	// InsertQueuedMessage parks a message exchange in a correlator queue.
	InsertQueuedMessage(ctx context.Context, msg *QueuedMessage) error

	// ListQueuedMessages lists queued messages, oldest first. Empty
	// processID/correlatorID match anything.
	ListQueuedMessages(ctx context.Context, processID, correlatorID string, limit int) ([]*QueuedMessage, error)

	// ListQueuedMessagesAfter is ListQueuedMessages starting after cursor.
	// A zero cursor starts at the oldest message.
	ListQueuedMessagesAfter(ctx context.Context, processID, correlatorID string, after QueueCursor, limit int) ([]*QueuedMessage, error)

	// DeleteQueuedMessage removes a queued message. Returns false if it was
	// already gone, which is how concurrent dequeuers are told apart.
	DeleteQueuedMessage(ctx context.Context, mexID string) (bool, error)

	// UpdateQueuedMessageKeySet rewrites the key set of a queued message.
	UpdateQueuedMessageKeySet(ctx context.Context, mexID, keySet string) error

	// ListQueuedMessagesBefore lists messages queued before cutoff.
	ListQueuedMessagesBefore(ctx context.Context, cutoff time.Time, limit int) ([]*QueuedMessage, error)
}

// QueueCursor is a position in a correlator queue, which is ordered by
// (created_at, mex_id).
type QueueCursor struct {
	CreatedAt time.Time
	MexID     string
}

// CursorAfter returns the cursor just past m.
func CursorAfter(m *QueuedMessage) QueueCursor {
	return QueueCursor{CreatedAt: m.CreatedAt, MexID: m.MexID}
}

// RouteFilter selects routes.
type RouteFilter struct {
	ProcessID    string
	CorrelatorID string
	GroupID      string
	InstanceID   string
}

func (f RouteFilter) empty() bool {
	return f == RouteFilter{}
}

// MessageExchangeManager handles message exchange records.
type MessageExchangeManager interface {
	CreateMessageExchange(ctx context.Context, mex *MessageExchange) error
	GetMessageExchange(ctx context.Context, mexID string) (*MessageExchange, error)
	// UpdateMessageExchange writes instance, status, response and fault.
	UpdateMessageExchange(ctx context.Context, mex *MessageExchange) error
	DeleteMessageExchange(ctx context.Context, mexID string) error
}

// InstanceManager is the process instance store.
type InstanceManager interface {
	CreateInstance(ctx context.Context, instance *ProcessInstance) error
	GetInstance(ctx context.Context, instanceID string) (*ProcessInstance, error)
	UpdateInstanceStatus(ctx context.Context, instanceID string, status InstanceStatus) error

	// TryAcquireLock attempts to acquire the instance lock.
	// Returns true if acquired, also when workerID already holds it.
	TryAcquireLock(ctx context.Context, instanceID, workerID string, timeout time.Duration) (bool, error)

	// ReleaseLock releases the instance lock held by workerID.
	ReleaseLock(ctx context.Context, instanceID, workerID string) error
}

// SystemLockManager handles system-level locks for background tasks.
type SystemLockManager interface {
	// TryAcquireSystemLock attempts to acquire a system lock.
	// Returns true if the lock was acquired.
	TryAcquireSystemLock(ctx context.Context, lockName, workerID string, timeoutSec int) (bool, error)

	// ReleaseSystemLock releases a system lock.
	ReleaseSystemLock(ctx context.Context, lockName, workerID string) error

	// CleanupExpiredSystemLocks removes expired system locks.
	CleanupExpiredSystemLocks(ctx context.Context) error
}

// SchemaVersionManager tracks the version of the persisted data formats.
type SchemaVersionManager interface {
	GetSchemaVersion(ctx context.Context) (int, error)
	SetSchemaVersion(ctx context.Context, version int) error
}

var (
	_ Storage = (*SQLiteStorage)(nil)
	_ Storage = (*PostgresStorage)(nil)
	_ Storage = (*MySQLStorage)(nil)
)
