package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// txKey is the context key for transactions.
type txKey struct{}

// txState holds transaction state including post-commit callbacks.
type txState struct {
	tx        *sql.Tx
	callbacks []func() error
}

// sqlStorage is the database/sql implementation shared by every dialect.
// Times are stored as epoch milliseconds and booleans as 0/1 so the same
// statements run unchanged on SQLite, PostgreSQL and MySQL.
type sqlStorage struct {
	db     *sql.DB
	driver Driver
}

// DB returns the underlying database connection.
func (s *sqlStorage) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *sqlStorage) Close() error {
	return s.db.Close()
}

// DriverName returns the dialect name.
func (s *sqlStorage) DriverName() string {
	return s.driver.DriverName()
}

// NotifyJobsAssigned is a no-op for dialects without LISTEN/NOTIFY.
func (s *sqlStorage) NotifyJobsAssigned(ctx context.Context, nodeID string) error {
	return nil
}

func (s *sqlStorage) q(query string) string {
	return Rebind(s.driver, query)
}

func (s *sqlStorage) getConn(ctx context.Context) Executor {
	if state, ok := ctx.Value(txKey{}).(*txState); ok {
		return state.tx
	}
	return s.db
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// --- Transaction Manager ---

// BeginTransaction starts a new transaction.
func (s *sqlStorage) BeginTransaction(ctx context.Context) (context.Context, error) {
	tx, err := s.db.BeginTx(ctx, s.driver.TxOptions())
	if err != nil {
		return ctx, dbErr("begin transaction", err)
	}
	state := &txState{tx: tx}
	return context.WithValue(ctx, txKey{}, state), nil
}

// CommitTransaction commits the current transaction.
func (s *sqlStorage) CommitTransaction(ctx context.Context) error {
	state, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return fmt.Errorf("no transaction in context")
	}

	if err := state.tx.Commit(); err != nil {
		return dbErr("commit", err)
	}

	// Callbacks run only after the commit is durable.
	for _, cb := range state.callbacks {
		if err := cb(); err != nil {
			slog.Debug("post-commit callback error", "error", err)
		}
	}

	return nil
}

// RollbackTransaction rolls back the current transaction.
// Callbacks are not executed on rollback.
func (s *sqlStorage) RollbackTransaction(ctx context.Context) error {
	state, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return nil
	}
	if err := state.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return dbErr("rollback", err)
	}
	return nil
}

// InTransaction returns whether a transaction is in progress.
func (s *sqlStorage) InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*txState)
	return ok
}

// Conn returns the database executor for the current context.
func (s *sqlStorage) Conn(ctx context.Context) Executor {
	return s.getConn(ctx)
}

// RegisterPostCommitCallback registers a callback to be executed after a successful commit.
func (s *sqlStorage) RegisterPostCommitCallback(ctx context.Context, cb func() error) error {
	state, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return fmt.Errorf("not in a transaction")
	}
	state.callbacks = append(state.callbacks, cb)
	return nil
}

// --- Job Manager ---

const jobColumns = `job_id, node_id, scheduled_at, loaded, transacted, details, created_at`

func scanJob(sc interface{ Scan(...any) error }) (*Job, error) {
	var (
		j                  Job
		nodeID             sql.NullString
		scheduled, created int64
		loaded, transacted int
	)
	if err := sc.Scan(&j.JobID, &nodeID, &scheduled, &loaded, &transacted, &j.Details, &created); err != nil {
		return nil, err
	}
	j.NodeID = nodeID.String
	j.ScheduledAt = fromMillis(scheduled)
	j.CreatedAt = fromMillis(created)
	j.Loaded = loaded != 0
	j.Transacted = transacted != 0
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// InsertJob persists a job.
func (s *sqlStorage) InsertJob(ctx context.Context, job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	details := job.Details
	if details == nil {
		details = []byte{}
	}
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		INSERT INTO odeon_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), job.JobID, nullString(job.NodeID), toMillis(job.ScheduledAt), boolInt(job.Loaded),
		boolInt(job.Transacted), details, toMillis(job.CreatedAt))
	return dbErr("insert job", err)
}

// DeleteJob deletes a job, optionally only if still owned by nodeID.
func (s *sqlStorage) DeleteJob(ctx context.Context, jobID, nodeID string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	conn := s.getConn(ctx)
	if nodeID == "" {
		res, err = conn.ExecContext(ctx, s.q(`DELETE FROM odeon_jobs WHERE job_id = ?`), jobID)
	} else {
		res, err = conn.ExecContext(ctx, s.q(`DELETE FROM odeon_jobs WHERE job_id = ? AND node_id = ?`), jobID, nodeID)
	}
	if err != nil {
		return false, dbErr("delete job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("delete job", err)
	}
	return n > 0, nil
}

// GetJob retrieves a job by id.
func (s *sqlStorage) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.getConn(ctx).QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM odeon_jobs WHERE job_id = ?`), jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, dbErr("get job", err)
	}
	return j, nil
}

// DequeueImmediate selects the due, unloaded jobs of a node and flags them
// loaded. Call it inside a transaction so the select and the update are
// atomic.
func (s *sqlStorage) DequeueImmediate(ctx context.Context, nodeID string, maxTime time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 1000
	}
	conn := s.getConn(ctx)
	rows, err := conn.QueryContext(ctx, s.q(`
		SELECT `+jobColumns+` FROM odeon_jobs
		WHERE node_id = ? AND loaded = 0 AND scheduled_at <= ?
		ORDER BY scheduled_at
		LIMIT ? `+s.driver.ForUpdate()), nodeID, toMillis(maxTime), limit)
	if err != nil {
		return nil, dbErr("dequeue immediate", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, dbErr("dequeue immediate", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(jobs))
	for _, j := range jobs {
		args = append(args, j.JobID)
		j.Loaded = true
	}
	_, err = conn.ExecContext(ctx, s.q(`UPDATE odeon_jobs SET loaded = 1 WHERE job_id IN `+inClause(len(args))), args...)
	if err != nil {
		return nil, dbErr("mark jobs loaded", err)
	}
	return jobs, nil
}

// UpdateReassign moves all jobs of oldNode to newNode.
func (s *sqlStorage) UpdateReassign(ctx context.Context, oldNode, newNode string) (int64, error) {
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE odeon_jobs SET node_id = ?, loaded = 0 WHERE node_id = ?
	`), newNode, oldNode)
	if err != nil {
		return 0, dbErr("reassign jobs", err)
	}
	n, err := res.RowsAffected()
	return n, dbErr("reassign jobs", err)
}

// UpdateAssignToNode assigns unassigned jobs by scheduled time modulo the
// node count.
func (s *sqlStorage) UpdateAssignToNode(ctx context.Context, nodeID string, index, numNodes int, maxTime time.Time) (int64, error) {
	if numNodes <= 0 {
		return 0, fmt.Errorf("numNodes must be positive, got %d", numNodes)
	}
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE odeon_jobs SET node_id = ?
		WHERE node_id IS NULL AND scheduled_at < ? AND (scheduled_at % ?) = ?
	`), nodeID, toMillis(maxTime), numNodes, index)
	if err != nil {
		return 0, dbErr("assign jobs", err)
	}
	n, err := res.RowsAffected()
	return n, dbErr("assign jobs", err)
}

// GetNodeIDs returns the node ids that own jobs.
func (s *sqlStorage) GetNodeIDs(ctx context.Context) ([]string, error) {
	rows, err := s.getConn(ctx).QueryContext(ctx, `
		SELECT DISTINCT node_id FROM odeon_jobs WHERE node_id IS NOT NULL ORDER BY node_id
	`)
	if err != nil {
		return nil, dbErr("get node ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbErr("get node ids", err)
		}
		ids = append(ids, id)
	}
	return ids, dbErr("get node ids", rows.Err())
}

// ResetLoaded clears the loaded flag of the node's jobs.
func (s *sqlStorage) ResetLoaded(ctx context.Context, nodeID string) (int64, error) {
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE odeon_jobs SET loaded = 0 WHERE node_id = ? AND loaded = 1
	`), nodeID)
	if err != nil {
		return 0, dbErr("reset loaded", err)
	}
	n, err := res.RowsAffected()
	return n, dbErr("reset loaded", err)
}

// ListJobs lists jobs ordered by due time.
func (s *sqlStorage) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM odeon_jobs`
	var args []any
	switch {
	case filter.Unassigned:
		query += ` WHERE node_id IS NULL`
	case filter.NodeID != "":
		query += ` WHERE node_id = ?`
		args = append(args, filter.NodeID)
	}
	query += ` ORDER BY scheduled_at, job_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.getConn(ctx).QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, dbErr("list jobs", err)
	}
	jobs, err := collectJobs(rows)
	return jobs, dbErr("list jobs", err)
}

// --- Correlator Manager ---

const routeColumns = `process_id, correlator_id, group_id, idx, instance_id, key_set, route_policy, selector, created_at`

func scanRoutes(rows *sql.Rows) ([]*Route, error) {
	defer rows.Close()
	var routes []*Route
	for rows.Next() {
		var (
			r       Route
			created int64
		)
		if err := rows.Scan(&r.ProcessID, &r.CorrelatorID, &r.GroupID, &r.Index, &r.InstanceID,
			&r.KeySet, &r.Policy, &r.Selector, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = fromMillis(created)
		routes = append(routes, &r)
	}
	return routes, rows.Err()
}

// InsertRoute registers a route.
func (s *sqlStorage) InsertRoute(ctx context.Context, route *Route) error {
	if route.CreatedAt.IsZero() {
		route.CreatedAt = time.Now().UTC()
	}
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		INSERT INTO odeon_routes (`+routeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), route.ProcessID, route.CorrelatorID, route.GroupID, route.Index, route.InstanceID,
		route.KeySet, route.Policy, route.Selector, toMillis(route.CreatedAt))
	return dbErr("insert route", err)
}

// FindRoutes returns the routes whose key set is one of keySets.
func (s *sqlStorage) FindRoutes(ctx context.Context, processID, correlatorID string, keySets []string) ([]*Route, error) {
	if len(keySets) == 0 {
		return nil, nil
	}
	args := []any{processID, correlatorID}
	for _, ks := range keySets {
		args = append(args, ks)
	}
	rows, err := s.getConn(ctx).QueryContext(ctx, s.q(`
		SELECT `+routeColumns+` FROM odeon_routes
		WHERE process_id = ? AND correlator_id = ? AND key_set IN `+inClause(len(keySets))+`
		ORDER BY idx, created_at, group_id
	`), args...)
	if err != nil {
		return nil, dbErr("find routes", err)
	}
	routes, err := scanRoutes(rows)
	return routes, dbErr("find routes", err)
}

// RouteExists reports whether a route claims exactly this key set.
func (s *sqlStorage) RouteExists(ctx context.Context, processID, correlatorID, keySet string) (bool, error) {
	var n int
	err := s.getConn(ctx).QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM odeon_routes
		WHERE process_id = ? AND correlator_id = ? AND key_set = ?
	`), processID, correlatorID, keySet).Scan(&n)
	if err != nil {
		return false, dbErr("check route", err)
	}
	return n > 0, nil
}

func routeWhere(f RouteFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col, val string) {
		if val != "" {
			conds = append(conds, col+" = ?")
			args = append(args, val)
		}
	}
	add("process_id", f.ProcessID)
	add("correlator_id", f.CorrelatorID)
	add("group_id", f.GroupID)
	add("instance_id", f.InstanceID)
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListRoutes lists routes matching the filter.
func (s *sqlStorage) ListRoutes(ctx context.Context, filter RouteFilter) ([]*Route, error) {
	where, args := routeWhere(filter)
	rows, err := s.getConn(ctx).QueryContext(ctx, s.q(`SELECT `+routeColumns+` FROM odeon_routes`+where+
		` ORDER BY process_id, correlator_id, idx, created_at, group_id`), args...)
	if err != nil {
		return nil, dbErr("list routes", err)
	}
	routes, err := scanRoutes(rows)
	return routes, dbErr("list routes", err)
}

// UpdateRouteKeySet rewrites the key set and selector of a route.
func (s *sqlStorage) UpdateRouteKeySet(ctx context.Context, route *Route) error {
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE odeon_routes SET key_set = ?, selector = ?
		WHERE process_id = ? AND correlator_id = ? AND group_id = ? AND idx = ?
	`), route.KeySet, route.Selector, route.ProcessID, route.CorrelatorID, route.GroupID, route.Index)
	return dbErr("update route", err)
}

// DeleteRoutes deletes the routes matching the filter.
func (s *sqlStorage) DeleteRoutes(ctx context.Context, filter RouteFilter) (int64, error) {
	if filter.empty() {
		return 0, fmt.Errorf("refusing to delete routes without a filter")
	}
	where, args := routeWhere(filter)
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(`DELETE FROM odeon_routes`+where), args...)
	if err != nil {
		return 0, dbErr("delete routes", err)
	}
	n, err := res.RowsAffected()
	return n, dbErr("delete routes", err)
}

func scanQueuedMessages(rows *sql.Rows) ([]*QueuedMessage, error) {
	defer rows.Close()
	var msgs []*QueuedMessage
	for rows.Next() {
		var (
			m       QueuedMessage
			created int64
		)
		if err := rows.Scan(&m.MexID, &m.ProcessID, &m.CorrelatorID, &m.KeySet, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(created)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// LockCorrelator locks the correlator row, inserting it first if needed.
// SQLite has no row locks; its single connection already serializes
// transactions.
func (s *sqlStorage) LockCorrelator(ctx context.Context, processID, correlatorID string) error {
	conn := s.getConn(ctx)
	_, err := conn.ExecContext(ctx, s.q(s.driver.InsertIgnore("odeon_correlators",
		"process_id", "correlator_id", "created_at")), processID, correlatorID, toMillis(time.Now()))
	if err != nil {
		return dbErr("lock correlator", err)
	}
	var id string
	err = conn.QueryRowContext(ctx, s.q(`
		SELECT correlator_id FROM odeon_correlators
		WHERE process_id = ? AND correlator_id = ? `+s.driver.ForUpdate()), processID, correlatorID).Scan(&id)
	return dbErr("lock correlator", err)
}

// InsertQueuedMessage parks a message exchange in a correlator queue.
func (s *sqlStorage) InsertQueuedMessage(ctx context.Context, msg *QueuedMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		INSERT INTO odeon_queued_messages (mex_id, process_id, correlator_id, key_set, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), msg.MexID, msg.ProcessID, msg.CorrelatorID, msg.KeySet, toMillis(msg.CreatedAt))
	return dbErr("enqueue message", err)
}

// ListQueuedMessages lists queued messages, oldest first.
func (s *sqlStorage) ListQueuedMessages(ctx context.Context, processID, correlatorID string, limit int) ([]*QueuedMessage, error) {
	return s.ListQueuedMessagesAfter(ctx, processID, correlatorID, QueueCursor{}, limit)
}

// ListQueuedMessagesAfter lists queued messages past cursor, oldest first.
func (s *sqlStorage) ListQueuedMessagesAfter(ctx context.Context, processID, correlatorID string, after QueueCursor, limit int) ([]*QueuedMessage, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT mex_id, process_id, correlator_id, key_set, created_at FROM odeon_queued_messages`
	var (
		conds []string
		args  []any
	)
	if processID != "" {
		conds = append(conds, "process_id = ?")
		args = append(args, processID)
	}
	if correlatorID != "" {
		conds = append(conds, "correlator_id = ?")
		args = append(args, correlatorID)
	}
	if after.MexID != "" {
		ms := toMillis(after.CreatedAt)
		conds = append(conds, "(created_at > ? OR (created_at = ? AND mex_id > ?))")
		args = append(args, ms, ms, after.MexID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at, mex_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.getConn(ctx).QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, dbErr("list queued messages", err)
	}
	msgs, err := scanQueuedMessages(rows)
	return msgs, dbErr("list queued messages", err)
}

// DeleteQueuedMessage removes a queued message.
func (s *sqlStorage) DeleteQueuedMessage(ctx context.Context, mexID string) (bool, error) {
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(`DELETE FROM odeon_queued_messages WHERE mex_id = ?`), mexID)
	if err != nil {
		return false, dbErr("dequeue message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("dequeue message", err)
	}
	return n > 0, nil
}

// UpdateQueuedMessageKeySet rewrites the key set of a queued message.
func (s *sqlStorage) UpdateQueuedMessageKeySet(ctx context.Context, mexID, keySet string) error {
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE odeon_queued_messages SET key_set = ? WHERE mex_id = ?
	`), keySet, mexID)
	return dbErr("update queued message", err)
}

// ListQueuedMessagesBefore lists messages queued before cutoff.
func (s *sqlStorage) ListQueuedMessagesBefore(ctx context.Context, cutoff time.Time, limit int) ([]*QueuedMessage, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.getConn(ctx).QueryContext(ctx, s.q(`
		SELECT mex_id, process_id, correlator_id, key_set, created_at FROM odeon_queued_messages
		WHERE created_at < ?
		ORDER BY created_at, mex_id
		LIMIT ?
	`), toMillis(cutoff), limit)
	if err != nil {
		return nil, dbErr("list premature messages", err)
	}
	msgs, err := scanQueuedMessages(rows)
	return msgs, dbErr("list premature messages", err)
}

// --- Message Exchange Manager ---

// CreateMessageExchange inserts a message exchange.
func (s *sqlStorage) CreateMessageExchange(ctx context.Context, mex *MessageExchange) error {
	now := time.Now().UTC()
	if mex.CreatedAt.IsZero() {
		mex.CreatedAt = now
	}
	mex.UpdatedAt = mex.CreatedAt
	if mex.Status == "" {
		mex.Status = MexStatusRequest
	}
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		INSERT INTO odeon_message_exchanges
			(mex_id, direction, process_id, instance_id, partner_link, operation, status,
			 request, response, fault, fault_detail, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), mex.MexID, string(mex.Direction), mex.ProcessID, nullString(mex.InstanceID), mex.PartnerLink,
		mex.Operation, string(mex.Status), mex.Request, mex.Response, nullString(mex.Fault),
		nullString(mex.FaultDetail), toMillis(mex.CreatedAt), toMillis(mex.UpdatedAt))
	return dbErr("create message exchange", err)
}

// GetMessageExchange retrieves a message exchange.
func (s *sqlStorage) GetMessageExchange(ctx context.Context, mexID string) (*MessageExchange, error) {
	var (
		m                         MessageExchange
		direction, status         string
		instanceID, fault, detail sql.NullString
		created, updated          int64
	)
	err := s.getConn(ctx).QueryRowContext(ctx, s.q(`
		SELECT mex_id, direction, process_id, instance_id, partner_link, operation, status,
		       request, response, fault, fault_detail, created_at, updated_at
		FROM odeon_message_exchanges WHERE mex_id = ?
	`), mexID).Scan(&m.MexID, &direction, &m.ProcessID, &instanceID, &m.PartnerLink, &m.Operation,
		&status, &m.Request, &m.Response, &fault, &detail, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, dbErr("get message exchange", err)
	}
	m.Direction = MexDirection(direction)
	m.Status = MexStatus(status)
	m.InstanceID = instanceID.String
	m.Fault = fault.String
	m.FaultDetail = detail.String
	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updated)
	return &m, nil
}

// UpdateMessageExchange writes the mutable fields of a message exchange.
func (s *sqlStorage) UpdateMessageExchange(ctx context.Context, mex *MessageExchange) error {
	mex.UpdatedAt = time.Now().UTC()
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE odeon_message_exchanges
		SET instance_id = ?, status = ?, response = ?, fault = ?, fault_detail = ?, updated_at = ?
		WHERE mex_id = ?
	`), nullString(mex.InstanceID), string(mex.Status), mex.Response, nullString(mex.Fault),
		nullString(mex.FaultDetail), toMillis(mex.UpdatedAt), mex.MexID)
	if err != nil {
		return dbErr("update message exchange", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessageExchange releases a message exchange.
func (s *sqlStorage) DeleteMessageExchange(ctx context.Context, mexID string) error {
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`DELETE FROM odeon_message_exchanges WHERE mex_id = ?`), mexID)
	return dbErr("delete message exchange", err)
}

// --- Instance Manager ---

// CreateInstance inserts a process instance.
func (s *sqlStorage) CreateInstance(ctx context.Context, instance *ProcessInstance) error {
	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}
	instance.UpdatedAt = instance.CreatedAt
	if instance.Status == "" {
		instance.Status = InstanceActive
	}
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		INSERT INTO odeon_instances (instance_id, process_id, status, created_by_mex, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), instance.InstanceID, instance.ProcessID, string(instance.Status), nullString(instance.CreatedByMex),
		toMillis(instance.CreatedAt), toMillis(instance.UpdatedAt))
	return dbErr("create instance", err)
}

// GetInstance retrieves a process instance.
func (s *sqlStorage) GetInstance(ctx context.Context, instanceID string) (*ProcessInstance, error) {
	var (
		p                   ProcessInstance
		status              string
		createdBy, lockedBy sql.NullString
		expires             sql.NullInt64
		created, updated    int64
	)
	err := s.getConn(ctx).QueryRowContext(ctx, s.q(`
		SELECT instance_id, process_id, status, created_by_mex, locked_by, lock_expires_at, created_at, updated_at
		FROM odeon_instances WHERE instance_id = ?
	`), instanceID).Scan(&p.InstanceID, &p.ProcessID, &status, &createdBy, &lockedBy, &expires, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, dbErr("get instance", err)
	}
	p.Status = InstanceStatus(status)
	p.CreatedByMex = createdBy.String
	p.LockedBy = lockedBy.String
	if expires.Valid {
		t := fromMillis(expires.Int64)
		p.LockExpiresAt = &t
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

// UpdateInstanceStatus sets the status of a process instance.
func (s *sqlStorage) UpdateInstanceStatus(ctx context.Context, instanceID string, status InstanceStatus) error {
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE odeon_instances SET status = ?, updated_at = ? WHERE instance_id = ?
	`), string(status), toMillis(time.Now()), instanceID)
	if err != nil {
		return dbErr("update instance status", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// TryAcquireLock attempts to acquire the instance lock.
func (s *sqlStorage) TryAcquireLock(ctx context.Context, instanceID, workerID string, timeout time.Duration) (bool, error) {
	now := time.Now()
	// Allow acquiring if unlocked, expired, or already held by workerID.
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE odeon_instances
		SET locked_by = ?, lock_expires_at = ?, updated_at = ?
		WHERE instance_id = ?
		AND (locked_by IS NULL OR lock_expires_at < ? OR locked_by = ?)
	`), workerID, toMillis(now.Add(timeout)), toMillis(now), instanceID, toMillis(now), workerID)
	if err != nil {
		return false, dbErr("acquire instance lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("acquire instance lock", err)
	}
	return n > 0, nil
}

// ReleaseLock releases the instance lock.
func (s *sqlStorage) ReleaseLock(ctx context.Context, instanceID, workerID string) error {
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE odeon_instances
		SET locked_by = NULL, lock_expires_at = NULL, updated_at = ?
		WHERE instance_id = ? AND locked_by = ?
	`), toMillis(time.Now()), instanceID, workerID)
	return dbErr("release instance lock", err)
}

// --- System Lock Manager ---

// TryAcquireSystemLock attempts to acquire a system lock. It takes over an
// expired lock or refreshes one already held by workerID, and otherwise
// inserts a new row; a concurrent insert loses on the primary key.
func (s *sqlStorage) TryAcquireSystemLock(ctx context.Context, lockName, workerID string, timeoutSec int) (bool, error) {
	conn := s.getConn(ctx)
	now := time.Now()
	expires := now.Add(time.Duration(timeoutSec) * time.Second)

	res, err := conn.ExecContext(ctx, s.q(`
		UPDATE odeon_system_locks
		SET locked_by = ?, locked_at = ?, lock_expires_at = ?
		WHERE lock_name = ? AND (lock_expires_at < ? OR locked_by = ?)
	`), workerID, toMillis(now), toMillis(expires), lockName, toMillis(now), workerID)
	if err != nil {
		return false, dbErr("acquire system lock", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, dbErr("acquire system lock", err)
	} else if n > 0 {
		return true, nil
	}

	_, err = conn.ExecContext(ctx, s.q(`
		INSERT INTO odeon_system_locks (lock_name, locked_by, locked_at, lock_expires_at)
		VALUES (?, ?, ?, ?)
	`), lockName, workerID, toMillis(now), toMillis(expires))
	if err != nil {
		if s.driver.IsUniqueViolation(err) {
			return false, nil
		}
		return false, dbErr("acquire system lock", err)
	}
	return true, nil
}

// ReleaseSystemLock releases a system lock.
func (s *sqlStorage) ReleaseSystemLock(ctx context.Context, lockName, workerID string) error {
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		DELETE FROM odeon_system_locks WHERE lock_name = ? AND locked_by = ?
	`), lockName, workerID)
	return dbErr("release system lock", err)
}

// CleanupExpiredSystemLocks removes expired system locks.
func (s *sqlStorage) CleanupExpiredSystemLocks(ctx context.Context) error {
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		DELETE FROM odeon_system_locks WHERE lock_expires_at < ?
	`), toMillis(time.Now()))
	return dbErr("cleanup system locks", err)
}

// --- Schema Version Manager ---

// GetSchemaVersion returns the persisted data format version, 0 if unset.
func (s *sqlStorage) GetSchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.getConn(ctx).QueryRowContext(ctx, `SELECT version FROM odeon_schema_version WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, dbErr("get schema version", err)
	}
	return v, nil
}

// SetSchemaVersion records the persisted data format version.
func (s *sqlStorage) SetSchemaVersion(ctx context.Context, version int) error {
	conn := s.getConn(ctx)
	res, err := conn.ExecContext(ctx, s.q(`UPDATE odeon_schema_version SET version = ? WHERE id = 1`), version)
	if err != nil {
		return dbErr("set schema version", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = conn.ExecContext(ctx, s.q(`INSERT INTO odeon_schema_version (id, version) VALUES (1, ?)`), version)
	return dbErr("set schema version", err)
}
