package storage

import (
	"context"
	"fmt"
)

// testSchemaSQLite is the schema SQL for tests.
// This is derived from schema/db/migrations/sqlite.
const testSchemaSQLite = `
-- Scheduled jobs. node_id is NULL until the job enters the near-future window.
CREATE TABLE IF NOT EXISTS odeon_jobs (
    job_id TEXT PRIMARY KEY,
    node_id TEXT,
    scheduled_at INTEGER NOT NULL,
    loaded INTEGER NOT NULL DEFAULT 0,
    transacted INTEGER NOT NULL DEFAULT 0,
    details BLOB NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_node_scheduled ON odeon_jobs(node_id, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_jobs_scheduled ON odeon_jobs(scheduled_at);

-- Correlator lock rows. Routing transactions lock the row of the
-- correlator they read and write.
CREATE TABLE IF NOT EXISTS odeon_correlators (
    process_id TEXT NOT NULL,
    correlator_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (process_id, correlator_id)
);

-- Correlator routes (pending receives)
CREATE TABLE IF NOT EXISTS odeon_routes (
    process_id TEXT NOT NULL,
    correlator_id TEXT NOT NULL,
    group_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    instance_id TEXT NOT NULL,
    key_set TEXT NOT NULL,
    route_policy TEXT NOT NULL DEFAULT 'one',
    selector BLOB,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (process_id, correlator_id, group_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_routes_key_set ON odeon_routes(process_id, correlator_id, key_set);
CREATE INDEX IF NOT EXISTS idx_routes_instance ON odeon_routes(instance_id);

-- Correlator message queues (messages that arrived before their receive)
CREATE TABLE IF NOT EXISTS odeon_queued_messages (
    mex_id TEXT PRIMARY KEY,
    process_id TEXT NOT NULL,
    correlator_id TEXT NOT NULL,
    key_set TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queued_correlator ON odeon_queued_messages(process_id, correlator_id, created_at);
CREATE INDEX IF NOT EXISTS idx_queued_created ON odeon_queued_messages(created_at);

-- Message exchanges
CREATE TABLE IF NOT EXISTS odeon_message_exchanges (
    mex_id TEXT PRIMARY KEY,
    direction TEXT NOT NULL,
    process_id TEXT NOT NULL,
    instance_id TEXT,
    partner_link TEXT NOT NULL,
    operation TEXT NOT NULL,
    status TEXT NOT NULL,
    request BLOB,
    response BLOB,
    fault TEXT,
    fault_detail TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_mex_instance ON odeon_message_exchanges(instance_id);

-- Process instances with locking support
CREATE TABLE IF NOT EXISTS odeon_instances (
    instance_id TEXT PRIMARY KEY,
    process_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    created_by_mex TEXT,
    locked_by TEXT,
    lock_expires_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_instances_process ON odeon_instances(process_id, status);

-- System locks for singleton background tasks
CREATE TABLE IF NOT EXISTS odeon_system_locks (
    lock_name TEXT PRIMARY KEY,
    locked_by TEXT NOT NULL,
    locked_at INTEGER NOT NULL,
    lock_expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_system_locks_expires ON odeon_system_locks(lock_expires_at);

-- Data format version, upgraded at startup
CREATE TABLE IF NOT EXISTS odeon_schema_version (
    id INTEGER PRIMARY KEY,
    version INTEGER NOT NULL
);

INSERT OR IGNORE INTO odeon_schema_version (id, version) VALUES (1, 4);
`

// InitializeTestSchema applies the test schema to an SQLiteStorage.
// This is intended for use in tests only.
func InitializeTestSchema(ctx context.Context, s *SQLiteStorage) error {
	_, err := s.DB().ExecContext(ctx, testSchemaSQLite)
	return err
}

// InitializeTestSchemaForStorage initializes the test schema for any Storage interface.
// This is useful for external test packages. PostgreSQL and MySQL tests
// apply the real migrations instead.
func InitializeTestSchemaForStorage(ctx context.Context, s Storage) error {
	if sqliteStorage, ok := s.(*SQLiteStorage); ok {
		return InitializeTestSchema(ctx, sqliteStorage)
	}
	return fmt.Errorf("no test schema for driver %s", s.DriverName())
}
