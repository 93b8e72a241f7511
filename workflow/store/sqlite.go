package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps the whole platform state — definitions, instances, node instances,
// logs, schedules, locks and engine registrations — in a single-file
// database. Designed for:
//   - Development and testing with zero setup
//   - Single-engine deployments
//   - Local durability before migrating to MySQL
//
// SQLiteStore uses WAL mode for concurrent reads and transactional writes.
// Lock acquisition relies on the UNIQUE constraint on lock_key, so the
// delete-then-insert lease protocol is atomic even here.
type SQLiteStore struct {
	sqlStore
	path string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./stratix.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically:
//   - Creates the database file if it doesn't exist
//   - Creates required tables and indexes
//   - Enables WAL mode and foreign keys
//   - Sets a 5 second busy timeout
//
// Example:
//
//	st, err := store.NewSQLiteStore("./stratix.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	st := &SQLiteStore{
		sqlStore: sqlStore{db: db, conflictErr: sqliteConflict},
		path:     path,
	}
	if err := st.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return st, nil
}

// sqliteConflict reports whether err is a uniqueness violation. modernc's
// driver wraps SQLITE_CONSTRAINT_UNIQUE / SQLITE_CONSTRAINT_PRIMARYKEY in an
// opaque error type, so we match on the stable message text.
func sqliteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			description TEXT,
			nodes TEXT NOT NULL,
			inputs TEXT,
			outputs TEXT,
			error_handling TEXT,
			created_at TIMESTAMP NOT NULL,
			created_by TEXT,
			UNIQUE (name, version)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_definition_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			external_id TEXT UNIQUE,
			status TEXT NOT NULL,
			input_data TEXT,
			output_data TEXT,
			context_data TEXT,
			current_node_id TEXT,
			checkpoint_data TEXT,
			business_key TEXT,
			mutex_key TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			scheduled_at TIMESTAMP,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			interrupted_at TIMESTAMP,
			error_message TEXT,
			error_details TEXT,
			lock_owner TEXT,
			lock_acquired_at TIMESTAMP,
			last_heartbeat TIMESTAMP,
			assigned_engine_id TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			created_by TEXT,
			FOREIGN KEY (workflow_definition_id) REFERENCES workflow_definitions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON workflow_instances(status)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status_scheduled ON workflow_instances(status, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_heartbeat ON workflow_instances(status, last_heartbeat)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_business_key ON workflow_instances(business_key)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_created_by ON workflow_instances(created_by, status)`,
		`CREATE TABLE IF NOT EXISTS node_instances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_instance_id INTEGER NOT NULL,
			node_id TEXT NOT NULL,
			parent_node_instance_id INTEGER,
			node_type TEXT NOT NULL,
			status TEXT NOT NULL,
			input_data TEXT,
			output_data TEXT,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			FOREIGN KEY (workflow_instance_id) REFERENCES workflow_instances(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_instance ON node_instances(workflow_instance_id)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_instance_node ON node_instances(workflow_instance_id, node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_parent ON node_instances(parent_node_instance_id)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_instance_id INTEGER NOT NULL,
			node_instance_id INTEGER,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			data TEXT,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_instance ON execution_logs(workflow_instance_id)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			workflow_definition_id INTEGER,
			executor_name TEXT,
			cron_expression TEXT NOT NULL,
			timezone TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			max_instances INTEGER NOT NULL DEFAULT 0,
			input_data TEXT,
			context_data TEXT,
			business_key TEXT,
			mutex_key TEXT,
			last_fired_at TIMESTAMP,
			next_fire_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_fire_at)`,
		`CREATE TABLE IF NOT EXISTS schedule_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schedule_id INTEGER NOT NULL,
			workflow_instance_id INTEGER,
			fired_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			FOREIGN KEY (schedule_id) REFERENCES schedules(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedule_executions ON schedule_executions(schedule_id)`,
		`CREATE TABLE IF NOT EXISTS distributed_locks (
			lock_key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			lock_type TEXT NOT NULL,
			acquired_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			renewed_at TIMESTAMP,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_locks_expires ON distributed_locks(expires_at)`,
		`CREATE TABLE IF NOT EXISTS engine_instances (
			instance_id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			status TEXT NOT NULL,
			last_heartbeat TIMESTAMP NOT NULL,
			active_workflows INTEGER NOT NULL DEFAULT 0,
			cpu_usage REAL NOT NULL DEFAULT 0,
			memory_usage REAL NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// Path returns the database file path the store was opened with.
func (s *SQLiteStore) Path() string { return s.path }

var _ Store = (*SQLiteStore)(nil)
