package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Production deployments with multiple engine instances
//   - Workflows that must survive process restarts
//   - Audit trails over execution logs
//
// Coordination (distributed locks, heartbeats, recovery scans) runs through
// the same pooled connection as the entity tables, so a single transactional
// database is the only shared dependency between engines.
type MySQLStore struct {
	sqlStore
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// parseTime=true is required so TIMESTAMP columns scan into time.Time:
//
//	user:password@tcp(localhost:3306)/stratix?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment.
//
// The store automatically:
//   - Creates required tables and indexes if they don't exist
//   - Configures connection pooling
//   - Verifies connectivity with a ping
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	if !cfg.ParseTime {
		return nil, errors.New("MySQL DSN must set parseTime=true")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	st := &MySQLStore{sqlStore: sqlStore{db: db, conflictErr: mysqlConflict}}
	if err := st.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return st, nil
}

// mysqlConflict reports whether err is ER_DUP_ENTRY (1062).
func mysqlConflict(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			version INT NOT NULL,
			description TEXT,
			nodes JSON NOT NULL,
			inputs JSON,
			outputs JSON,
			error_handling VARCHAR(32),
			created_at TIMESTAMP(6) NOT NULL,
			created_by VARCHAR(255),
			UNIQUE KEY unique_name_version (name, version)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			workflow_definition_id BIGINT NOT NULL,
			name VARCHAR(255) NOT NULL,
			external_id VARCHAR(255),
			status VARCHAR(32) NOT NULL,
			input_data JSON,
			output_data JSON,
			context_data JSON,
			current_node_id VARCHAR(255),
			checkpoint_data JSON,
			business_key VARCHAR(255),
			mutex_key VARCHAR(255),
			priority INT NOT NULL DEFAULT 0,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 0,
			scheduled_at TIMESTAMP(6) NULL,
			started_at TIMESTAMP(6) NULL,
			completed_at TIMESTAMP(6) NULL,
			interrupted_at TIMESTAMP(6) NULL,
			error_message TEXT,
			error_details JSON,
			lock_owner VARCHAR(255),
			lock_acquired_at TIMESTAMP(6) NULL,
			last_heartbeat TIMESTAMP(6) NULL,
			assigned_engine_id VARCHAR(255),
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			created_by VARCHAR(255),
			UNIQUE KEY unique_external_id (external_id),
			KEY idx_instances_status (status),
			KEY idx_instances_status_scheduled (status, scheduled_at),
			KEY idx_instances_heartbeat (status, last_heartbeat),
			KEY idx_instances_business_key (business_key),
			KEY idx_instances_created_by (created_by, status),
			CONSTRAINT fk_instance_definition FOREIGN KEY (workflow_definition_id)
				REFERENCES workflow_definitions(id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS node_instances (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			workflow_instance_id BIGINT NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			parent_node_instance_id BIGINT NULL,
			node_type VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			input_data JSON,
			output_data JSON,
			error_message TEXT,
			retry_count INT NOT NULL DEFAULT 0,
			started_at TIMESTAMP(6) NULL,
			completed_at TIMESTAMP(6) NULL,
			KEY idx_nodes_instance (workflow_instance_id),
			KEY idx_nodes_instance_node (workflow_instance_id, node_id),
			KEY idx_nodes_parent (parent_node_instance_id),
			CONSTRAINT fk_node_instance FOREIGN KEY (workflow_instance_id)
				REFERENCES workflow_instances(id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			workflow_instance_id BIGINT NOT NULL,
			node_instance_id BIGINT NULL,
			level VARCHAR(16) NOT NULL,
			message TEXT NOT NULL,
			data JSON,
			timestamp TIMESTAMP(6) NOT NULL,
			KEY idx_logs_instance (workflow_instance_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			workflow_definition_id BIGINT NULL,
			executor_name VARCHAR(255),
			cron_expression VARCHAR(128) NOT NULL,
			timezone VARCHAR(64),
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			max_instances INT NOT NULL DEFAULT 0,
			input_data JSON,
			context_data JSON,
			business_key VARCHAR(255),
			mutex_key VARCHAR(255),
			last_fired_at TIMESTAMP(6) NULL,
			next_fire_at TIMESTAMP(6) NULL,
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			UNIQUE KEY unique_schedule_name (name),
			KEY idx_schedules_due (enabled, next_fire_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS schedule_executions (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			schedule_id BIGINT NOT NULL,
			workflow_instance_id BIGINT NULL,
			fired_at TIMESTAMP(6) NOT NULL,
			status VARCHAR(32) NOT NULL,
			error TEXT,
			KEY idx_schedule_executions (schedule_id),
			CONSTRAINT fk_execution_schedule FOREIGN KEY (schedule_id)
				REFERENCES schedules(id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS distributed_locks (
			lock_key VARCHAR(255) PRIMARY KEY,
			owner VARCHAR(255) NOT NULL,
			lock_type VARCHAR(32) NOT NULL,
			acquired_at TIMESTAMP(6) NOT NULL,
			expires_at TIMESTAMP(6) NOT NULL,
			renewed_at TIMESTAMP(6) NULL,
			metadata TEXT,
			KEY idx_locks_expires (expires_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS engine_instances (
			instance_id VARCHAR(255) PRIMARY KEY,
			hostname VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			last_heartbeat TIMESTAMP(6) NOT NULL,
			active_workflows INT NOT NULL DEFAULT 0,
			cpu_usage DOUBLE NOT NULL DEFAULT 0,
			memory_usage DOUBLE NOT NULL DEFAULT 0
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range statements {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

var _ Store = (*MySQLStore)(nil)
