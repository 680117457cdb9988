package store

import (
	"context"
	"fmt"

	"pipetrack/internal/database"
)

// EnsureSchema creates the pipeline tables if they do not exist yet. This is
// a convenience for fresh installs and sqlite deployments; production
// migrations are handled operationally.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("could not ensure schema: %w", err)
		}
	}
	return nil
}

func schemaStatements(d database.Dialect) []string {
	// DOUBLE PRECISION, BIGINT and BOOLEAN are understood by all three
	// backends; only the auto-increment key and timestamp types differ
	var serialPK, timestamp string
	switch d.Name() {
	case "sqlite":
		serialPK = "INTEGER PRIMARY KEY AUTOINCREMENT"
		timestamp = "TIMESTAMP"
	case "mysql":
		serialPK = "BIGINT AUTO_INCREMENT PRIMARY KEY"
		timestamp = "DATETIME(6)"
	default:
		serialPK = "BIGSERIAL PRIMARY KEY"
		timestamp = "TIMESTAMPTZ"
	}

	return []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS stage (
    id          %s,
    name        VARCHAR(255) NOT NULL UNIQUE,
    description TEXT,
    created_at  %s NOT NULL
)`, serialPK, timestamp),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS task (
    id          %s,
    stage_id    BIGINT NOT NULL REFERENCES stage (id),
    name        VARCHAR(255) NOT NULL,
    description TEXT,
    created_at  %s NOT NULL,
    UNIQUE (stage_id, name)
)`, serialPK, timestamp),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS task_run (
    run_id           VARCHAR(36) PRIMARY KEY,
    task_id          BIGINT NOT NULL REFERENCES task (id),
    hostname         VARCHAR(255) NOT NULL,
    process_id       BIGINT,
    status           VARCHAR(16) NOT NULL,
    start_time       %[1]s NOT NULL,
    end_time         %[1]s,
    current_subtask  VARCHAR(255),
    percent_complete DOUBLE PRECISION,
    message          TEXT,
    created_at       %[1]s NOT NULL
)`, timestamp),
		`CREATE INDEX IF NOT EXISTS idx_task_run_host_status ON task_run (hostname, status)`,
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS subtask_run (
    subtask_run_id   VARCHAR(36) PRIMARY KEY,
    run_id           VARCHAR(36) NOT NULL REFERENCES task_run (run_id),
    parent_id        VARCHAR(36),
    name             VARCHAR(255) NOT NULL,
    status           VARCHAR(16) NOT NULL,
    percent_complete DOUBLE PRECISION,
    start_time       %[1]s NOT NULL,
    end_time         %[1]s,
    message          TEXT
)`, timestamp),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS process_metric (
    run_id                 VARCHAR(36) NOT NULL,
    timestamp              %[1]s NOT NULL,
    process_id             BIGINT NOT NULL,
    hostname               VARCHAR(255) NOT NULL,
    is_alive               BOOLEAN NOT NULL,
    process_start_time     %[1]s,
    cpu_percent            DOUBLE PRECISION,
    cpu_cores              BIGINT,
    memory_mb              DOUBLE PRECISION,
    memory_percent         DOUBLE PRECISION,
    memory_vms_mb          DOUBLE PRECISION,
    io_read_mb             DOUBLE PRECISION,
    io_write_mb            DOUBLE PRECISION,
    open_files             BIGINT,
    num_fds                BIGINT,
    num_threads            BIGINT,
    child_count            BIGINT,
    child_cpu_percent      DOUBLE PRECISION,
    child_memory_mb        DOUBLE PRECISION,
    collection_error       BOOLEAN NOT NULL DEFAULT FALSE,
    error_type             VARCHAR(32),
    error_message          TEXT,
    collection_duration_ms BIGINT NOT NULL,
    PRIMARY KEY (run_id, timestamp)
)`, timestamp),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS reporter_status (
    hostname           VARCHAR(255) PRIMARY KEY,
    process_id         BIGINT NOT NULL,
    started_at         %[1]s NOT NULL,
    last_heartbeat     %[1]s NOT NULL,
    version            VARCHAR(64) NOT NULL,
    shutdown_requested BOOLEAN NOT NULL DEFAULT FALSE
)`, timestamp),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS metrics_retention (
    run_id               VARCHAR(36) PRIMARY KEY,
    task_completed_at    %[1]s NOT NULL,
    metrics_delete_after %[1]s NOT NULL,
    metrics_deleted      BOOLEAN NOT NULL DEFAULT FALSE,
    deleted_at           %[1]s,
    metrics_count        BIGINT
)`, timestamp),
	}
}
