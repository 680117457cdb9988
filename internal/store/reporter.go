package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"pipetrack/internal/models"
)

// ActiveRun is one sampling target discovered on a host
type ActiveRun struct {
	RunID     string    `db:"run_id"`
	ProcessID int64     `db:"process_id"`
	StartTime time.Time `db:"start_time"`
}

// ListActiveTaskRuns returns the runs on hostname that are STARTED or RUNNING
// and have a recorded OS process. These are the reporter's sampling targets.
func (s *Store) ListActiveTaskRuns(ctx context.Context, hostname string) ([]ActiveRun, error) {
	var runs []ActiveRun
	query := s.db.Rebind(`
		SELECT run_id, process_id, start_time
		FROM task_run
		WHERE hostname = ?
		  AND status IN (?, ?)
		  AND process_id IS NOT NULL
		ORDER BY start_time
	`)
	if err := s.db.SelectContext(ctx, &runs, query, hostname, models.RsStarted, models.RsRunning); err != nil {
		return nil, err
	}
	return runs, nil
}

// LatestPriorStartTimes batch-fetches, in a single query, the process start
// time from the most recent sample of each run that recorded one. Error rows
// carry no start time and must not erase the fingerprint: after a process
// dies, its last known start time is exactly what identifies a recycled PID.
// One query for the whole tick, however many runs the host carries.
func (s *Store) LatestPriorStartTimes(ctx context.Context, runIDs []string) (map[string]time.Time, error) {
	byRun := make(map[string]time.Time)
	if len(runIDs) == 0 {
		return byRun, nil
	}

	query, args, err := sqlx.In(`
		SELECT m.run_id, m.process_start_time
		FROM process_metric m
		JOIN (
			SELECT run_id, MAX(timestamp) AS ts
			FROM process_metric
			WHERE run_id IN (?) AND process_start_time IS NOT NULL
			GROUP BY run_id
		) latest ON latest.run_id = m.run_id AND latest.ts = m.timestamp
	`, runIDs)
	if err != nil {
		return nil, err
	}

	rows := make([]struct {
		RunID            string    `db:"run_id"`
		ProcessStartTime time.Time `db:"process_start_time"`
	}, 0, len(runIDs))
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}

	for _, r := range rows {
		byRun[r.RunID] = r.ProcessStartTime
	}
	return byRun, nil
}

// InsertMetricSample appends one sample row. Samples are written exactly once
// and never updated.
func (s *Store) InsertMetricSample(ctx context.Context, sample *models.ProcessMetricSample) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO process_metric (
			run_id, timestamp, process_id, hostname, is_alive, process_start_time,
			cpu_percent, cpu_cores, memory_mb, memory_percent, memory_vms_mb,
			io_read_mb, io_write_mb, open_files, num_fds, num_threads,
			child_count, child_cpu_percent, child_memory_mb,
			collection_error, error_type, error_message, collection_duration_ms
		) VALUES (
			:run_id, :timestamp, :process_id, :hostname, :is_alive, :process_start_time,
			:cpu_percent, :cpu_cores, :memory_mb, :memory_percent, :memory_vms_mb,
			:io_read_mb, :io_write_mb, :open_files, :num_fds, :num_threads,
			:child_count, :child_cpu_percent, :child_memory_mb,
			:collection_error, :error_type, :error_message, :collection_duration_ms
		)
	`, sample)
	if err != nil {
		return fmt.Errorf("could not insert metric sample: %w", err)
	}
	return nil
}

// GetReporterRow fetches the reporter status row for hostname, or nil if the
// host has never been claimed.
func (s *Store) GetReporterRow(ctx context.Context, hostname string) (*models.ReporterStatus, error) {
	var row models.ReporterStatus
	query := s.db.Rebind(`SELECT * FROM reporter_status WHERE hostname = ?`)
	if err := s.db.GetContext(ctx, &row, query, hostname); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// ReplaceReporterRow atomically replaces the hostname's row with a fresh one
// for pid. Delete-then-insert inside one transaction: a crash mid-way leaves
// either the old or the new row, never a hybrid, so stale data from a dead
// reporter cannot bleed into the new claim.
func (s *Store) ReplaceReporterRow(ctx context.Context, hostname string, pid int64, version string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("could not begin reporter claim transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM reporter_status WHERE hostname = ?`), hostname); err != nil {
		rollbackTx(tx)
		return err
	}

	now := time.Now().UTC()
	query := s.db.Rebind(`
		INSERT INTO reporter_status (hostname, process_id, started_at, last_heartbeat, version, shutdown_requested)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if _, err := tx.ExecContext(ctx, query, hostname, pid, now, now, version, false); err != nil {
		rollbackTx(tx)
		return err
	}

	// a silently failed commit would let the caller believe it owns the host
	if err := tx.Commit(); err != nil {
		rollbackTx(tx)
		return fmt.Errorf("could not commit reporter claim: %w", err)
	}
	return nil
}

// UpsertReporterHeartbeat refreshes last_heartbeat and version for the row
// matching (hostname, pid) exactly. Returns false when no such row exists,
// which tells a superseded reporter that it no longer owns the host.
func (s *Store) UpsertReporterHeartbeat(ctx context.Context, hostname string, pid int64, version string) (bool, error) {
	query := s.db.Rebind(fmt.Sprintf(`
		UPDATE reporter_status
		SET last_heartbeat = %s, version = ?
		WHERE hostname = ? AND process_id = ?
	`, s.dialect.Now()))

	res, err := s.db.ExecContext(ctx, query, version, hostname, pid)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RequestReporterShutdown flags the hostname's reporter to stop at its next
// tick. This is the only externally triggered control signal in the system.
func (s *Store) RequestReporterShutdown(ctx context.Context, hostname string) (bool, error) {
	query := s.db.Rebind(`UPDATE reporter_status SET shutdown_requested = ? WHERE hostname = ?`)
	res, err := s.db.ExecContext(ctx, query, true, hostname)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteReporterRow removes the hostname's row after confirmed termination
func (s *Store) DeleteReporterRow(ctx context.Context, hostname string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM reporter_status WHERE hostname = ?`), hostname)
	return err
}
