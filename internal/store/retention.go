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

// RetentionCandidate is one run whose metrics are due for deletion
type RetentionCandidate struct {
	RunID       string    `db:"run_id"`
	CompletedAt time.Time `db:"completed_at"`
	MetricCount int64     `db:"metric_count"`
}

// ScheduleRetention records when a finished run's metrics become deletable.
// Insert-or-ignore: the first scheduling wins and repeat calls are no-ops,
// so replayed lifecycle events cannot move the deletion deadline.
func (s *Store) ScheduleRetention(ctx context.Context, runID string, completedAt time.Time, retentionDays int) error {
	query := s.db.Rebind(s.dialect.InsertIgnore(
		"metrics_retention",
		[]string{"run_id", "task_completed_at", "metrics_delete_after", "metrics_deleted"},
		[]string{"run_id"},
	))

	completedAt = completedAt.UTC()
	deleteAfter := completedAt.AddDate(0, 0, retentionDays)
	if _, err := s.db.ExecContext(ctx, query, runID, completedAt, deleteAfter, false); err != nil {
		return fmt.Errorf("could not schedule retention for run %s: %w", runID, err)
	}
	return nil
}

// FindRetentionEligibleRuns returns runs that finished more than retentionDays
// ago and whose metrics have not been deleted yet, with their current sample
// counts. A non-null end_time is what makes a run terminal.
func (s *Store) FindRetentionEligibleRuns(ctx context.Context, retentionDays int) ([]RetentionCandidate, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	query := fmt.Sprintf(`
		SELECT r.run_id, r.end_time AS completed_at, COUNT(m.run_id) AS metric_count
		FROM task_run r
		LEFT JOIN process_metric m ON m.run_id = r.run_id
		LEFT JOIN metrics_retention mr ON mr.run_id = r.run_id
		WHERE r.end_time IS NOT NULL
		  AND r.end_time < %s
		  AND (mr.run_id IS NULL OR mr.metrics_deleted = %s)
		GROUP BY r.run_id, r.end_time
		ORDER BY r.end_time
	`, s.dialect.Placeholder(1), s.dialect.Placeholder(2))

	var candidates []RetentionCandidate
	if err := s.db.SelectContext(ctx, &candidates, query, cutoff, false); err != nil {
		return nil, err
	}
	return candidates, nil
}

// DeleteMetricsForRun removes every sample of the run and returns how many
// rows went. Runs against the pool or a transaction.
func (s *Store) DeleteMetricsForRun(ctx context.Context, q sqlx.ExtContext, runID string) (int64, error) {
	res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM process_metric WHERE run_id = ?`), runID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkRetentionComplete flips the run's retention record to deleted. The
// upsert also covers runs that finished before retention scheduling existed
// and therefore have no record yet.
func (s *Store) MarkRetentionComplete(ctx context.Context, q sqlx.ExtContext, runID string, completedAt, deletedAt time.Time, count int64, retentionDays int) error {
	query := q.Rebind(s.dialect.Upsert(
		"metrics_retention",
		[]string{"run_id", "task_completed_at", "metrics_delete_after", "metrics_deleted", "deleted_at", "metrics_count"},
		[]string{"run_id"},
		[]string{"metrics_deleted", "deleted_at", "metrics_count"},
	))

	completedAt = completedAt.UTC()
	_, err := q.ExecContext(ctx, query,
		runID, completedAt, completedAt.AddDate(0, 0, retentionDays), true, deletedAt.UTC(), count)
	return err
}

// PurgeRunMetrics deletes a run's samples and marks its retention record done
// inside a single transaction. A failure rolls the whole run back, leaving it
// eligible for the next cleanup pass.
func (s *Store) PurgeRunMetrics(ctx context.Context, runID string, completedAt time.Time, retentionDays int) (int64, time.Time, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("could not begin cleanup transaction: %w", err)
	}

	count, err := s.DeleteMetricsForRun(ctx, tx, runID)
	if err != nil {
		rollbackTx(tx)
		return 0, time.Time{}, err
	}

	deletedAt := time.Now().UTC()
	if err := s.MarkRetentionComplete(ctx, tx, runID, completedAt, deletedAt, count, retentionDays); err != nil {
		rollbackTx(tx)
		return 0, time.Time{}, err
	}

	if err := tx.Commit(); err != nil {
		rollbackTx(tx)
		return 0, time.Time{}, err
	}
	return count, deletedAt, nil
}

// GetRetentionRecord fetches the retention ledger row for a run, or nil if
// the run was never scheduled
func (s *Store) GetRetentionRecord(ctx context.Context, runID string) (*models.MetricsRetentionRecord, error) {
	var row models.MetricsRetentionRecord
	query := s.db.Rebind(`SELECT * FROM metrics_retention WHERE run_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}
