package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"pipetrack/internal/models"
)

// RegisterStage inserts a stage definition if it does not exist and returns
// its ID. Re-registering an existing stage is a no-op; pipeline scripts call
// this unconditionally on startup.
func (s *Store) RegisterStage(ctx context.Context, name string, description null.String) (int64, error) {
	query := s.db.Rebind(s.dialect.InsertIgnore(
		"stage",
		[]string{"name", "description", "created_at"},
		[]string{"name"},
	))
	if _, err := s.db.ExecContext(ctx, query, name, description, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("could not register stage %q: %w", name, err)
	}

	var id int64
	if err := s.db.GetContext(ctx, &id, s.db.Rebind(`SELECT id FROM stage WHERE name = ?`), name); err != nil {
		return 0, err
	}
	return id, nil
}

// RegisterTask inserts a task definition under a stage if it does not exist
// and returns its ID.
func (s *Store) RegisterTask(ctx context.Context, stageID int64, name string, description null.String) (int64, error) {
	query := s.db.Rebind(s.dialect.InsertIgnore(
		"task",
		[]string{"stage_id", "name", "description", "created_at"},
		[]string{"stage_id", "name"},
	))
	if _, err := s.db.ExecContext(ctx, query, stageID, name, description, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("could not register task %q: %w", name, err)
	}

	var id int64
	query = s.db.Rebind(`SELECT id FROM task WHERE stage_id = ? AND name = ?`)
	if err := s.db.GetContext(ctx, &id, query, stageID, name); err != nil {
		return 0, err
	}
	return id, nil
}

// StartTaskRun creates a new run for the task and returns its run ID. The
// caller owns the run from here on; the reporter will pick it up on its next
// tick via the (hostname, status) index.
func (s *Store) StartTaskRun(ctx context.Context, taskID int64, hostname string, pid int64) (string, error) {
	runID := uuid.New().String()
	now := time.Now().UTC()

	query := s.db.Rebind(`
		INSERT INTO task_run (run_id, task_id, hostname, process_id, status, start_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := s.db.ExecContext(ctx, query, runID, taskID, hostname, pid, models.RsStarted, now, now); err != nil {
		return "", fmt.Errorf("could not start task run: %w", err)
	}
	return runID, nil
}

// UpdateTaskRun records progress on an active run and moves it to RUNNING
func (s *Store) UpdateTaskRun(ctx context.Context, runID string, currentSubtask null.String, percent null.Float, message null.String) error {
	query := s.db.Rebind(`
		UPDATE task_run
		SET status = ?,
			current_subtask = ?,
			percent_complete = ?,
			message = ?
		WHERE run_id = ? AND end_time IS NULL
	`)
	_, err := s.db.ExecContext(ctx, query, models.RsRunning, currentSubtask, percent, message, runID)
	return err
}

// FinishTaskRun moves a run to a terminal status, stamps its end time and
// best-effort schedules metrics retention. Scheduling failures are logged and
// swallowed so a retention hiccup can never fail the caller's lifecycle call.
func (s *Store) FinishTaskRun(ctx context.Context, runID string, status models.RunStatus, message null.String, retentionDays int) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	now := time.Now().UTC()
	query := s.db.Rebind(`
		UPDATE task_run
		SET status = ?,
			end_time = ?,
			message = ?
		WHERE run_id = ? AND end_time IS NULL
	`)
	res, err := s.db.ExecContext(ctx, query, status, now, message, runID)
	if err != nil {
		return fmt.Errorf("could not finish task run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task run %s is not active", runID)
	}

	if err := s.ScheduleRetention(ctx, runID, now, retentionDays); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("Could not schedule metrics retention")
	}
	return nil
}

// CompleteTaskRun marks a run COMPLETED with 100% progress
func (s *Store) CompleteTaskRun(ctx context.Context, runID string, message null.String, retentionDays int) error {
	if err := s.FinishTaskRun(ctx, runID, models.RsCompleted, message, retentionDays); err != nil {
		return err
	}
	query := s.db.Rebind(`UPDATE task_run SET percent_complete = 100 WHERE run_id = ?`)
	_, err := s.db.ExecContext(ctx, query, runID)
	return err
}

// FailTaskRun marks a run FAILED
func (s *Store) FailTaskRun(ctx context.Context, runID string, message null.String, retentionDays int) error {
	return s.FinishTaskRun(ctx, runID, models.RsFailed, message, retentionDays)
}

// GetTaskRun fetches a single run
func (s *Store) GetTaskRun(ctx context.Context, runID string) (*models.TaskRun, error) {
	var run models.TaskRun
	query := s.db.Rebind(`SELECT * FROM task_run WHERE run_id = ?`)
	if err := s.db.GetContext(ctx, &run, query, runID); err != nil {
		return nil, err
	}
	return &run, nil
}

// StartSubtask creates a subtask run under runID (and optionally under a
// parent subtask) and records it as the run's current subtask.
func (s *Store) StartSubtask(ctx context.Context, runID string, parentID null.String, name string) (string, error) {
	subtaskID := uuid.New().String()
	now := time.Now().UTC()

	query := s.db.Rebind(`
		INSERT INTO subtask_run (subtask_run_id, run_id, parent_id, name, status, start_time)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if _, err := s.db.ExecContext(ctx, query, subtaskID, runID, parentID, name, models.RsRunning, now); err != nil {
		return "", fmt.Errorf("could not start subtask: %w", err)
	}

	query = s.db.Rebind(`UPDATE task_run SET current_subtask = ? WHERE run_id = ? AND end_time IS NULL`)
	if _, err := s.db.ExecContext(ctx, query, name, runID); err != nil {
		return "", err
	}
	return subtaskID, nil
}

// UpdateSubtask records subtask progress
func (s *Store) UpdateSubtask(ctx context.Context, subtaskID string, percent null.Float, message null.String) error {
	query := s.db.Rebind(`
		UPDATE subtask_run
		SET percent_complete = ?, message = ?
		WHERE subtask_run_id = ? AND end_time IS NULL
	`)
	_, err := s.db.ExecContext(ctx, query, percent, message, subtaskID)
	return err
}

// FinishSubtask moves a subtask to a terminal status and rolls top-level
// subtask progress up into the parent run's overall percentage.
func (s *Store) FinishSubtask(ctx context.Context, subtaskID string, status models.RunStatus, message null.String) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	var runID string
	query := s.db.Rebind(`SELECT run_id FROM subtask_run WHERE subtask_run_id = ?`)
	if err := s.db.GetContext(ctx, &runID, query, subtaskID); err != nil {
		return err
	}

	percent := null.Float{}
	if status == models.RsCompleted {
		percent = null.FloatFrom(100)
	}
	query = s.db.Rebind(`
		UPDATE subtask_run
		SET status = ?,
			end_time = ?,
			percent_complete = COALESCE(?, percent_complete),
			message = ?
		WHERE subtask_run_id = ? AND end_time IS NULL
	`)
	if _, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), percent, message, subtaskID); err != nil {
		return err
	}

	return s.rollupRunProgress(ctx, runID)
}

// rollupRunProgress sets the run's overall percentage to the mean progress of
// its top-level subtasks
func (s *Store) rollupRunProgress(ctx context.Context, runID string) error {
	query := s.db.Rebind(`
		UPDATE task_run
		SET percent_complete = (
			SELECT AVG(COALESCE(percent_complete, 0))
			FROM subtask_run
			WHERE run_id = ? AND parent_id IS NULL
		)
		WHERE run_id = ? AND end_time IS NULL
	`)
	_, err := s.db.ExecContext(ctx, query, runID, runID)
	return err
}
