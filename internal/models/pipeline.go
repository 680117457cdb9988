package models

import (
	"time"

	"github.com/guregu/null/v6"
)

// This file contains the models under the `pipeline` schema

// Stage is a models representing the `pipeline.stage` table. A stage groups
// related tasks (e.g. "ingest", "transform") and is registered once by the
// pipeline scripts.
type Stage struct {
	ID          int64       `db:"id"`
	Name        string      `db:"name"`
	Description null.String `db:"description"`
	CreatedAt   time.Time   `db:"created_at"`
}

// Task is a models representing the `pipeline.task` table
type Task struct {
	ID          int64       `db:"id"`
	StageID     int64       `db:"stage_id"`
	Name        string      `db:"name"`
	Description null.String `db:"description"`
	CreatedAt   time.Time   `db:"created_at"`
}

type RunStatus string

const (
	RsStarted   RunStatus = "STARTED"
	RsRunning   RunStatus = "RUNNING"
	RsCompleted RunStatus = "COMPLETED"
	RsFailed    RunStatus = "FAILED"
	RsSkipped   RunStatus = "SKIPPED"
	RsCancelled RunStatus = "CANCELLED"
)

// IsTerminal returns true once a run can no longer change status. Terminal
// runs have their end_time set and become eligible for metrics retention.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RsCompleted, RsFailed, RsSkipped, RsCancelled:
		return true
	}
	return false
}

// TaskRun is a models representing the `pipeline.task_run` table. One row per
// execution of a registered task. The reporter only ever reads these rows to
// discover sampling targets; status is owned by the process that started the run.
type TaskRun struct {
	RunID           string      `db:"run_id"`
	TaskID          int64       `db:"task_id"`
	Hostname        string      `db:"hostname"`
	ProcessID       null.Int    `db:"process_id"`
	Status          RunStatus   `db:"status"`
	StartTime       time.Time   `db:"start_time"`
	EndTime         null.Time   `db:"end_time"`
	CurrentSubtask  null.String `db:"current_subtask"`
	PercentComplete null.Float  `db:"percent_complete"`
	Message         null.String `db:"message"`
	CreatedAt       time.Time   `db:"created_at"`
}

// SubtaskRun is a models representing the `pipeline.subtask_run` table.
// Subtasks may nest through ParentID to describe hierarchical progress.
type SubtaskRun struct {
	SubtaskRunID    string      `db:"subtask_run_id"`
	RunID           string      `db:"run_id"`
	ParentID        null.String `db:"parent_id"`
	Name            string      `db:"name"`
	Status          RunStatus   `db:"status"`
	PercentComplete null.Float  `db:"percent_complete"`
	StartTime       time.Time   `db:"start_time"`
	EndTime         null.Time   `db:"end_time"`
	Message         null.String `db:"message"`
}
