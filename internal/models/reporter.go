package models

import (
	"time"

	"github.com/guregu/null/v6"
)

// SampleErrorType classifies why a metric sample carries no (or partial)
// measurements. These are data, not Go errors: every sampling attempt produces
// a row whether or not the process could be measured.
type SampleErrorType string

const (
	SeProcessDied SampleErrorType = "PROCESS_DIED"
	SePidReused   SampleErrorType = "PID_REUSED"
	SeZombie      SampleErrorType = "ZOMBIE_PROCESS"
	SeTimeout     SampleErrorType = "COLLECTION_TIMEOUT"
	SePsError     SampleErrorType = "PS_ERROR"
	SeUnknown     SampleErrorType = "UNKNOWN"
)

// ProcessMetricSample is a models representing the `pipeline.process_metric`
// table. Append-only: written once by the reporter, deleted only by the
// retention engine.
type ProcessMetricSample struct {
	RunID            string      `db:"run_id" json:"run_id"`
	Timestamp        time.Time   `db:"timestamp" json:"timestamp"`
	ProcessID        int64       `db:"process_id" json:"process_id"`
	Hostname         string      `db:"hostname" json:"hostname"`
	IsAlive          bool        `db:"is_alive" json:"is_alive"`
	ProcessStartTime null.Time   `db:"process_start_time" json:"process_start_time"`
	CPUPercent       null.Float  `db:"cpu_percent" json:"cpu_percent"`
	CPUCores         null.Int    `db:"cpu_cores" json:"cpu_cores"`
	MemoryMB         null.Float  `db:"memory_mb" json:"memory_mb"`
	MemoryPercent    null.Float  `db:"memory_percent" json:"memory_percent"`
	MemoryVMSMB      null.Float  `db:"memory_vms_mb" json:"memory_vms_mb"`
	IOReadMB         null.Float  `db:"io_read_mb" json:"io_read_mb"`
	IOWriteMB        null.Float  `db:"io_write_mb" json:"io_write_mb"`
	OpenFiles        null.Int    `db:"open_files" json:"open_files"`
	NumFDs           null.Int    `db:"num_fds" json:"num_fds"`
	NumThreads       null.Int    `db:"num_threads" json:"num_threads"`
	ChildCount       null.Int    `db:"child_count" json:"child_count"`
	ChildCPUPercent  null.Float  `db:"child_cpu_percent" json:"child_cpu_percent"`
	ChildMemoryMB    null.Float  `db:"child_memory_mb" json:"child_memory_mb"`
	CollectionError  bool        `db:"collection_error" json:"collection_error"`
	ErrorType        null.String `db:"error_type" json:"error_type"`
	ErrorMessage     null.String `db:"error_message" json:"error_message"`
	DurationMS       int64       `db:"collection_duration_ms" json:"collection_duration_ms"`
}

// ReporterStatus is a models representing the `pipeline.reporter_status`
// table. At most one row per hostname; process_id identifies the reporter
// that most recently claimed the host.
type ReporterStatus struct {
	Hostname          string    `db:"hostname"`
	ProcessID         int64     `db:"process_id"`
	StartedAt         time.Time `db:"started_at"`
	LastHeartbeat     time.Time `db:"last_heartbeat"`
	Version           string    `db:"version"`
	ShutdownRequested bool      `db:"shutdown_requested"`
}

// MetricsRetentionRecord is a models representing the
// `pipeline.metrics_retention` table. One row per run, created when the run
// reaches a terminal status and flipped to deleted exactly once by cleanup.
type MetricsRetentionRecord struct {
	RunID           string    `db:"run_id"`
	TaskCompletedAt time.Time `db:"task_completed_at"`
	DeleteAfter     time.Time `db:"metrics_delete_after"`
	MetricsDeleted  bool      `db:"metrics_deleted"`
	DeletedAt       null.Time `db:"deleted_at"`
	MetricsCount    null.Int  `db:"metrics_count"`
}
