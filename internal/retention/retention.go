package retention

import (
	"context"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"pipetrack/internal/store"
)

// DefaultRetentionDays is how long a finished run's metrics are kept
const DefaultRetentionDays = 30

// Engine deletes metric samples that have outlived their retention window
// and keeps the audit ledger of what was deleted when.
type Engine struct {
	store *store.Store
}

func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// CleanupResult is the per-run outcome of one cleanup pass
type CleanupResult struct {
	RunID          string
	MetricsDeleted int64
	DeletedAt      null.Time
	DryRun         bool
	Err            error
}

// ScheduleRetention records the deletion deadline for a finished run.
// Idempotent; see store.ScheduleRetention.
func (e *Engine) ScheduleRetention(ctx context.Context, runID string, completedAt time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return e.store.ScheduleRetention(ctx, runID, completedAt, retentionDays)
}

// CleanupOldMetrics deletes the samples of every run that finished more than
// retentionDays ago and has not been cleaned up yet. Each run is its own
// transaction: a failure rolls back only that run's deletion, leaves it
// eligible for retry, and is reported in the result set with a zero count
// rather than aborting the batch. With dryRun the candidate set is returned
// untouched.
func (e *Engine) CleanupOldMetrics(ctx context.Context, retentionDays int, dryRun bool) ([]CleanupResult, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	candidates, err := e.store.FindRetentionEligibleRuns(ctx, retentionDays)
	if err != nil {
		return nil, err
	}

	results := make([]CleanupResult, 0, len(candidates))
	var deleted int64
	for _, c := range candidates {
		if dryRun {
			results = append(results, CleanupResult{
				RunID:          c.RunID,
				MetricsDeleted: c.MetricCount,
				DryRun:         true,
			})
			continue
		}

		count, deletedAt, err := e.store.PurgeRunMetrics(ctx, c.RunID, c.CompletedAt, retentionDays)
		if err != nil {
			log.Error().Err(err).Str("run_id", c.RunID).Msg("Could not clean up run metrics")
			results = append(results, CleanupResult{RunID: c.RunID, Err: err})
			continue
		}

		deleted += count
		results = append(results, CleanupResult{
			RunID:          c.RunID,
			MetricsDeleted: count,
			DeletedAt:      null.TimeFrom(deletedAt),
		})
	}

	if !dryRun {
		log.Info().
			Int("runs", len(candidates)).
			Int64("metrics_deleted", deleted).
			Int("retention_days", retentionDays).
			Msg("Metrics cleanup pass complete")
	}
	return results, nil
}
