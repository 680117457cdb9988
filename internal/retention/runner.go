package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Runner executes cleanup passes on a cron schedule, independently of the
// reporter daemon. Typically one runner per deployment is enough; concurrent
// runners are safe since each run's deletion is its own transaction.
type Runner struct {
	engine        *Engine
	cron          *cron.Cron
	schedule      string
	retentionDays int
	isRunning     bool
}

// NewRunner creates a runner that fires cleanup on the given cron expression
func NewRunner(engine *Engine, schedule string, retentionDays int) *Runner {
	return &Runner{
		engine:        engine,
		cron:          cron.New(cron.WithLocation(time.UTC)),
		schedule:      schedule,
		retentionDays: retentionDays,
		isRunning:     false,
	}
}

// Start schedules the cleanup job. Runs are serialized with a reentrancy
// guard so a slow pass cannot overlap the next firing.
func (r *Runner) Start(ctx context.Context) error {
	if r.isRunning {
		return nil
	}

	busy := false
	_, err := r.cron.AddFunc(r.schedule, func() {
		if ctx.Err() != nil || busy {
			return
		}
		busy = true
		defer func() { busy = false }()

		if _, err := r.engine.CleanupOldMetrics(ctx, r.retentionDays, false); err != nil {
			log.Error().Err(err).Msg("Scheduled metrics cleanup failed")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("schedule", r.schedule).Msg("Could not schedule metrics cleanup")
		return err
	}

	r.cron.Start()
	r.isRunning = true
	log.Info().Str("schedule", r.schedule).Int("retention_days", r.retentionDays).Msg("Retention runner started")
	return nil
}

// Stop halts the schedule; an in-flight pass runs to completion
func (r *Runner) Stop() {
	if !r.isRunning {
		return
	}
	r.cron.Stop()
	r.isRunning = false
}
