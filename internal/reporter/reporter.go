package reporter

import (
	"context"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"pipetrack/internal/livecache"
	"pipetrack/internal/sampler"
	"pipetrack/internal/store"
)

// Version is recorded in the reporter's heartbeat row. Overridable at build
// time with -ldflags.
var Version = "0.4.0"

// Reporter is the metrics daemon: one instance per host, polling the
// registry for active task runs and attaching process telemetry to them. It
// is single-threaded and cooperative; one tick runs to completion before the
// loop sleeps.
type Reporter struct {
	store    *store.Store
	sampler  *sampler.Sampler
	protocol *Protocol
	cache    livecache.Publisher

	hostname        string
	pid             int64
	interval        time.Duration
	includeChildren bool
}

// New creates a reporter for this host
func New(s *store.Store, smp *sampler.Sampler, cache livecache.Publisher, hostname string, pid int64, interval time.Duration, includeChildren bool) *Reporter {
	if cache == nil {
		cache = livecache.Noop{}
	}
	return &Reporter{
		store:           s,
		sampler:         smp,
		protocol:        NewProtocol(s, hostname),
		cache:           cache,
		hostname:        hostname,
		pid:             pid,
		interval:        interval,
		includeChildren: includeChildren,
	}
}

// Run claims the host and drives the tick loop until a shutdown is requested,
// this reporter is superseded by another process, or ctx is cancelled. The
// only fatal error is failing the initial claim; everything after that is
// logged and survived.
func (r *Reporter) Run(ctx context.Context) error {
	if err := r.protocol.ClaimHost(ctx, r.hostname, r.pid, Version); err != nil {
		return fmt.Errorf("could not claim host %s: %w", r.hostname, err)
	}

	log.Info().
		Str("hostname", r.hostname).
		Int64("pid", r.pid).
		Str("version", Version).
		Dur("interval", r.interval).
		Msg("Reporter started")

	for {
		tickStart := time.Now()
		if stop := r.tick(ctx); stop {
			log.Info().Str("hostname", r.hostname).Msg("Reporter stopping")
			return nil
		}

		elapsed := time.Since(tickStart)
		sleep := r.interval - elapsed
		if sleep < 0 {
			// never queue up missed ticks, just start the next one late
			log.Warn().
				Dur("elapsed", elapsed).
				Dur("interval", r.interval).
				Msg("Tick took longer than the poll interval")
			sleep = 0
		}

		select {
		case <-ctx.Done():
			log.Info().Str("hostname", r.hostname).Msg("Reporter context cancelled, stopping")
			return nil
		case <-time.After(sleep):
		}
	}
}

// tick runs one poll-sample-persist iteration. Returns true when the loop
// must terminate. Panics and transient errors are contained here so the
// daemon outlives them.
func (r *Reporter) tick(ctx context.Context) (stop bool) {
	defer func() {
		if rcv := recover(); rcv != nil {
			log.Error().Interface("panic", rcv).Msg("Tick panicked")
			stop = false
		}
	}()

	row, err := r.store.GetReporterRow(ctx, r.hostname)
	if err != nil {
		log.Error().Err(err).Msg("Could not read own reporter row, retrying next tick")
		return false
	}
	if row == nil || row.ProcessID != r.pid {
		log.Warn().Str("hostname", r.hostname).Msg("Reporter row claimed by another process, terminating")
		return true
	}
	if row.ShutdownRequested {
		log.Info().Str("hostname", r.hostname).Msg("Shutdown requested")
		return true
	}

	owned, err := r.protocol.RefreshHeartbeat(ctx, r.hostname, r.pid, Version)
	if err != nil {
		log.Error().Err(err).Msg("Could not refresh heartbeat, retrying next tick")
		return false
	}
	if !owned {
		log.Warn().Str("hostname", r.hostname).Msg("Lost heartbeat row ownership, terminating")
		return true
	}

	runs, err := r.store.ListActiveTaskRuns(ctx, r.hostname)
	if err != nil {
		log.Error().Err(err).Msg("Could not list active task runs")
		return false
	}
	if len(runs) == 0 {
		return false
	}

	runIDs := make([]string, len(runs))
	for i, run := range runs {
		runIDs[i] = run.RunID
	}
	priorStarts, err := r.store.LatestPriorStartTimes(ctx, runIDs)
	if err != nil {
		log.Error().Err(err).Msg("Could not fetch prior process start times")
		return false
	}

	for _, run := range runs {
		r.sampleRun(ctx, run, priorStarts)
	}
	return false
}

// sampleRun measures one run's process and persists the outcome. A failure
// here is isolated: it is logged with the run ID and the tick moves on to
// the remaining runs.
func (r *Reporter) sampleRun(ctx context.Context, run store.ActiveRun, priorStarts map[string]time.Time) {
	prev := null.Time{}
	if ts, ok := priorStarts[run.RunID]; ok {
		prev = null.TimeFrom(ts)
	}

	sample := r.sampler.Sample(ctx, sampler.Request{
		RunID:             run.RunID,
		Hostname:          r.hostname,
		PID:               run.ProcessID,
		PreviousStartTime: prev,
		IncludeChildren:   r.includeChildren,
	})

	if err := r.store.InsertMetricSample(ctx, sample); err != nil {
		log.Error().Err(err).Str("run_id", run.RunID).Msg("Could not persist metric sample")
		return
	}

	if sample.CollectionError {
		log.Debug().
			Str("run_id", run.RunID).
			Str("error_type", sample.ErrorType.String).
			Msg("Sample recorded a collection error")
	}

	if err := r.cache.Publish(ctx, sample); err != nil {
		log.Debug().Err(err).Str("run_id", run.RunID).Msg("Could not publish sample to live cache")
	}
}
