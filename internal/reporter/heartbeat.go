package reporter

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"pipetrack/internal/sampler"
	"pipetrack/internal/store"
)

// DefaultMaxHeartbeatAge is how old a heartbeat may be before the reporter
// behind it is presumed dead
const DefaultMaxHeartbeatAge = 60 * time.Second

// LivenessStatus classifies a (hostname, pid) reporter claim
type LivenessStatus string

const (
	LsNotRegistered LivenessStatus = "NOT_REGISTERED"
	LsRunning       LivenessStatus = "RUNNING"
	LsStale         LivenessStatus = "STALE"
	LsShuttingDown  LivenessStatus = "SHUTTING_DOWN"
	LsZombie        LivenessStatus = "ZOMBIE"
	LsDead          LivenessStatus = "DEAD"
	// LsDBError means the check itself failed; connectivity trouble is not
	// evidence that the reporter is dead and callers must not conflate the two
	LsDBError LivenessStatus = "DB_ERROR"
)

// Liveness is the outcome of a reporter liveness check
type Liveness struct {
	Alive        bool
	Status       LivenessStatus
	HeartbeatAge time.Duration
}

// Protocol implements the heartbeat/liveness rules on top of the registry
// store. Exactly one reporter process may hold a hostname at a time; a later
// claim with a different pid supersedes the earlier one.
type Protocol struct {
	store         *store.Store
	localHostname string
}

// NewProtocol creates the protocol helper. localHostname is the name of the
// machine this process runs on, used to decide when direct OS process
// inspection is possible.
func NewProtocol(s *store.Store, localHostname string) *Protocol {
	return &Protocol{store: s, localHostname: localHostname}
}

// ClaimHost takes ownership of hostname for pid. A row held by a different
// pid is atomically replaced (the previous reporter is dead or superseded);
// a row already holding this pid degenerates into a heartbeat refresh.
func (p *Protocol) ClaimHost(ctx context.Context, hostname string, pid int64, version string) error {
	row, err := p.store.GetReporterRow(ctx, hostname)
	if err != nil {
		return err
	}

	if row != nil && row.ProcessID == pid {
		_, err := p.store.UpsertReporterHeartbeat(ctx, hostname, pid, version)
		return err
	}

	if row != nil {
		log.Info().
			Str("hostname", hostname).
			Int64("old_pid", row.ProcessID).
			Int64("new_pid", pid).
			Msg("Replacing existing reporter claim")
	}
	return p.store.ReplaceReporterRow(ctx, hostname, pid, version)
}

// RefreshHeartbeat publishes liveness for (hostname, pid). Returns false when
// the row is no longer owned by pid; a superseded reporter must treat that as
// an order to terminate, not retry.
func (p *Protocol) RefreshHeartbeat(ctx context.Context, hostname string, pid int64, version string) (bool, error) {
	return p.store.UpsertReporterHeartbeat(ctx, hostname, pid, version)
}

// RequestShutdown asks the hostname's reporter to stop at its next tick
func (p *Protocol) RequestShutdown(ctx context.Context, hostname string) (bool, error) {
	return p.store.RequestReporterShutdown(ctx, hostname)
}

// CheckAlive determines whether the reporter claiming (hostname, pid) is
// actually alive. For the local machine the heartbeat is cross-checked
// against the OS process table; for remote hosts the heartbeat alone is
// trusted since no cross-host inspection is possible.
func (p *Protocol) CheckAlive(ctx context.Context, hostname string, pid int64, maxHeartbeatAge time.Duration) Liveness {
	if maxHeartbeatAge <= 0 {
		maxHeartbeatAge = DefaultMaxHeartbeatAge
	}

	row, err := p.store.GetReporterRow(ctx, hostname)
	if err != nil {
		log.Error().Err(err).Str("hostname", hostname).Msg("Could not read reporter row")
		return Liveness{Alive: false, Status: LsDBError}
	}
	if row == nil || row.ProcessID != pid {
		return Liveness{Alive: false, Status: LsNotRegistered}
	}

	age := time.Since(row.LastHeartbeat.UTC())
	if row.ShutdownRequested {
		return Liveness{Alive: false, Status: LsShuttingDown, HeartbeatAge: age}
	}
	if age > maxHeartbeatAge {
		return Liveness{Alive: false, Status: LsStale, HeartbeatAge: age}
	}

	if hostname == p.localHostname {
		exists, zombie := sampler.ProcessState(ctx, pid)
		switch {
		case !exists:
			return Liveness{Alive: false, Status: LsDead, HeartbeatAge: age}
		case zombie:
			return Liveness{Alive: false, Status: LsZombie, HeartbeatAge: age}
		}
	}
	return Liveness{Alive: true, Status: LsRunning, HeartbeatAge: age}
}

// EnsureLocal logs a warning when no live reporter covers the local host.
// Best-effort by contract: pipeline lifecycle calls invoke this and must
// never be blocked or failed by it.
func (p *Protocol) EnsureLocal(ctx context.Context, maxHeartbeatAge time.Duration) {
	row, err := p.store.GetReporterRow(ctx, p.localHostname)
	if err != nil {
		log.Warn().Err(err).Str("hostname", p.localHostname).Msg("Could not check for a local reporter")
		return
	}
	if row == nil {
		log.Warn().Str("hostname", p.localHostname).Msg("No reporter registered on this host; task runs will not be sampled")
		return
	}

	liveness := p.CheckAlive(ctx, p.localHostname, row.ProcessID, maxHeartbeatAge)
	if !liveness.Alive {
		log.Warn().
			Str("hostname", p.localHostname).
			Int64("pid", row.ProcessID).
			Str("status", string(liveness.Status)).
			Msg("Local reporter is not alive; task runs will not be sampled")
	}
}
