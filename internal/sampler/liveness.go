package sampler

import (
	"context"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessState reports whether pid exists on this machine and whether it is
// a zombie. Used by liveness checks to catch a reporter that died between
// heartbeats: a fresh heartbeat row with a dead process is possible.
func ProcessState(ctx context.Context, pid int64) (exists, zombie bool) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false, false
	}

	statuses, err := proc.StatusWithContext(ctx)
	if err != nil {
		// the process exists but its state is unreadable; treat as live
		return true, false
	}
	for _, st := range statuses {
		if st == process.Zombie {
			return true, true
		}
	}
	return true, false
}
