package sampler

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shirou/gopsutil/v3/process"
	"pipetrack/internal/models"
)

const (
	// DefaultTimeout bounds one whole sampling operation wall-clock
	DefaultTimeout = 5 * time.Second

	// cacheStaleAfter guards against CPU cache entries surviving a process
	// restart: deltas older than this are discarded
	cacheStaleAfter = 5 * time.Minute

	// pidReuseTolerance is how far a freshly read creation time may drift
	// from the recorded one before the PID is considered recycled
	pidReuseTolerance = time.Second

	bytesPerMB = 1024 * 1024
)

// Request describes one process to sample
type Request struct {
	RunID             string
	Hostname          string
	PID               int64
	PreviousStartTime null.Time // PID-reuse fingerprint from the run's last sample
	IncludeChildren   bool
}

type cpuTimesEntry struct {
	wall    time.Time
	cpuTime float64 // cumulative user+system seconds
}

// Sampler produces point-in-time resource snapshots for OS processes. It
// owns the cache of previous CPU-time readings used to derive CPU percent,
// keyed by PID. Safe for concurrent use.
type Sampler struct {
	timeout   time.Duration
	perCore   bool
	now       func() time.Time
	collectFn func(ctx context.Context, req Request) *models.ProcessMetricSample

	mu       sync.Mutex
	cpuCache map[int64]cpuTimesEntry
}

// New creates a Sampler. A non-positive timeout falls back to DefaultTimeout.
// perCore divides CPU percent by the logical core count.
func New(timeout time.Duration, perCore bool) *Sampler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Sampler{
		timeout:  timeout,
		perCore:  perCore,
		now:      time.Now,
		cpuCache: make(map[int64]cpuTimesEntry),
	}
	s.collectFn = s.collect
	return s
}

// Sample measures the requested process. It never returns an error: every
// failure mode is encoded on the returned sample (collection_error,
// error_type, error_message) so the caller can always persist a row.
func (s *Sampler) Sample(ctx context.Context, req Request) *models.ProcessMetricSample {
	started := s.now()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resCh := make(chan *models.ProcessMetricSample, 1)
	go func() {
		resCh <- s.collectFn(ctx, req)
	}()

	var sample *models.ProcessMetricSample
	select {
	case sample = <-resCh:
	case <-ctx.Done():
		// a hung introspection syscall must not stall the caller's tick;
		// the collect goroutine is abandoned and its result dropped
		sample = newSample(req, started)
		if errors.Is(ctx.Err(), context.Canceled) {
			// the caller shut down mid-sample; not a sampling timeout
			fail(sample, models.SeUnknown, ctx.Err().Error())
		} else {
			fail(sample, models.SeTimeout, ctx.Err().Error())
		}
	}

	sample.DurationMS = s.now().Sub(started).Milliseconds()
	return sample
}

func (s *Sampler) collect(ctx context.Context, req Request) *models.ProcessMetricSample {
	sample := newSample(req, s.now())

	proc, err := process.NewProcessWithContext(ctx, int32(req.PID))
	if err != nil {
		if processGone(err) {
			fail(sample, models.SeProcessDied, "no such process")
		} else {
			fail(sample, models.SeUnknown, err.Error())
		}
		return sample
	}

	createMS, err := proc.CreateTimeWithContext(ctx)
	if err != nil {
		if processGone(err) {
			fail(sample, models.SeProcessDied, "process disappeared while reading creation time")
		} else {
			fail(sample, models.SeUnknown, err.Error())
		}
		return sample
	}
	procStart := time.UnixMilli(createMS).UTC()
	sample.ProcessStartTime = null.TimeFrom(procStart)

	if req.PreviousStartTime.Valid {
		drift := procStart.Sub(req.PreviousStartTime.Time.UTC())
		if drift < -pidReuseTolerance || drift > pidReuseTolerance {
			// the OS has recycled this PID for an unrelated process; do not
			// report its metrics under the old run's identity
			fail(sample, models.SePidReused, "process creation time does not match previous sample")
			return sample
		}
	}

	statuses, err := proc.StatusWithContext(ctx)
	if err == nil {
		for _, st := range statuses {
			if st == process.Zombie {
				fail(sample, models.SeZombie, "process is defunct")
				return sample
			}
		}
	}

	sample.IsAlive = true
	sample.CPUCores = null.IntFrom(int64(runtime.NumCPU()))

	// everything below is best-effort: the first metric that cannot be read
	// marks the sample PS_ERROR but the remaining metrics are still collected
	var metricErr error
	note := func(err error) {
		if err != nil && metricErr == nil {
			metricErr = err
		}
	}

	if times, err := proc.TimesWithContext(ctx); err != nil {
		note(err)
	} else {
		sample.CPUPercent = s.cpuPercent(req.PID, times.User+times.System)
	}

	if mem, err := proc.MemoryInfoWithContext(ctx); err != nil {
		note(err)
	} else {
		sample.MemoryMB = null.FloatFrom(float64(mem.RSS) / bytesPerMB)
		sample.MemoryVMSMB = null.FloatFrom(float64(mem.VMS) / bytesPerMB)
	}
	if pct, err := proc.MemoryPercentWithContext(ctx); err != nil {
		note(err)
	} else {
		sample.MemoryPercent = null.FloatFrom(float64(pct))
	}

	if io, err := proc.IOCountersWithContext(ctx); err != nil {
		note(err)
	} else {
		sample.IOReadMB = null.FloatFrom(float64(io.ReadBytes) / bytesPerMB)
		sample.IOWriteMB = null.FloatFrom(float64(io.WriteBytes) / bytesPerMB)
	}

	if files, err := proc.OpenFilesWithContext(ctx); err != nil {
		note(err)
	} else {
		sample.OpenFiles = null.IntFrom(int64(len(files)))
	}
	if fds, err := proc.NumFDsWithContext(ctx); err != nil {
		note(err)
	} else {
		sample.NumFDs = null.IntFrom(int64(fds))
	}
	if threads, err := proc.NumThreadsWithContext(ctx); err != nil {
		note(err)
	} else {
		sample.NumThreads = null.IntFrom(int64(threads))
	}

	if req.IncludeChildren {
		s.collectChildren(ctx, proc, sample)
	}

	if metricErr != nil {
		sample.CollectionError = true
		sample.ErrorType = null.StringFrom(string(models.SePsError))
		sample.ErrorMessage = null.StringFrom(metricErr.Error())
	}
	return sample
}

// collectChildren aggregates CPU and memory over the process's direct
// (non-recursive) children. Children are transient so read failures here are
// not worth a PS_ERROR.
func (s *Sampler) collectChildren(ctx context.Context, proc *process.Process, sample *models.ProcessMetricSample) {
	children, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		sample.ChildCount = null.IntFrom(0)
		return
	}

	var cpuSum, memSum float64
	for _, child := range children {
		if pct, err := child.CPUPercentWithContext(ctx); err == nil {
			cpuSum += pct
		}
		if mem, err := child.MemoryInfoWithContext(ctx); err == nil {
			memSum += float64(mem.RSS) / bytesPerMB
		}
	}
	sample.ChildCount = null.IntFrom(int64(len(children)))
	sample.ChildCPUPercent = null.FloatFrom(cpuSum)
	sample.ChildMemoryMB = null.FloatFrom(memSum)
}

// cpuPercent derives CPU percent from the delta against the cached previous
// reading for this PID. The first observation of a PID has no delta and
// yields null, as does a cache entry older than five minutes.
func (s *Sampler) cpuPercent(pid int64, cpuTime float64) null.Float {
	now := s.now()

	s.mu.Lock()
	prev, ok := s.cpuCache[pid]
	s.cpuCache[pid] = cpuTimesEntry{wall: now, cpuTime: cpuTime}
	s.mu.Unlock()

	if !ok {
		return null.Float{}
	}

	elapsed := now.Sub(prev.wall)
	if elapsed <= 0 || elapsed > cacheStaleAfter {
		return null.Float{}
	}

	pct := (cpuTime - prev.cpuTime) / elapsed.Seconds() * 100
	if pct < 0 {
		// cumulative CPU time went backwards, the cache entry belonged to an
		// earlier incarnation of this PID
		return null.Float{}
	}
	if s.perCore {
		pct /= float64(runtime.NumCPU())
	}
	return null.FloatFrom(pct)
}

// ForgetPID drops the CPU cache entry for a PID, e.g. once its run ends
func (s *Sampler) ForgetPID(pid int64) {
	s.mu.Lock()
	delete(s.cpuCache, pid)
	s.mu.Unlock()
}

func newSample(req Request, ts time.Time) *models.ProcessMetricSample {
	return &models.ProcessMetricSample{
		RunID:     req.RunID,
		Timestamp: ts.UTC(),
		ProcessID: req.PID,
		Hostname:  req.Hostname,
	}
}

func fail(sample *models.ProcessMetricSample, errType models.SampleErrorType, msg string) {
	sample.IsAlive = false
	sample.CollectionError = true
	sample.ErrorType = null.StringFrom(string(errType))
	sample.ErrorMessage = null.StringFrom(msg)
}

func processGone(err error) bool {
	return errors.Is(err, process.ErrorProcessNotRunning)
}
