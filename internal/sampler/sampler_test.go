package sampler

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pipetrack/internal/models"
)

func selfRequest() Request {
	return Request{
		RunID:    "run-1",
		Hostname: "test-host",
		PID:      int64(os.Getpid()),
	}
}

func TestSampleSelf(t *testing.T) {
	s := New(0, false)
	ctx := context.Background()

	first := s.Sample(ctx, selfRequest())
	assert.True(t, first.IsAlive)
	assert.False(t, first.CollectionError, "message: %s", first.ErrorMessage.String)
	assert.True(t, first.ProcessStartTime.Valid)
	assert.False(t, first.CPUPercent.Valid, "first observation of a PID has no CPU delta")
	assert.True(t, first.MemoryMB.Valid)
	assert.Greater(t, first.MemoryMB.Float64, 0.0)
	assert.Equal(t, int64(runtime.NumCPU()), first.CPUCores.Int64)

	time.Sleep(20 * time.Millisecond)
	second := s.Sample(ctx, selfRequest())
	assert.True(t, second.IsAlive)
	assert.True(t, second.CPUPercent.Valid, "second sample has a delta to work with")
	assert.GreaterOrEqual(t, second.CPUPercent.Float64, 0.0)
}

func TestSampleDeadProcess(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := int64(cmd.Process.Pid)
	require.NoError(t, cmd.Wait())

	s := New(0, false)
	sample := s.Sample(context.Background(), Request{RunID: "run-1", Hostname: "test-host", PID: pid})

	assert.False(t, sample.IsAlive)
	assert.True(t, sample.CollectionError)
	assert.Equal(t, string(models.SeProcessDied), sample.ErrorType.String)
	assert.False(t, sample.CPUPercent.Valid)
}

func TestSampleDetectsPidReuse(t *testing.T) {
	s := New(0, false)
	ctx := context.Background()

	req := selfRequest()
	req.PreviousStartTime = null.TimeFrom(time.Now().UTC().Add(-time.Hour))

	sample := s.Sample(ctx, req)
	assert.False(t, sample.IsAlive)
	assert.True(t, sample.CollectionError)
	assert.Equal(t, string(models.SePidReused), sample.ErrorType.String)
	// the fresh start time is still recorded so the next sample can key off it
	assert.True(t, sample.ProcessStartTime.Valid)
}

func TestSampleToleratesStartTimeJitter(t *testing.T) {
	s := New(0, false)
	ctx := context.Background()

	// learn our real creation time from a first sample
	first := s.Sample(ctx, selfRequest())
	require.True(t, first.ProcessStartTime.Valid)

	req := selfRequest()
	req.PreviousStartTime = null.TimeFrom(first.ProcessStartTime.Time.Add(500 * time.Millisecond))
	sample := s.Sample(ctx, req)
	assert.True(t, sample.IsAlive, "sub-second drift is rounding, not reuse")
	assert.False(t, sample.CollectionError)
}

func TestSampleTimesOut(t *testing.T) {
	s := New(time.Millisecond, false)

	// collection blocks past the budget; released only once the assertion
	// phase is over so the abandoned goroutine can exit
	release := make(chan struct{})
	defer close(release)
	s.collectFn = func(ctx context.Context, req Request) *models.ProcessMetricSample {
		<-release
		return newSample(req, time.Now())
	}

	sample := s.Sample(context.Background(), selfRequest())
	assert.False(t, sample.IsAlive)
	assert.True(t, sample.CollectionError)
	assert.Equal(t, string(models.SeTimeout), sample.ErrorType.String)
	assert.False(t, sample.ProcessStartTime.Valid)
	assert.False(t, sample.CPUPercent.Valid)
	assert.False(t, sample.MemoryMB.Valid)
	assert.GreaterOrEqual(t, sample.DurationMS, int64(1), "duration is stamped even on timeout")
}

func TestSampleCancelledContext(t *testing.T) {
	s := New(time.Minute, false)

	release := make(chan struct{})
	defer close(release)
	s.collectFn = func(ctx context.Context, req Request) *models.ProcessMetricSample {
		<-release
		return newSample(req, time.Now())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// daemon shutdown mid-sample must not be recorded as a sampling timeout
	sample := s.Sample(ctx, selfRequest())
	assert.True(t, sample.CollectionError)
	assert.Equal(t, string(models.SeUnknown), sample.ErrorType.String)
}

func TestSampleRecordsDuration(t *testing.T) {
	s := New(0, false)
	sample := s.Sample(context.Background(), selfRequest())
	assert.GreaterOrEqual(t, sample.DurationMS, int64(0))
	assert.Less(t, sample.DurationMS, DefaultTimeout.Milliseconds())
}

func TestCPUPercentDelta(t *testing.T) {
	s := New(0, false)
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	assert.False(t, s.cpuPercent(42, 10).Valid, "no delta on first observation")

	// 5 CPU-seconds over 10 wall-seconds is 50%
	s.now = func() time.Time { return base.Add(10 * time.Second) }
	pct := s.cpuPercent(42, 15)
	require.True(t, pct.Valid)
	assert.InDelta(t, 50, pct.Float64, 1e-9)
}

func TestCPUPercentStaleCacheDiscarded(t *testing.T) {
	s := New(0, false)
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.cpuPercent(42, 10)

	s.now = func() time.Time { return base.Add(6 * time.Minute) }
	assert.False(t, s.cpuPercent(42, 400).Valid, "entries older than the staleness bound yield no delta")

	// the stale call still refreshed the cache, so the next delta works
	s.now = func() time.Time { return base.Add(6*time.Minute + 10*time.Second) }
	pct := s.cpuPercent(42, 401)
	require.True(t, pct.Valid)
	assert.InDelta(t, 10, pct.Float64, 1e-9)
}

func TestCPUPercentNegativeDelta(t *testing.T) {
	s := New(0, false)
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.cpuPercent(42, 100)

	// cumulative CPU time going backwards means the PID was recycled
	s.now = func() time.Time { return base.Add(10 * time.Second) }
	assert.False(t, s.cpuPercent(42, 5).Valid)
}

func TestCPUPercentPerCore(t *testing.T) {
	s := New(0, true)
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.cpuPercent(42, 10)

	s.now = func() time.Time { return base.Add(10 * time.Second) }
	pct := s.cpuPercent(42, 15)
	require.True(t, pct.Valid)
	assert.InDelta(t, 50/float64(runtime.NumCPU()), pct.Float64, 1e-9)
}

func TestForgetPID(t *testing.T) {
	s := New(0, false)
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.cpuPercent(42, 10)

	s.ForgetPID(42)

	s.now = func() time.Time { return base.Add(10 * time.Second) }
	assert.False(t, s.cpuPercent(42, 15).Valid)
}

func TestNewDefaultsTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, New(0, false).timeout)
	assert.Equal(t, DefaultTimeout, New(-time.Second, false).timeout)
	assert.Equal(t, time.Second, New(time.Second, false).timeout)
}

func TestProcessState(t *testing.T) {
	ctx := context.Background()

	exists, zombie := ProcessState(ctx, int64(os.Getpid()))
	assert.True(t, exists)
	assert.False(t, zombie)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := int64(cmd.Process.Pid)
	require.NoError(t, cmd.Wait())

	exists, _ = ProcessState(ctx, pid)
	assert.False(t, exists)
}
