package reporter

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimHostSupersedesPreviousPid(t *testing.T) {
	clearTestDB(t)
	ctx := context.Background()
	p := NewProtocol(st, testHost)

	require.NoError(t, p.ClaimHost(ctx, testHost, 100, "0.4.0"))
	require.NoError(t, p.ClaimHost(ctx, testHost, 200, "0.4.0"))

	var count int
	require.NoError(t, st.DB().Get(&count, `SELECT COUNT(*) FROM reporter_status`))
	assert.Equal(t, 1, count)

	row, err := st.GetReporterRow(ctx, testHost)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(200), row.ProcessID)
}

func TestClaimHostSamePidRefreshesHeartbeat(t *testing.T) {
	clearTestDB(t)
	ctx := context.Background()
	p := NewProtocol(st, testHost)

	require.NoError(t, p.ClaimHost(ctx, testHost, 100, "0.4.0"))
	row, err := st.GetReporterRow(ctx, testHost)
	require.NoError(t, err)
	startedAt := row.StartedAt

	stale := time.Now().UTC().Add(-time.Hour)
	backdateHeartbeat(t, testHost, stale)

	require.NoError(t, p.ClaimHost(ctx, testHost, 100, "0.4.1"))

	row, err = st.GetReporterRow(ctx, testHost)
	require.NoError(t, err)
	assert.True(t, row.LastHeartbeat.After(stale))
	assert.WithinDuration(t, startedAt, row.StartedAt, time.Second,
		"re-claiming with the same pid must not reset the start time")
}

func TestCheckAliveNotRegistered(t *testing.T) {
	clearTestDB(t)
	ctx := context.Background()
	p := NewProtocol(st, testHost)

	liveness := p.CheckAlive(ctx, testHost, 100, 0)
	assert.False(t, liveness.Alive)
	assert.Equal(t, LsNotRegistered, liveness.Status)

	// a row held by another pid looks the same to the asking pid
	require.NoError(t, p.ClaimHost(ctx, testHost, 200, "0.4.0"))
	liveness = p.CheckAlive(ctx, testHost, 100, 0)
	assert.False(t, liveness.Alive)
	assert.Equal(t, LsNotRegistered, liveness.Status)
}

func TestCheckAliveShuttingDown(t *testing.T) {
	clearTestDB(t)
	ctx := context.Background()
	p := NewProtocol(st, testHost)

	require.NoError(t, p.ClaimHost(ctx, testHost, 100, "0.4.0"))
	ok, err := p.RequestShutdown(ctx, testHost)
	require.NoError(t, err)
	require.True(t, ok)

	liveness := p.CheckAlive(ctx, testHost, 100, 0)
	assert.False(t, liveness.Alive)
	assert.Equal(t, LsShuttingDown, liveness.Status)
}

func TestCheckAliveStaleHeartbeat(t *testing.T) {
	clearTestDB(t)
	ctx := context.Background()
	p := NewProtocol(st, testHost)

	pid := int64(os.Getpid())
	require.NoError(t, p.ClaimHost(ctx, testHost, pid, "0.4.0"))
	backdateHeartbeat(t, testHost, time.Now().UTC().Add(-61*time.Second))

	liveness := p.CheckAlive(ctx, testHost, pid, DefaultMaxHeartbeatAge)
	assert.False(t, liveness.Alive)
	assert.Equal(t, LsStale, liveness.Status)
	assert.Greater(t, liveness.HeartbeatAge, time.Minute)
}

func TestCheckAliveLocalRunning(t *testing.T) {
	clearTestDB(t)
	ctx := context.Background()
	p := NewProtocol(st, testHost)

	pid := int64(os.Getpid())
	require.NoError(t, p.ClaimHost(ctx, testHost, pid, "0.4.0"))

	liveness := p.CheckAlive(ctx, testHost, pid, 0)
	assert.True(t, liveness.Alive)
	assert.Equal(t, LsRunning, liveness.Status)
}

func TestCheckAliveLocalDeadProcess(t *testing.T) {
	clearTestDB(t)
	ctx := context.Background()
	p := NewProtocol(st, testHost)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := int64(cmd.Process.Pid)
	require.NoError(t, cmd.Wait())

	require.NoError(t, p.ClaimHost(ctx, testHost, pid, "0.4.0"))

	// the heartbeat is fresh but the process behind it is gone
	liveness := p.CheckAlive(ctx, testHost, pid, 0)
	assert.False(t, liveness.Alive)
	assert.Equal(t, LsDead, liveness.Status)
}

func TestCheckAliveRemoteHostTrustsHeartbeat(t *testing.T) {
	clearTestDB(t)
	ctx := context.Background()
	p := NewProtocol(st, testHost)

	// a pid that cannot exist locally, on a host that is not ours; the
	// heartbeat is all we have and it is fresh
	require.NoError(t, p.ClaimHost(ctx, "remote-host", 1<<30, "0.4.0"))

	liveness := p.CheckAlive(ctx, "remote-host", 1<<30, 0)
	assert.True(t, liveness.Alive)
	assert.Equal(t, LsRunning, liveness.Status)
}
