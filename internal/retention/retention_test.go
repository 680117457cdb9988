package retention_test

import (
	"context"
	stdlog "log"
	"os"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pipetrack/internal/database"
	"pipetrack/internal/models"
	"pipetrack/internal/retention"
	"pipetrack/internal/store"
)

var st *store.Store

func TestMain(m *testing.M) {
	dialect, err := database.FromName("sqlite")
	if err != nil {
		stdlog.Fatalf("Failed to resolve sqlite dialect: %v", err)
	}

	db, err := sqlx.Connect(dialect.DriverName(), "file:retentiontest?mode=memory&cache=shared&_loc=UTC")
	if err != nil {
		stdlog.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	st = store.New(db, dialect)
	if err := st.EnsureSchema(context.Background()); err != nil {
		stdlog.Fatalf("Failed to create test schema: %v", err)
	}

	defer func() {
		if err := st.Close(); err != nil {
			stdlog.Fatalf("Error encountered when closing test database: %v", err)
		}
	}()

	os.Exit(m.Run())
}

func clearTestDB(t *testing.T) {
	for _, table := range []string{
		"process_metric", "metrics_retention", "subtask_run", "task_run",
		"task", "stage", "reporter_status",
	} {
		_, err := st.DB().Exec("DELETE FROM " + table)
		require.NoError(t, err, "Could not clear table %s", table)
	}
}

// Creates a run that finished at endTime with the given number of samples
func finishedRun(t *testing.T, endTime time.Time, samples int) string {
	ctx := context.Background()
	stageID, err := st.RegisterStage(ctx, "ingest", null.String{})
	require.NoError(t, err)
	taskID, err := st.RegisterTask(ctx, stageID, "load", null.String{})
	require.NoError(t, err)
	runID, err := st.StartTaskRun(ctx, taskID, "test-host", 101)
	require.NoError(t, err)

	_, err = st.DB().Exec(
		st.DB().Rebind(`UPDATE task_run SET status = ?, end_time = ? WHERE run_id = ?`),
		models.RsCompleted, endTime.UTC(), runID)
	require.NoError(t, err)

	for i := 0; i < samples; i++ {
		sample := &models.ProcessMetricSample{
			RunID:      runID,
			Timestamp:  endTime.UTC().Add(time.Duration(-samples+i) * time.Minute),
			ProcessID:  101,
			Hostname:   "test-host",
			IsAlive:    true,
			CPUPercent: null.FloatFrom(2.5),
			DurationMS: 3,
		}
		require.NoError(t, st.InsertMetricSample(ctx, sample))
	}
	return runID
}

func TestCleanupOldMetrics(t *testing.T) {
	clearTestDB(t)
	ctx := context.Background()
	engine := retention.New(st)

	now := time.Now().UTC()
	oldRun := finishedRun(t, now.AddDate(0, 0, -31), 4)
	recentRun := finishedRun(t, now.AddDate(0, 0, -1), 2)

	results, err := engine.CleanupOldMetrics(ctx, 30, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, oldRun, results[0].RunID)
	assert.Equal(t, int64(4), results[0].MetricsDeleted)
	assert.True(t, results[0].DeletedAt.Valid)
	assert.NoError(t, results[0].Err)

	var count int
	require.NoError(t, st.DB().Get(&count,
		st.DB().Rebind(`SELECT COUNT(*) FROM process_metric WHERE run_id = ?`), oldRun))
	assert.Zero(t, count)

	// the recent run's samples survive untouched
	require.NoError(t, st.DB().Get(&count,
		st.DB().Rebind(`SELECT COUNT(*) FROM process_metric WHERE run_id = ?`), recentRun))
	assert.Equal(t, 2, count)

	record, err := st.GetRetentionRecord(ctx, oldRun)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.MetricsDeleted)
	assert.Equal(t, int64(4), record.MetricsCount.Int64)

	// a second pass finds nothing left to do
	results, err = engine.CleanupOldMetrics(ctx, 30, false)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCleanupDryRun(t *testing.T) {
	clearTestDB(t)
	ctx := context.Background()
	engine := retention.New(st)

	now := time.Now().UTC()
	oldRun := finishedRun(t, now.AddDate(0, 0, -31), 4)

	results, err := engine.CleanupOldMetrics(ctx, 30, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, oldRun, results[0].RunID)
	assert.Equal(t, int64(4), results[0].MetricsDeleted, "dry run reports what a real pass would delete")
	assert.True(t, results[0].DryRun)
	assert.False(t, results[0].DeletedAt.Valid)

	// nothing was actually removed or marked
	var count int
	require.NoError(t, st.DB().Get(&count,
		st.DB().Rebind(`SELECT COUNT(*) FROM process_metric WHERE run_id = ?`), oldRun))
	assert.Equal(t, 4, count)

	record, err := st.GetRetentionRecord(ctx, oldRun)
	require.NoError(t, err)
	assert.Nil(t, record)

	// dry run and real run agree on the candidate set
	applied, err := engine.CleanupOldMetrics(ctx, 30, false)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, results[0].RunID, applied[0].RunID)
	assert.Equal(t, results[0].MetricsDeleted, applied[0].MetricsDeleted)
}

func TestCleanupDefaultsRetentionDays(t *testing.T) {
	clearTestDB(t)
	ctx := context.Background()
	engine := retention.New(st)

	now := time.Now().UTC()
	finishedRun(t, now.AddDate(0, 0, -29), 1)
	oldRun := finishedRun(t, now.AddDate(0, 0, -31), 1)

	// zero falls back to the 30-day default
	results, err := engine.CleanupOldMetrics(ctx, 0, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, oldRun, results[0].RunID)
}

func TestScheduleRetentionDefaultsDays(t *testing.T) {
	clearTestDB(t)
	ctx := context.Background()
	engine := retention.New(st)

	runID := finishedRun(t, time.Now().UTC(), 0)
	completedAt := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, engine.ScheduleRetention(ctx, runID, completedAt, 0))

	record, err := st.GetRetentionRecord(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.WithinDuration(t, completedAt.AddDate(0, 0, retention.DefaultRetentionDays), record.DeleteAfter, time.Second)
}
