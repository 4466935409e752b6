package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelgrab/internal/catalog"
	"reelgrab/internal/job"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestJob(title string) *job.Job {
	return &job.Job{
		MovieTitle: title,
		Quality:    "1080p",
		Magnet:     "magnet:?xt=urn:btih:deadbeef",
		SourceURL:  "https://example.org/movies/" + title,
		SavePath:   "/downloads/" + title,
		Sizes:      []string{"1.9 GB", "2.1 GB"},
	}
}

func TestJobCreateAndGet(t *testing.T) {
	db := openTestDB(t)
	jobs := NewJobStore(db)
	ctx := context.Background()

	j := newTestJob("Heat")
	require.NoError(t, jobs.Create(ctx, j))
	require.NotEmpty(t, j.ID)
	assert.Equal(t, job.StateQueued, j.State)

	got, err := jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Heat", got.MovieTitle)
	assert.Equal(t, []string{"1.9 GB", "2.1 GB"}, got.Sizes)
	assert.Equal(t, job.StateQueued, got.State)
}

func TestJobGetMissingReturnsNil(t *testing.T) {
	db := openTestDB(t)
	jobs := NewJobStore(db)

	got, err := jobs.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJobListActiveExcludesTerminal(t *testing.T) {
	db := openTestDB(t)
	jobs := NewJobStore(db)
	ctx := context.Background()

	active := newTestJob("active")
	done := newTestJob("done")
	failed := newTestJob("failed")
	stopped := newTestJob("stopped")
	for _, j := range []*job.Job{active, done, failed, stopped} {
		require.NoError(t, jobs.Create(ctx, j))
	}
	require.NoError(t, jobs.SetState(ctx, done.ID, job.StateFinished, ""))
	require.NoError(t, jobs.SetState(ctx, failed.ID, job.StateError, "tracker unreachable"))
	require.NoError(t, jobs.SetState(ctx, stopped.ID, job.StateStopped, ""))

	list, err := jobs.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, active.ID, list[0].ID)

	n, err := jobs.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJobErrorMessageOnlyInErrorState(t *testing.T) {
	db := openTestDB(t)
	jobs := NewJobStore(db)
	ctx := context.Background()

	j := newTestJob("err")
	require.NoError(t, jobs.Create(ctx, j))

	require.NoError(t, jobs.SetState(ctx, j.ID, job.StateError, "boom"))
	got, err := jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", got.ErrorMessage)

	require.NoError(t, jobs.SetState(ctx, j.ID, job.StateQueued, "stale"))
	got, err = jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ErrorMessage)
}

func TestJobStatusAndResumeDataRoundTrip(t *testing.T) {
	db := openTestDB(t)
	jobs := NewJobStore(db)
	ctx := context.Background()

	j := newTestJob("resume")
	require.NoError(t, jobs.Create(ctx, j))

	eta := int64(300)
	metrics := job.Metrics{DownloadRate: 850.5, UploadRate: 12, Peers: 31, ETA: &eta}
	require.NoError(t, jobs.UpdateStatus(ctx, j.ID, job.StateDownloading, 37.5, metrics))
	require.NoError(t, jobs.SaveResumeData(ctx, j.ID, []byte("d8:announce0:e")))

	got, err := jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateDownloading, got.State)
	assert.Equal(t, 37.5, got.Progress)
	assert.Equal(t, 31, got.Metrics.Peers)
	require.NotNil(t, got.Metrics.ETA)
	assert.Equal(t, int64(300), *got.Metrics.ETA)
	assert.Equal(t, []byte("d8:announce0:e"), got.ResumeData)
}

func TestJobDeleteCascadesLogs(t *testing.T) {
	db := openTestDB(t)
	jobs := NewJobStore(db)
	ctx := context.Background()

	j := newTestJob("cascade")
	require.NoError(t, jobs.Create(ctx, j))
	for i := 0; i < 3; i++ {
		require.NoError(t, jobs.AppendLog(ctx, job.LogEntry{
			JobID:   j.ID,
			Message: "progress",
			State:   job.StateDownloading,
		}))
	}

	logs, err := jobs.Logs(ctx, j.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 3)

	require.NoError(t, jobs.Delete(ctx, j.ID))

	logs, err = jobs.Logs(ctx, j.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)

	got, err := jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func newTestSchedule(name string) *Schedule {
	return &Schedule{
		Name:           name,
		CronExpression: "0 3 * * *",
		Criteria:       catalog.Criteria{Genre: "action", Rating: 7},
		Quality:        "1080p",
		MaxDownloads:   2,
		Enabled:        true,
		NextRun:        time.Now().UTC().Add(time.Hour),
	}
}

func TestScheduleCreateGetUpdateDelete(t *testing.T) {
	db := openTestDB(t)
	schedules := NewScheduleStore(db)
	ctx := context.Background()

	sched := newTestSchedule("nightly")
	require.NoError(t, schedules.Create(ctx, sched))
	require.NotEmpty(t, sched.ID)

	got, err := schedules.Get(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "nightly", got.Name)
	assert.Equal(t, "action", got.Criteria.Genre)

	got.Quality = "2160p"
	ok, err := schedules.Update(ctx, got)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = schedules.Delete(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = schedules.Delete(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduleMarkRunningIsExclusive(t *testing.T) {
	db := openTestDB(t)
	schedules := NewScheduleStore(db)
	ctx := context.Background()

	sched := newTestSchedule("exclusive")
	require.NoError(t, schedules.Create(ctx, sched))

	ok, err := schedules.MarkRunning(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = schedules.MarkRunning(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second mark must lose the guard")

	// Clearing the flag re-arms the guard.
	require.NoError(t, schedules.SetRunResult(ctx, sched.ID, time.Now(), time.Now().Add(time.Hour), "completed"))
	ok, err = schedules.MarkRunning(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScheduleListDue(t *testing.T) {
	db := openTestDB(t)
	schedules := NewScheduleStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	due := newTestSchedule("due")
	due.NextRun = now.Add(-time.Minute)
	future := newTestSchedule("future")
	future.NextRun = now.Add(time.Hour)
	disabled := newTestSchedule("disabled")
	disabled.NextRun = now.Add(-time.Minute)
	disabled.Enabled = false
	running := newTestSchedule("running")
	running.NextRun = now.Add(-time.Minute)

	for _, s := range []*Schedule{due, future, disabled, running} {
		require.NoError(t, schedules.Create(ctx, s))
	}
	ok, err := schedules.MarkRunning(ctx, running.ID)
	require.NoError(t, err)
	require.True(t, ok)

	list, err := schedules.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, due.ID, list[0].ID)
}

func TestSweepRunning(t *testing.T) {
	db := openTestDB(t)
	schedules := NewScheduleStore(db)
	ctx := context.Background()

	stuck := newTestSchedule("stuck")
	idle := newTestSchedule("idle")
	require.NoError(t, schedules.Create(ctx, stuck))
	require.NoError(t, schedules.Create(ctx, idle))
	ok, err := schedules.MarkRunning(ctx, stuck.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := schedules.SweepRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{stuck.ID}, ids)

	got, err := schedules.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, got.LastRunStatus)

	// next_run untouched, so the schedule remains computable and runnable.
	assert.WithinDuration(t, stuck.NextRun, got.NextRun, time.Second)

	ids, err = schedules.SweepRunning(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestScheduleDeleteCascadesLogs(t *testing.T) {
	db := openTestDB(t)
	schedules := NewScheduleStore(db)
	ctx := context.Background()

	sched := newTestSchedule("cascade")
	require.NoError(t, schedules.Create(ctx, sched))
	require.NoError(t, schedules.AppendLog(ctx, ScheduleLogEntry{
		ScheduleID: sched.ID,
		Status:     "completed",
		Results:    map[string]any{"movies_found": 5, "downloads_started": 2},
	}))

	logs, err := schedules.Logs(ctx, sched.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.EqualValues(t, 5, logs[0].Results["movies_found"])

	ok, err := schedules.Delete(ctx, sched.ID)
	require.NoError(t, err)
	require.True(t, ok)

	logs, err = schedules.Logs(ctx, sched.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}
