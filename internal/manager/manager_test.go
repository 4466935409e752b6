package manager

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelgrab/internal/catalog"
	"reelgrab/internal/config"
	"reelgrab/internal/engine"
	"reelgrab/internal/job"
	"reelgrab/internal/store"
)

type fakeHandle struct {
	mu          sync.Mutex
	id          string
	stats       engine.Stats
	paused      bool
	resumed     bool
	sequential  bool
	prioritized []int
	files       []engine.FileStatus
	resumeBlob  []byte
	resumeErr   error
}

func (h *fakeHandle) JobID() string { return h.id }

func (h *fakeHandle) Stats() engine.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *fakeHandle) HasMetadata() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats.HasMetadata
}

func (h *fakeHandle) Pause() {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
}

func (h *fakeHandle) Resume() {
	h.mu.Lock()
	h.resumed = true
	h.paused = false
	h.mu.Unlock()
}

func (h *fakeHandle) ResumeData() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resumeErr != nil {
		return nil, h.resumeErr
	}
	return h.resumeBlob, nil
}

func (h *fakeHandle) SetSequential(enabled bool) {
	h.mu.Lock()
	h.sequential = enabled
	h.mu.Unlock()
}

func (h *fakeHandle) Files() []engine.FileStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.files
}

func (h *fakeHandle) PrioritizeFiles(indexes []int) {
	h.mu.Lock()
	h.prioritized = indexes
	h.mu.Unlock()
}

func (h *fakeHandle) setStats(stats engine.Stats) {
	h.mu.Lock()
	h.stats = stats
	h.mu.Unlock()
}

type fakeSession struct {
	mu        sync.Mutex
	handles   map[string]*fakeHandle
	attachErr error
	detached  map[string]bool
	alerts    []engine.Alert
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		handles:  make(map[string]*fakeHandle),
		detached: make(map[string]bool),
	}
}

func (s *fakeSession) Attach(req engine.AttachRequest) (engine.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachErr != nil {
		return nil, s.attachErr
	}
	h := &fakeHandle{id: req.JobID, resumeBlob: []byte("blob-" + req.JobID)}
	s.handles[req.JobID] = h
	return h, nil
}

func (s *fakeSession) Detach(h engine.Handle, deleteFiles bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, h.JobID())
	s.detached[h.JobID()] = deleteFiles
}

func (s *fakeSession) DrainAlerts() []engine.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.alerts
	s.alerts = nil
	return out
}

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) handle(id string) *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

type fakeProvider struct {
	candidate *catalog.Candidate
	err       error
}

func (p *fakeProvider) Browse(ctx context.Context, criteria catalog.Criteria) ([]catalog.Candidate, error) {
	if p.err != nil {
		return nil, p.err
	}
	return []catalog.Candidate{*p.candidate}, nil
}

func (p *fakeProvider) Resolve(ctx context.Context, reference string) (*catalog.Candidate, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.candidate, nil
}

func testCandidate() *catalog.Candidate {
	return &catalog.Candidate{
		Title:  "Night Train",
		Year:   2019,
		Rating: "7.2 / 10",
		Link:   "https://example.org/movies/night-train",
		Torrents: []catalog.Torrent{
			{ID: "t1", Quality: "720p", Magnet: "magnet:?xt=urn:btih:aaa", Sizes: []string{"700 MB"}},
			{ID: "t2", Quality: "1080p", Magnet: "magnet:?xt=urn:btih:bbb", Sizes: []string{"1.4 GB"}},
		},
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeSession, *store.JobStore) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		DownloadDir:        t.TempDir(),
		MaxActiveDownloads: 3,
		ReconcileInterval:  50 * time.Millisecond,
		SnapshotInterval:   30 * time.Second,
		ResumeDataTimeout:  500 * time.Millisecond,
		ShutdownGrace:      time.Second,
		Seed:               true,
	}

	session := newFakeSession()
	jobs := store.NewJobStore(db)
	m := New(cfg, session, jobs, &fakeProvider{candidate: testCandidate()}, zerolog.Nop())
	return m, session, jobs
}

func TestCreateJobStartsDownload(t *testing.T) {
	m, session, jobs := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, "Night Train", "1080p", "")
	require.NoError(t, err)
	assert.Equal(t, "Night Train", j.MovieTitle)
	assert.Equal(t, "1080p", j.Quality)
	assert.Equal(t, job.StateQueued, j.State)
	assert.NotNil(t, session.handle(j.ID))

	stored, err := jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	logs, err := jobs.Logs(ctx, j.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Message, "queued")
}

func TestCreateJobQualityUnavailable(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.CreateJob(context.Background(), "Night Train", "2160p", "")
	assert.ErrorIs(t, err, ErrQualityUnavailable)
}

func TestCreateJobAttachFailureMarksError(t *testing.T) {
	m, session, jobs := newTestManager(t)
	session.attachErr = errors.New("listen port in use")
	ctx := context.Background()

	_, err := m.CreateJob(ctx, "Night Train", "1080p", "")
	require.Error(t, err)

	all, err := jobs.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, job.StateError, all[0].State)
	assert.Contains(t, all[0].ErrorMessage, "listen port")
}

func TestStartRecoversActiveJobs(t *testing.T) {
	m, session, jobs := newTestManager(t)
	ctx := context.Background()

	active := &job.Job{MovieTitle: "A", Magnet: "magnet:?xt=urn:btih:aaa",
		SavePath: t.TempDir(), State: job.StateDownloading, ResumeData: []byte("blob")}
	require.NoError(t, jobs.Create(ctx, active))
	done := &job.Job{MovieTitle: "B", Magnet: "magnet:?xt=urn:btih:bbb",
		SavePath: t.TempDir(), State: job.StateFinished}
	require.NoError(t, jobs.Create(ctx, done))

	require.NoError(t, m.Start(ctx))
	defer m.Shutdown(ctx)

	assert.NotNil(t, session.handle(active.ID))
	assert.Nil(t, session.handle(done.ID))
}

func TestStartRecoveryFailureMarksErrorAndContinues(t *testing.T) {
	m, session, jobs := newTestManager(t)
	session.attachErr = errors.New("corrupt resume data")
	ctx := context.Background()

	j := &job.Job{MovieTitle: "A", Magnet: "magnet:?xt=urn:btih:aaa",
		SavePath: t.TempDir(), State: job.StateDownloading}
	require.NoError(t, jobs.Create(ctx, j))

	require.NoError(t, m.Start(ctx))
	defer m.Shutdown(ctx)

	stored, err := jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateError, stored.State)
	assert.Contains(t, stored.ErrorMessage, "recovery failed")
}

func TestPauseAndResume(t *testing.T) {
	m, session, jobs := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, "Night Train", "720p", "")
	require.NoError(t, err)
	h := session.handle(j.ID)

	ok, err := m.Pause(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, h.paused)

	stored, _ := jobs.Get(ctx, j.ID)
	assert.Equal(t, job.StatePaused, stored.State)
	assert.NotEmpty(t, stored.ResumeData)

	ok, err = m.Resume(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, h.resumed)

	stored, _ = jobs.Get(ctx, j.ID)
	assert.Equal(t, job.StateQueued, stored.State)
}

func TestStopDetachesAndKeepsRecord(t *testing.T) {
	m, session, jobs := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, "Night Train", "720p", "")
	require.NoError(t, err)

	ok, err := m.Stop(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, session.handle(j.ID))
	assert.False(t, session.detached[j.ID], "stop must not delete files")

	stored, _ := jobs.Get(ctx, j.ID)
	require.NotNil(t, stored)
	assert.Equal(t, job.StateStopped, stored.State)
	assert.NotEmpty(t, stored.ResumeData)
}

func TestResumeReattachesStoppedJob(t *testing.T) {
	m, session, _ := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, "Night Train", "720p", "")
	require.NoError(t, err)

	_, err = m.Stop(ctx, j.ID)
	require.NoError(t, err)
	require.Nil(t, session.handle(j.ID))

	ok, err := m.Resume(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, session.handle(j.ID))
}

func TestRemoveDeletesRecordAndOptionallyFiles(t *testing.T) {
	m, session, jobs := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, "Night Train", "720p", "")
	require.NoError(t, err)

	ok, err := m.Remove(ctx, j.ID, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, session.detached[j.ID])

	stored, err := jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	ok, err = m.Remove(ctx, "no-such-job", false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLifecycleOpsOnMissingJob(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	for _, op := range []func(context.Context, string) (bool, error){m.Pause, m.Resume, m.Stop} {
		ok, err := op(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestSyncJobsTranslatesStateAndProgress(t *testing.T) {
	m, session, jobs := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, "Night Train", "720p", "")
	require.NoError(t, err)
	h := session.handle(j.ID)

	// Metadata still missing.
	m.syncJobs(ctx)
	stored, _ := jobs.Get(ctx, j.ID)
	assert.Equal(t, job.StateDownloadingMetadata, stored.State)

	// Mid download.
	h.setStats(engine.Stats{HasMetadata: true, Length: 1000, BytesCompleted: 400, DownloadRate: 50000})
	m.syncJobs(ctx)
	stored, _ = jobs.Get(ctx, j.ID)
	assert.Equal(t, job.StateDownloading, stored.State)
	assert.InDelta(t, 40.0, stored.Progress, 0.01)
	assert.InDelta(t, 50.0, stored.Metrics.DownloadRate, 0.01, "rate stored as kB/s")

	// Complete; Seed=true so the job moves to seeding at 100%.
	h.setStats(engine.Stats{HasMetadata: true, Length: 1000, BytesCompleted: 1000})
	m.syncJobs(ctx)
	stored, _ = jobs.Get(ctx, j.ID)
	assert.Equal(t, job.StateSeeding, stored.State)
	assert.Equal(t, 100.0, stored.Progress)
}

func TestSyncJobsProgressNeverDecreases(t *testing.T) {
	m, session, jobs := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, "Night Train", "720p", "")
	require.NoError(t, err)
	h := session.handle(j.ID)

	h.setStats(engine.Stats{HasMetadata: true, Length: 1000, BytesCompleted: 600})
	m.syncJobs(ctx)

	// A re-check reports less completed data than before.
	h.setStats(engine.Stats{HasMetadata: true, Length: 1000, BytesCompleted: 200})
	m.syncJobs(ctx)

	stored, _ := jobs.Get(ctx, j.ID)
	assert.InDelta(t, 60.0, stored.Progress, 0.01)
}

func TestPauseSurvivesConcurrentReconcile(t *testing.T) {
	m, session, jobs := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, "Night Train", "720p", "")
	require.NoError(t, err)
	session.handle(j.ID).setStats(engine.Stats{
		HasMetadata: true, Length: 1000, BytesCompleted: 400, DownloadRate: 50000,
	})

	// Hammer the reconcile path while the pause lands somewhere inside it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			m.syncJobs(ctx)
		}
	}()
	time.Sleep(time.Millisecond)
	ok, err := m.Pause(ctx, j.ID)
	require.NoError(t, err)
	require.True(t, ok)
	<-done

	// Ticks after the pause must leave the stored state alone.
	m.syncJobs(ctx)
	stored, _ := jobs.Get(ctx, j.ID)
	assert.Equal(t, job.StatePaused, stored.State)
}

func TestResumeRejectsRunningJob(t *testing.T) {
	m, session, jobs := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, "Night Train", "720p", "")
	require.NoError(t, err)
	session.handle(j.ID).setStats(engine.Stats{HasMetadata: true, Length: 1000, BytesCompleted: 400})
	m.syncJobs(ctx)

	stored, _ := jobs.Get(ctx, j.ID)
	require.Equal(t, job.StateDownloading, stored.State)

	ok, err := m.Resume(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, _ = jobs.Get(ctx, j.ID)
	assert.Equal(t, job.StateDownloading, stored.State)
}

func TestSyncJobsSkipsPausedJobs(t *testing.T) {
	m, session, jobs := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, "Night Train", "720p", "")
	require.NoError(t, err)
	_, err = m.Pause(ctx, j.ID)
	require.NoError(t, err)

	session.handle(j.ID).setStats(engine.Stats{HasMetadata: true, Length: 1000, BytesCompleted: 500})
	m.syncJobs(ctx)

	stored, _ := jobs.Get(ctx, j.ID)
	assert.Equal(t, job.StatePaused, stored.State)
}

func TestHandleAlertsPersistsResumeData(t *testing.T) {
	m, session, jobs := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, "Night Train", "720p", "")
	require.NoError(t, err)

	session.mu.Lock()
	session.alerts = []engine.Alert{
		{JobID: j.ID, Kind: engine.AlertMetadataReceived},
		{JobID: j.ID, Kind: engine.AlertResumeData, ResumeData: []byte("fresh-blob")},
	}
	session.mu.Unlock()

	m.handleAlerts(ctx)

	stored, _ := jobs.Get(ctx, j.ID)
	assert.Equal(t, []byte("fresh-blob"), stored.ResumeData)
}

func TestHandleAlertsErrorDetaches(t *testing.T) {
	m, session, jobs := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, "Night Train", "720p", "")
	require.NoError(t, err)

	session.mu.Lock()
	session.alerts = []engine.Alert{{JobID: j.ID, Kind: engine.AlertError, Message: "tracker failure"}}
	session.mu.Unlock()

	m.handleAlerts(ctx)

	stored, _ := jobs.Get(ctx, j.ID)
	assert.Equal(t, job.StateError, stored.State)
	assert.Equal(t, "tracker failure", stored.ErrorMessage)
	assert.Nil(t, session.handle(j.ID))
}

func TestShutdownMarksAttachedJobsPaused(t *testing.T) {
	m, _, jobs := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	j, err := m.CreateJob(ctx, "Night Train", "720p", "")
	require.NoError(t, err)

	m.Shutdown(ctx)

	stored, _ := jobs.Get(ctx, j.ID)
	assert.Equal(t, job.StatePaused, stored.State)
	assert.NotEmpty(t, stored.ResumeData)
}

func TestPrioritizeStreamingRequiresMetadata(t *testing.T) {
	m, session, jobs := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, "Night Train", "720p", "")
	require.NoError(t, err)
	h := session.handle(j.ID)

	ok, err := m.PrioritizeStreaming(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, ok, "no-op before metadata")
	assert.False(t, h.sequential)

	h.setStats(engine.Stats{HasMetadata: true, Length: 1000})
	h.files = []engine.FileStatus{
		{Index: 0, Path: "sample.txt", Length: 10},
		{Index: 1, Path: "movie.mkv", Length: 900},
	}

	ok, err = m.PrioritizeStreaming(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, h.sequential)
	assert.Equal(t, []int{1}, h.prioritized)

	stored, _ := jobs.Get(ctx, j.ID)
	assert.True(t, stored.Streaming)
}

func TestGetPrimaryVideoFile(t *testing.T) {
	m, session, _ := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, "Night Train", "720p", "")
	require.NoError(t, err)
	h := session.handle(j.ID)
	h.setStats(engine.Stats{HasMetadata: true})
	h.files = []engine.FileStatus{
		{Index: 0, Path: "extras/trailer.mp4", Length: 100, BytesCompleted: 100},
		{Index: 1, Path: "movie.mkv", Length: 900, BytesCompleted: 450},
		{Index: 2, Path: "subs.srt", Length: 5},
	}

	vf, err := m.GetPrimaryVideoFile(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, vf)
	assert.Equal(t, filepath.Join(j.SavePath, "movie.mkv"), vf.Path)
	assert.Equal(t, int64(900), vf.Size)
	assert.InDelta(t, 50.0, vf.Progress, 0.01)
}

func TestGetStatusMergesLiveStats(t *testing.T) {
	m, session, jobs := newTestManager(t)
	ctx := context.Background()

	j, err := m.CreateJob(ctx, "Night Train", "720p", "")
	require.NoError(t, err)
	require.NoError(t, jobs.SetState(ctx, j.ID, job.StateDownloading, ""))

	session.handle(j.ID).setStats(engine.Stats{
		HasMetadata: true, Length: 2000, BytesCompleted: 500,
		DownloadRate: 100000, Peers: 12,
	})

	status, err := m.GetStatus(ctx, j.ID)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, status.Progress, 0.01)
	assert.InDelta(t, 100.0, status.DownloadRate, 0.01)
	assert.Equal(t, 12, status.Peers)
	require.NotNil(t, status.ETA)
	assert.Equal(t, int64(0), *status.ETA) // 1500 bytes at 100 kB/s rounds down to 0s

	_, err = m.GetStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
