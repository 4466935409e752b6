package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"reelgrab/internal/catalog"
	"reelgrab/internal/config"
	"reelgrab/internal/engine"
	"reelgrab/internal/job"
	"reelgrab/internal/store"
)

// Manager owns the mapping between durable job records and live engine
// handles. It re-attaches surviving jobs on startup, reconciles engine
// state into the repository on a fixed interval, and saves resume data on
// the way down so the next start picks up where this one left off.
type Manager struct {
	cfg     *config.Config
	session engine.Session
	jobs    *store.JobStore
	catalog catalog.Provider
	logger  zerolog.Logger

	mu           sync.RWMutex
	attached     map[string]engine.Handle
	lastSnapshot map[string]time.Time

	// jobLocks serializes lifecycle mutations against the per-job section
	// of the reconciliation tick, one mutex per job ID.
	jobLocks sync.Map

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg *config.Config, session engine.Session, jobs *store.JobStore, provider catalog.Provider, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		session:      session,
		jobs:         jobs,
		catalog:      provider,
		logger:       log.With().Str("component", "manager").Logger(),
		attached:     make(map[string]engine.Handle),
		lastSnapshot: make(map[string]time.Time),
	}
}

// Start recovers jobs left active by the previous run and launches the
// reconciliation loop. A job that fails to re-attach is marked errored
// and skipped; one bad record never blocks startup.
func (m *Manager) Start(ctx context.Context) error {
	active, err := m.jobs.ListActive(ctx)
	if err != nil {
		return err
	}

	for i := range active {
		j := &active[i]
		if err := m.attach(ctx, j); err != nil {
			m.logger.Error().Err(err).Str("jobID", j.ID).Str("title", j.MovieTitle).
				Msg("Failed to recover job, marking as error")
			if serr := m.jobs.SetState(ctx, j.ID, job.StateError, "recovery failed: "+err.Error()); serr != nil {
				m.logger.Error().Err(serr).Str("jobID", j.ID).Msg("Failed to persist recovery error")
			}
			continue
		}
		m.logger.Info().Str("jobID", j.ID).Str("title", j.MovieTitle).
			Bool("hasResumeData", len(j.ResumeData) > 0).Msg("Recovered job")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(loopCtx)

	m.logger.Info().Int("recovered", len(m.snapshotHandles())).Msg("Manager started")
	return nil
}

// Shutdown stops reconciliation, captures resume data for every attached
// job and marks those jobs paused so the next start re-attaches them.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
		select {
		case <-m.done:
		case <-time.After(m.cfg.ShutdownGrace):
			m.logger.Warn().Msg("Reconcile loop did not stop in time")
		}
	}

	for _, h := range m.snapshotHandles() {
		id := h.JobID()
		if blob, err := m.waitResumeData(h); err == nil {
			if serr := m.jobs.SaveResumeData(ctx, id, blob); serr != nil {
				m.logger.Error().Err(serr).Str("jobID", id).Msg("Failed to save resume data")
			}
		}
		j, err := m.jobs.Get(ctx, id)
		if err != nil || j == nil {
			continue
		}
		if !j.State.Terminal() {
			if serr := m.jobs.SetState(ctx, id, job.StatePaused, ""); serr != nil {
				m.logger.Error().Err(serr).Str("jobID", id).Msg("Failed to mark job paused")
			}
		}
	}

	// A final drain catches resume-data alerts emitted during teardown.
	m.handleAlerts(ctx)

	if err := m.session.Close(); err != nil {
		m.logger.Error().Err(err).Msg("Engine close failed")
	}
	m.logger.Info().Msg("Manager shut down")
}

// attach registers the job's torrent with the engine and records the
// handle. The stored resume blob, when present, wins over the magnet.
func (m *Manager) attach(ctx context.Context, j *job.Job) error {
	h, err := m.session.Attach(engine.AttachRequest{
		JobID:      j.ID,
		Magnet:     j.Magnet,
		SavePath:   j.SavePath,
		ResumeData: j.ResumeData,
	})
	if err != nil {
		return err
	}
	if j.Streaming {
		h.SetSequential(true)
	}

	m.mu.Lock()
	m.attached[j.ID] = h
	m.mu.Unlock()
	return nil
}

// lockJob takes the job's mutex. Every read-translate-write sequence on a
// job record runs under it, so a pause landing mid-tick is never
// overwritten by the stale state the tick read before it.
func (m *Manager) lockJob(id string) *sync.Mutex {
	l, _ := m.jobLocks.LoadOrStore(id, &sync.Mutex{})
	mu := l.(*sync.Mutex)
	mu.Lock()
	return mu
}

func (m *Manager) handle(id string) (engine.Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.attached[id]
	return h, ok
}

func (m *Manager) detach(id string, deleteFiles bool) {
	m.mu.Lock()
	h, ok := m.attached[id]
	delete(m.attached, id)
	delete(m.lastSnapshot, id)
	m.mu.Unlock()
	if ok {
		m.session.Detach(h, deleteFiles)
	}
}

func (m *Manager) snapshotHandles() []engine.Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handles := make([]engine.Handle, 0, len(m.attached))
	for _, h := range m.attached {
		handles = append(handles, h)
	}
	return handles
}

// waitResumeData polls until the torrent can produce a resume blob or the
// configured timeout passes. Torrents still fetching metadata at timeout
// simply restart from their magnet next time.
func (m *Manager) waitResumeData(h engine.Handle) ([]byte, error) {
	deadline := time.Now().Add(m.cfg.ResumeDataTimeout)
	for {
		blob, err := h.ResumeData()
		if err == nil {
			return blob, nil
		}
		if !errors.Is(err, engine.ErrNoMetadata) || time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(200 * time.Millisecond)
	}
}
