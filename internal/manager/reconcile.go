package manager

import (
	"context"
	"fmt"
	"time"

	"reelgrab/internal/engine"
	"reelgrab/internal/job"
)

// run is the reconciliation loop: every tick it drains engine alerts and
// folds live torrent state back into the repository.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.handleAlerts(ctx)
			m.syncJobs(ctx)
		}
	}
}

func (m *Manager) handleAlerts(ctx context.Context) {
	for _, a := range m.session.DrainAlerts() {
		m.handleAlert(ctx, a)
	}
}

func (m *Manager) handleAlert(ctx context.Context, a engine.Alert) {
	mu := m.lockJob(a.JobID)
	defer mu.Unlock()

	switch a.Kind {
	case engine.AlertResumeData:
		if err := m.jobs.SaveResumeData(ctx, a.JobID, a.ResumeData); err != nil {
			m.logger.Error().Err(err).Str("jobID", a.JobID).Msg("Failed to save resume data")
		}
	case engine.AlertMetadataReceived:
		m.appendStateLog(ctx, a.JobID, job.StateDownloading, "Metadata received")
	case engine.AlertFinished:
		m.appendStateLog(ctx, a.JobID, job.StateFinished, "Download finished")
	case engine.AlertError:
		m.logger.Error().Str("jobID", a.JobID).Str("error", a.Message).Msg("Engine reported error")
		if err := m.jobs.SetState(ctx, a.JobID, job.StateError, a.Message); err != nil {
			m.logger.Error().Err(err).Str("jobID", a.JobID).Msg("Failed to persist engine error")
		}
		m.detach(a.JobID, false)
	}
}

// syncJobs walks every attached handle and persists its translated state,
// progress and metrics. Handles whose record vanished or was moved to a
// resting state by the user are pruned instead of updated.
func (m *Manager) syncJobs(ctx context.Context) {
	for _, h := range m.snapshotHandles() {
		m.syncJob(ctx, h)
	}
}

// syncJob reconciles one handle under its job lock, so a concurrent
// pause/resume/stop never interleaves with the read-translate-write here.
func (m *Manager) syncJob(ctx context.Context, h engine.Handle) {
	id := h.JobID()
	mu := m.lockJob(id)
	defer mu.Unlock()

	j, err := m.jobs.Get(ctx, id)
	if err != nil {
		m.logger.Error().Err(err).Str("jobID", id).Msg("Reconcile read failed")
		return
	}
	if j == nil {
		m.detach(id, false)
		return
	}
	if !j.State.Attached() {
		// User paused/stopped/errored the job; the handle for stopped
		// and errored jobs is already gone, paused stays attached.
		if j.State != job.StatePaused {
			m.detach(id, false)
		}
		return
	}

	stats := h.Stats()
	state := translateState(stats, m.cfg.Seed)
	if !job.CanTransition(j.State, state) {
		return
	}

	progress := j.Progress
	if stats.HasMetadata && stats.Length > 0 {
		live := float64(stats.BytesCompleted) / float64(stats.Length) * 100
		// Progress never moves backwards; re-checks report partial
		// completion while they scan.
		if live > progress {
			progress = live
		}
	}
	if state == job.StateFinished || state == job.StateSeeding {
		progress = 100
	}

	metrics := job.Metrics{
		DownloadRate:    stats.DownloadRate / 1000,
		UploadRate:      stats.UploadRate / 1000,
		Peers:           stats.Peers,
		TotalDownloaded: stats.TotalRead,
		TotalUploaded:   stats.TotalWritten,
		ETA:             computeETA(state, stats),
	}

	if err := m.jobs.UpdateStatus(ctx, id, state, progress, metrics); err != nil {
		m.logger.Error().Err(err).Str("jobID", id).Msg("Reconcile write failed")
		return
	}

	m.maybeSnapshot(ctx, id, state, progress, metrics.DownloadRate)
}

// translateState maps live engine figures onto the job state machine.
func translateState(stats engine.Stats, seed bool) job.State {
	switch {
	case !stats.HasMetadata:
		return job.StateDownloadingMetadata
	case stats.Length > 0 && stats.BytesCompleted >= stats.Length:
		if seed {
			return job.StateSeeding
		}
		return job.StateFinished
	default:
		return job.StateDownloading
	}
}

// maybeSnapshot appends a periodic progress line to the job's log, rate
// limited to one entry per snapshot interval per job.
func (m *Manager) maybeSnapshot(ctx context.Context, id string, state job.State, progress, rate float64) {
	m.mu.Lock()
	last, ok := m.lastSnapshot[id]
	now := time.Now()
	if ok && now.Sub(last) < m.cfg.SnapshotInterval {
		m.mu.Unlock()
		return
	}
	m.lastSnapshot[id] = now
	m.mu.Unlock()

	entry := job.LogEntry{
		JobID:        id,
		Message:      fmt.Sprintf("%s: %.1f%% at %.1f kB/s", state, progress, rate),
		State:        state,
		Progress:     progress,
		DownloadRate: rate,
	}
	if err := m.jobs.AppendLog(ctx, entry); err != nil {
		m.logger.Error().Err(err).Str("jobID", id).Msg("Failed to write snapshot log")
	}
}
