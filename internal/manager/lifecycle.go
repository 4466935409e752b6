package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"reelgrab/internal/catalog"
	"reelgrab/internal/engine"
	"reelgrab/internal/job"
)

// CreateJob resolves a catalog reference (movie page URL or title) to a
// torrent of the requested quality and starts downloading it. savePath
// overrides the default directory derived from the title when non-empty.
func (m *Manager) CreateJob(ctx context.Context, reference, quality, savePath string) (*job.Job, error) {
	cand, err := m.catalog.Resolve(ctx, reference)
	if err != nil {
		return nil, err
	}
	t, ok := catalog.MatchQuality(*cand, quality)
	if !ok {
		return nil, fmt.Errorf("%w: %q has no %s release", ErrQualityUnavailable, cand.Title, quality)
	}
	return m.startDownload(ctx, cand, t, savePath)
}

// StartDownload persists a queued job for the candidate's torrent in the
// default save location and attaches it to the engine.
func (m *Manager) StartDownload(ctx context.Context, cand *catalog.Candidate, t *catalog.Torrent) (*job.Job, error) {
	return m.startDownload(ctx, cand, t, "")
}

// startDownload persists a queued job for the candidate's torrent and
// attaches it to the engine. The job record survives an attach failure in
// the error state so the attempt stays visible.
func (m *Manager) startDownload(ctx context.Context, cand *catalog.Candidate, t *catalog.Torrent, savePath string) (*job.Job, error) {
	if savePath == "" {
		savePath = filepath.Join(m.cfg.DownloadDir, sanitizeDirName(cand.Title))
	}
	j := &job.Job{
		MovieTitle: cand.Title,
		Quality:    t.Quality,
		Magnet:     t.Magnet,
		SourceURL:  cand.Link,
		Sizes:      t.Sizes,
		SavePath:   savePath,
		State:      job.StateQueued,
	}
	if err := m.jobs.Create(ctx, j); err != nil {
		return nil, err
	}
	if err := m.jobs.AppendLog(ctx, job.LogEntry{
		JobID:   j.ID,
		Message: fmt.Sprintf("Download queued: %s [%s]", j.MovieTitle, j.Quality),
		State:   job.StateQueued,
	}); err != nil {
		m.logger.Error().Err(err).Str("jobID", j.ID).Msg("Failed to write job log")
	}

	if err := m.attach(ctx, j); err != nil {
		if serr := m.jobs.SetState(ctx, j.ID, job.StateError, err.Error()); serr != nil {
			m.logger.Error().Err(serr).Str("jobID", j.ID).Msg("Failed to persist attach error")
		}
		return nil, err
	}

	m.logger.Info().Str("jobID", j.ID).Str("title", j.MovieTitle).
		Str("quality", j.Quality).Msg("Download started")
	return j, nil
}

// Pause halts the job's transfer while keeping it attached. Returns false
// when no such job exists.
func (m *Manager) Pause(ctx context.Context, id string) (bool, error) {
	mu := m.lockJob(id)
	defer mu.Unlock()

	j, err := m.jobs.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}

	h, ok := m.handle(id)
	if !ok {
		// Detached jobs in a resting state have nothing to pause.
		return j.State == job.StatePaused || j.State == job.StateStopped, nil
	}

	h.Pause()
	if blob, rerr := h.ResumeData(); rerr == nil {
		if serr := m.jobs.SaveResumeData(ctx, id, blob); serr != nil {
			m.logger.Error().Err(serr).Str("jobID", id).Msg("Failed to save resume data")
		}
	}
	if err := m.jobs.SetState(ctx, id, job.StatePaused, ""); err != nil {
		return false, err
	}
	m.appendStateLog(ctx, id, job.StatePaused, "Download paused")
	return true, nil
}

// Resume restarts a paused, stopped or errored job; anything else is not
// a valid source state and the call reports false without side effects.
// Detached jobs are re-attached from their stored resume blob (or
// magnet); completed pieces on disk are re-checked, not re-fetched.
func (m *Manager) Resume(ctx context.Context, id string) (bool, error) {
	mu := m.lockJob(id)
	defer mu.Unlock()

	j, err := m.jobs.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}
	switch j.State {
	case job.StatePaused, job.StateStopped, job.StateError:
	default:
		return false, nil
	}

	if h, ok := m.handle(id); ok {
		h.Resume()
	} else {
		if err := m.attach(ctx, j); err != nil {
			if serr := m.jobs.SetState(ctx, id, job.StateError, err.Error()); serr != nil {
				m.logger.Error().Err(serr).Str("jobID", id).Msg("Failed to persist attach error")
			}
			return false, err
		}
	}

	if err := m.jobs.SetState(ctx, id, job.StateQueued, ""); err != nil {
		return false, err
	}
	m.appendStateLog(ctx, id, job.StateQueued, "Download resumed")
	return true, nil
}

// Stop detaches the job from the engine after saving resume data, leaving
// both the record and the files on disk. A stopped job can be resumed.
func (m *Manager) Stop(ctx context.Context, id string) (bool, error) {
	mu := m.lockJob(id)
	defer mu.Unlock()

	j, err := m.jobs.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}

	if h, ok := m.handle(id); ok {
		if blob, rerr := m.waitResumeData(h); rerr == nil {
			if serr := m.jobs.SaveResumeData(ctx, id, blob); serr != nil {
				m.logger.Error().Err(serr).Str("jobID", id).Msg("Failed to save resume data")
			}
		} else {
			m.logger.Warn().Err(rerr).Str("jobID", id).Msg("Stopping without resume data")
		}
		m.detach(id, false)
	}

	if err := m.jobs.SetState(ctx, id, job.StateStopped, ""); err != nil {
		return false, err
	}
	m.appendStateLog(ctx, id, job.StateStopped, "Download stopped")
	return true, nil
}

// Remove deletes the job record and, when asked, its downloaded files.
// Log entries go with the record via the cascade.
func (m *Manager) Remove(ctx context.Context, id string, deleteFiles bool) (bool, error) {
	mu := m.lockJob(id)
	defer mu.Unlock()

	j, err := m.jobs.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}

	m.detach(id, deleteFiles)

	if err := m.jobs.Delete(ctx, id); err != nil {
		return false, err
	}
	m.jobLocks.Delete(id)
	m.logger.Info().Str("jobID", id).Bool("deleteFiles", deleteFiles).Msg("Job removed")
	return true, nil
}

// GetStatus returns the job snapshot, merged with live engine figures when
// the job is attached.
func (m *Manager) GetStatus(ctx context.Context, id string) (*job.Status, error) {
	j, err := m.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrJobNotFound
	}
	status := j.ToStatus()
	if h, ok := m.handle(id); ok {
		mergeLiveStats(&status, h.Stats())
	}
	return &status, nil
}

func (m *Manager) ListStatuses(ctx context.Context) ([]job.Status, error) {
	jobs, err := m.jobs.List(ctx)
	if err != nil {
		return nil, err
	}
	statuses := make([]job.Status, 0, len(jobs))
	for i := range jobs {
		status := jobs[i].ToStatus()
		if h, ok := m.handle(jobs[i].ID); ok {
			mergeLiveStats(&status, h.Stats())
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (m *Manager) Logs(ctx context.Context, id string, limit int) ([]job.LogEntry, error) {
	j, err := m.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrJobNotFound
	}
	return m.jobs.Logs(ctx, id, limit)
}

func (m *Manager) CountActive(ctx context.Context) (int, error) {
	return m.jobs.CountActive(ctx)
}

func (m *Manager) appendStateLog(ctx context.Context, id string, state job.State, message string) {
	if err := m.jobs.AppendLog(ctx, job.LogEntry{JobID: id, Message: message, State: state}); err != nil {
		m.logger.Error().Err(err).Str("jobID", id).Msg("Failed to write job log")
	}
}

// mergeLiveStats overlays engine figures onto the durable snapshot. Rates
// are converted from bytes to kilobytes per second.
func mergeLiveStats(status *job.Status, stats engine.Stats) {
	status.DownloadRate = stats.DownloadRate / 1000
	status.UploadRate = stats.UploadRate / 1000
	status.Peers = stats.Peers
	if stats.HasMetadata && stats.Length > 0 {
		status.Progress = float64(stats.BytesCompleted) / float64(stats.Length) * 100
	}
	status.ETA = computeETA(status.State, stats)
}

// computeETA estimates seconds remaining; only meaningful mid-download
// with a nonzero rate.
func computeETA(state job.State, stats engine.Stats) *int64 {
	if state != job.StateDownloading || stats.DownloadRate <= 0 || !stats.HasMetadata {
		return nil
	}
	remaining := stats.Length - stats.BytesCompleted
	if remaining <= 0 {
		return nil
	}
	eta := int64(float64(remaining) / stats.DownloadRate)
	return &eta
}

func sanitizeDirName(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_",
		"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
	)
	cleaned := strings.TrimSpace(replacer.Replace(name))
	if cleaned == "" {
		cleaned = fmt.Sprintf("download-%d", time.Now().Unix())
	}
	return cleaned
}
