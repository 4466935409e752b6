package manager

import (
	"context"
	"path/filepath"
	"strings"

	"reelgrab/internal/engine"
)

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".mov":  true,
	".webm": true,
	".ogv":  true,
	".wmv":  true,
	".flv":  true,
	".m4v":  true,
}

// VideoFile points at the job's main playable file inside its save path.
type VideoFile struct {
	Path       string  `json:"path"`
	Size       int64   `json:"size"`
	Downloaded int64   `json:"downloaded"`
	Progress   float64 `json:"progress"`
}

// PrioritizeStreaming switches the job to sequential download and raises
// its video files above everything else, so playback can start early.
// Returns false while the torrent has no metadata yet; callers retry.
func (m *Manager) PrioritizeStreaming(ctx context.Context, id string) (bool, error) {
	mu := m.lockJob(id)
	defer mu.Unlock()

	j, err := m.jobs.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, ErrJobNotFound
	}
	h, ok := m.handle(id)
	if !ok {
		return false, ErrNotAttached
	}
	if !h.HasMetadata() {
		return false, nil
	}

	h.SetSequential(true)
	var videoIndexes []int
	for _, f := range h.Files() {
		if isVideoFile(f.Path) {
			videoIndexes = append(videoIndexes, f.Index)
		}
	}
	if len(videoIndexes) > 0 {
		h.PrioritizeFiles(videoIndexes)
	}

	if err := m.jobs.SetStreaming(ctx, id, true); err != nil {
		return false, err
	}
	m.logger.Info().Str("jobID", id).Int("videoFiles", len(videoIndexes)).
		Msg("Streaming priority enabled")
	return true, nil
}

// GetPrimaryVideoFile returns the largest video file in the job's
// torrent, with its absolute path under the save path. ErrNotAttached
// when the job has no live handle, nil when metadata hasn't arrived.
func (m *Manager) GetPrimaryVideoFile(ctx context.Context, id string) (*VideoFile, error) {
	j, err := m.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrJobNotFound
	}
	h, ok := m.handle(id)
	if !ok {
		return nil, ErrNotAttached
	}
	if !h.HasMetadata() {
		return nil, nil
	}

	var best *engine.FileStatus
	for _, f := range h.Files() {
		if !isVideoFile(f.Path) {
			continue
		}
		f := f
		if best == nil || f.Length > best.Length {
			best = &f
		}
	}
	if best == nil {
		return nil, nil
	}

	vf := &VideoFile{
		Path:       filepath.Join(j.SavePath, best.Path),
		Size:       best.Length,
		Downloaded: best.BytesCompleted,
	}
	if best.Length > 0 {
		vf.Progress = float64(best.BytesCompleted) / float64(best.Length) * 100
	}
	return vf, nil
}

func isVideoFile(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}
