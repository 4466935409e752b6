package engine

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
)

// torrentHandle wraps one attached anacrolix torrent. A background watch
// goroutine turns the torrent's lifecycle channels into session alerts.
type torrentHandle struct {
	jobID    string
	torrent  *torrent.Torrent
	session  *TorrentSession
	savePath string

	mu         sync.Mutex
	lastSample speedSample
	sequential bool

	stopOnce sync.Once
	done     chan struct{}
}

type speedSample struct {
	at      time.Time
	read    int64
	written int64
}

func (h *torrentHandle) JobID() string { return h.jobID }

func (h *torrentHandle) HasMetadata() bool { return h.torrent.Info() != nil }

// Stats derives transfer rates from deltas between cumulative counters,
// sampled at most once per call.
func (h *torrentHandle) Stats() Stats {
	st := h.torrent.Stats()
	read := st.BytesReadUsefulData.Int64()
	written := st.BytesWrittenData.Int64()
	now := time.Now()

	h.mu.Lock()
	var downRate, upRate float64
	if !h.lastSample.at.IsZero() {
		elapsed := now.Sub(h.lastSample.at).Seconds()
		if elapsed > 0 {
			downRate = float64(read-h.lastSample.read) / elapsed
			upRate = float64(written-h.lastSample.written) / elapsed
		}
	}
	h.lastSample = speedSample{at: now, read: read, written: written}
	h.mu.Unlock()

	stats := Stats{
		HasMetadata:  h.torrent.Info() != nil,
		DownloadRate: downRate,
		UploadRate:   upRate,
		TotalRead:    read,
		TotalWritten: written,
		Peers:        st.ActivePeers,
	}
	if stats.HasMetadata {
		stats.BytesCompleted = h.torrent.BytesCompleted()
		stats.Length = h.torrent.Length()
	}
	return stats
}

// Pause halts all transfer and disconnects peers without dropping the
// torrent.
func (h *torrentHandle) Pause() {
	h.torrent.DisallowDataDownload()
	h.torrent.DisallowDataUpload()
	h.torrent.SetMaxEstablishedConns(0)
}

func (h *torrentHandle) Resume() {
	h.torrent.AllowDataDownload()
	h.torrent.AllowDataUpload()
	h.torrent.SetMaxEstablishedConns(maxEstablishedConns)
	if h.torrent.Info() != nil {
		h.torrent.DownloadAll()
	}
}

// ResumeData serializes the torrent's metainfo. Re-attaching from this
// blob skips the metadata exchange; the file storage re-checks pieces
// already on disk.
func (h *torrentHandle) ResumeData() ([]byte, error) {
	if h.torrent.Info() == nil {
		return nil, opErr("resume data", ErrNoMetadata)
	}
	mi := h.torrent.Metainfo()
	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		return nil, opErr("resume data: encode", err)
	}
	return buf.Bytes(), nil
}

// SetSequential raises the priority of the leading piece window so
// playback can start before the download completes.
func (h *torrentHandle) SetSequential(enabled bool) {
	h.mu.Lock()
	h.sequential = enabled
	h.mu.Unlock()

	if h.torrent.Info() == nil {
		return
	}
	numPieces := h.torrent.NumPieces()
	window := pieceSelectionWindow
	if window > numPieces {
		window = numPieces
	}
	priority := torrent.PiecePriorityNormal
	if enabled {
		priority = torrent.PiecePriorityHigh
	}
	for i := 0; i < window; i++ {
		h.torrent.Piece(i).SetPriority(priority)
	}
}

func (h *torrentHandle) Files() []FileStatus {
	if h.torrent.Info() == nil {
		return nil
	}
	files := h.torrent.Files()
	out := make([]FileStatus, 0, len(files))
	for i, f := range files {
		out = append(out, FileStatus{
			Index:          i,
			Path:           f.Path(),
			Length:         f.Length(),
			BytesCompleted: f.BytesCompleted(),
		})
	}
	return out
}

// PrioritizeFiles raises the given indexes above every other file.
func (h *torrentHandle) PrioritizeFiles(indexes []int) {
	if h.torrent.Info() == nil {
		return
	}
	raised := make(map[int]bool, len(indexes))
	for _, i := range indexes {
		raised[i] = true
	}
	for i, f := range h.torrent.Files() {
		if raised[i] {
			f.SetPriority(torrent.PiecePriorityHigh)
		} else {
			f.SetPriority(torrent.PiecePriorityNormal)
		}
	}
}

// watch runs for the handle's lifetime: it announces metadata arrival,
// persists an initial resume blob, and detects completion.
func (h *torrentHandle) watch() {
	select {
	case <-h.torrent.GotInfo():
	case <-h.torrent.Closed():
		return
	case <-h.done:
		return
	}

	h.session.emit(Alert{JobID: h.jobID, Kind: AlertMetadataReceived})
	if blob, err := h.ResumeData(); err == nil {
		h.session.emit(Alert{JobID: h.jobID, Kind: AlertResumeData, ResumeData: blob})
	}

	h.torrent.DownloadAll()

	h.mu.Lock()
	sequential := h.sequential
	h.mu.Unlock()
	if sequential {
		h.SetSequential(true)
	}

	ticker := time.NewTicker(finishPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if h.torrent.BytesMissing() == 0 {
				h.session.emit(Alert{JobID: h.jobID, Kind: AlertFinished})
				return
			}
		case <-h.torrent.Closed():
			return
		case <-h.done:
			return
		}
	}
}

func (h *torrentHandle) stopWatch() {
	h.stopOnce.Do(func() { close(h.done) })
}

// deleteFiles removes the torrent's files from the save path after a
// detach that requested data deletion. Paths were captured before Drop.
func (h *torrentHandle) deleteFiles(paths []string) {
	if h.savePath == "" {
		return
	}
	dirs := make(map[string]bool)
	for _, p := range paths {
		full := filepath.Join(h.savePath, p)
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			h.session.logger.Error().Err(err).Str("path", full).Msg("Failed to delete file")
			continue
		}
		for dir := filepath.Dir(full); len(dir) > len(h.savePath); dir = filepath.Dir(dir) {
			dirs[dir] = true
		}
	}
	// Empty subdirectories left behind; os.Remove refuses non-empty ones.
	for dir := range dirs {
		_ = os.Remove(dir)
	}
}
