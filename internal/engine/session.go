package engine

// The Session interface is the single process-wide handle to the native
// BitTorrent engine. The orchestrator is its only caller; everything
// engine-specific stays behind it.

// AlertKind tags asynchronous engine events.
type AlertKind string

const (
	AlertMetadataReceived AlertKind = "metadata_received"
	AlertFinished         AlertKind = "finished"
	AlertResumeData       AlertKind = "resume_data"
	AlertError            AlertKind = "error"
)

// Alert is one asynchronous engine event, attributed to a job.
type Alert struct {
	JobID      string
	Kind       AlertKind
	ResumeData []byte
	Message    string
}

// Stats is a point-in-time snapshot of one attached torrent. Rates are
// bytes per second.
type Stats struct {
	HasMetadata    bool
	BytesCompleted int64
	Length         int64
	DownloadRate   float64
	UploadRate     float64
	TotalRead      int64
	TotalWritten   int64
	Peers          int
}

// FileStatus describes one file inside an attached torrent. Path is
// relative to the torrent's save path.
type FileStatus struct {
	Index          int
	Path           string
	Length         int64
	BytesCompleted int64
}

// AttachRequest carries everything needed to register a torrent with the
// engine. ResumeData, when present, takes precedence over Magnet and
// skips the metadata exchange.
type AttachRequest struct {
	JobID      string
	Magnet     string
	SavePath   string
	ResumeData []byte
}

// Handle is one attached torrent. All methods are safe for concurrent
// use; mutations are serialized by the orchestrator's per-job locks.
type Handle interface {
	JobID() string
	Stats() Stats
	HasMetadata() bool

	// Pause disconnects peers and halts transfer without detaching.
	Pause()
	Resume()

	// ResumeData returns the blob that re-attaches this torrent without
	// re-fetching metadata. Fails with ErrNoMetadata before the metadata
	// exchange completes.
	ResumeData() ([]byte, error)

	// SetSequential biases piece selection toward in-order download.
	SetSequential(enabled bool)

	Files() []FileStatus

	// PrioritizeFiles raises the given file indexes above all other
	// files in the torrent.
	PrioritizeFiles(indexes []int)
}

// Session owns the engine for the process lifetime.
type Session interface {
	Attach(req AttachRequest) (Handle, error)
	Detach(h Handle, deleteFiles bool)

	// DrainAlerts returns all pending engine events without blocking.
	DrainAlerts() []Alert

	Close() error
}
