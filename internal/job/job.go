package job

import "time"

// State is the lifecycle state of a download job. Values mirror the
// engine's status ordinals plus the paused/stopped/error side states.
type State string

const (
	StateQueued              State = "queued"
	StateChecking            State = "checking"
	StateDownloadingMetadata State = "downloading_metadata"
	StateDownloading         State = "downloading"
	StateFinished            State = "finished"
	StateSeeding             State = "seeding"
	StateAllocating          State = "allocating"
	StateCheckingFastresume  State = "checking_fastresume"
	StatePaused              State = "paused"
	StateStopped             State = "stopped"
	StateError               State = "error"
)

// attachedStates are states in which the job is expected to hold a live
// engine handle.
var attachedStates = map[State]bool{
	StateQueued:              true,
	StateChecking:            true,
	StateDownloadingMetadata: true,
	StateDownloading:         true,
	StateFinished:            true,
	StateSeeding:             true,
	StateAllocating:          true,
	StateCheckingFastresume:  true,
}

// Attached reports whether s is a state driven by a live engine handle.
func (s State) Attached() bool { return attachedStates[s] }

// Terminal reports whether the repository considers the job done. Terminal
// jobs are never re-attached on startup.
func (s State) Terminal() bool {
	return s == StateError || s == StateStopped || s == StateFinished
}

var transitions = map[State][]State{
	StateQueued:              {StateChecking, StateDownloadingMetadata, StateDownloading, StateAllocating, StateCheckingFastresume},
	StateChecking:            {StateDownloadingMetadata, StateDownloading, StateAllocating, StateFinished, StateSeeding},
	StateDownloadingMetadata: {StateChecking, StateDownloading, StateAllocating},
	StateDownloading:         {StateChecking, StateFinished, StateSeeding},
	StateFinished:            {StateSeeding, StateChecking},
	StateSeeding:             {StateFinished},
	StateAllocating:          {StateChecking, StateDownloading, StateCheckingFastresume},
	StateCheckingFastresume:  {StateChecking, StateDownloadingMetadata, StateDownloading, StateFinished, StateSeeding, StateAllocating},
	StatePaused:              {StateQueued, StateChecking, StateCheckingFastresume, StateDownloadingMetadata, StateDownloading, StateFinished, StateSeeding},
	StateStopped:             {StateQueued, StateChecking, StateCheckingFastresume, StateDownloading},
	StateError:               {StateQueued},
}

// CanTransition reports whether from -> to is a legal edge. A self
// transition is always legal. Any attached state may move to paused,
// stopped, or error; those shortcuts are the only edges that skip the
// download progression.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	if from.Attached() && (to == StatePaused || to == StateStopped || to == StateError) {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Metrics holds ephemeral runtime figures for an attached job. Rates are
// kB/s, ETA is seconds remaining. Extra carries engine-specific fields
// that have no fixed slot.
type Metrics struct {
	DownloadRate    float64        `json:"download_rate"`
	UploadRate      float64        `json:"upload_rate"`
	Peers           int            `json:"num_peers"`
	ETA             *int64         `json:"eta,omitempty"`
	TotalDownloaded int64          `json:"total_downloaded"`
	TotalUploaded   int64          `json:"total_uploaded"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// Job is the durable record of one torrent download/seed task.
type Job struct {
	ID           string
	MovieTitle   string
	Quality      string
	Magnet       string
	SourceURL    string
	SavePath     string
	Sizes        []string
	State        State
	Progress     float64
	ErrorMessage string
	ResumeData   []byte
	Metrics      Metrics
	Streaming    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Status is the external snapshot of a job, merged from the durable record
// and, when attached, live engine figures.
type Status struct {
	ID           string    `json:"id"`
	MovieTitle   string    `json:"movie_title"`
	Quality      string    `json:"quality"`
	State        State     `json:"state"`
	Progress     float64   `json:"progress"`
	DownloadRate float64   `json:"download_rate"`
	UploadRate   float64   `json:"upload_rate"`
	Peers        int       `json:"num_peers"`
	ETA          *int64    `json:"eta,omitempty"`
	SavePath     string    `json:"save_path"`
	Streaming    bool      `json:"streaming"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ToStatus builds the snapshot from the durable record alone.
func (j *Job) ToStatus() Status {
	return Status{
		ID:           j.ID,
		MovieTitle:   j.MovieTitle,
		Quality:      j.Quality,
		State:        j.State,
		Progress:     j.Progress,
		DownloadRate: j.Metrics.DownloadRate,
		UploadRate:   j.Metrics.UploadRate,
		Peers:        j.Metrics.Peers,
		ETA:          j.Metrics.ETA,
		SavePath:     j.SavePath,
		Streaming:    j.Streaming,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// LogEntry is one append-only audit record for a job.
type LogEntry struct {
	ID           int64     `json:"id"`
	JobID        string    `json:"job_id"`
	Timestamp    time.Time `json:"timestamp"`
	Message      string    `json:"message"`
	Level        string    `json:"level"`
	State        State     `json:"state,omitempty"`
	Progress     float64   `json:"progress"`
	DownloadRate float64   `json:"download_rate"`
}
