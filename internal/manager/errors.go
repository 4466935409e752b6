package manager

import "errors"

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrQualityUnavailable = errors.New("requested quality not available")
	ErrTooManyDownloads   = errors.New("active download limit reached")
	ErrNotAttached        = errors.New("job has no live torrent")
)
