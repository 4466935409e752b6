package engine

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedSource = errors.New("malformed torrent source")
	ErrSavePath        = errors.New("save path not writable")
	ErrNoMetadata      = errors.New("torrent metadata not available")
	ErrSessionClosed   = errors.New("engine session closed")
)

// Error is the typed failure surfaced by the engine session. Op names the
// engine operation that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opErr(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}
