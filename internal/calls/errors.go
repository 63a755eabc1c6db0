package calls

import "errors"

var (
	// ErrCallNotFound is returned when a call record does not exist.
	ErrCallNotFound = errors.New("call record not found")

	// ErrNoOpenCall is returned when no ringing record matches an end-event
	// within the correlation window. Callers treat this as a normal no-op.
	ErrNoOpenCall = errors.New("no open ringing call in window")

	// ErrNotConnected is returned when a recording is attached to a record
	// that never connected.
	ErrNotConnected = errors.New("call record is not connected")

	// ErrAnalysisConflict is returned when a conditional analysis transition
	// matched no rows; the record is not in the expected state.
	ErrAnalysisConflict = errors.New("analysis status conflict")
)
