package events

import "time"

// CanonicalEvent represents a versioned domain event.
type CanonicalEvent interface {
	EventType() string
}

// CallStateChangedV1 is published on every call-record state change. Live
// operator clients consume it; they get the compact view, not the full row.
type CallStateChangedV1 struct {
	CallID          string    `json:"call_id"`
	Phone           string    `json:"phone"`
	PatientID       string    `json:"patient_id,omitempty"`
	Direction       string    `json:"direction"`
	LifecycleStatus string    `json:"lifecycle_status"`
	AnalysisStatus  string    `json:"analysis_status"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// EventType implements CanonicalEvent.
func (CallStateChangedV1) EventType() string { return "calls.state_changed.v1" }

// AnalysisCompletedV1 is appended when the pipeline reaches a terminal state.
type AnalysisCompletedV1 struct {
	CallID     string    `json:"call_id"`
	Status     string    `json:"status"` // complete or failed
	Category   string    `json:"category,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventType implements CanonicalEvent.
func (AnalysisCompletedV1) EventType() string { return "calls.analysis_completed.v1" }
