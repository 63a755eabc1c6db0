package calls

import "time"

// Direction distinguishes who originated the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ParseDirection normalizes a raw direction string, defaulting to inbound.
// Bridge payloads omit the field for regular patient calls.
func ParseDirection(raw string) Direction {
	if raw == string(DirectionOutbound) {
		return DirectionOutbound
	}
	return DirectionInbound
}

// LifecycleStatus tracks whether a call rang, connected, or was missed.
type LifecycleStatus string

const (
	LifecycleRinging   LifecycleStatus = "ringing"
	LifecycleConnected LifecycleStatus = "connected"
	LifecycleMissed    LifecycleStatus = "missed"
)

// CanTransitionLifecycle reports whether the lifecycle move is legal.
// Connected and missed are terminal; the event stream is unreliable, so
// illegal moves are rejected as no-ops by callers, never raised as errors.
func CanTransitionLifecycle(from, to LifecycleStatus) bool {
	if from == to {
		return false
	}
	return from == LifecycleRinging && (to == LifecycleConnected || to == LifecycleMissed)
}

// AnalysisStatus is the pipeline progress for a connected call's recording.
type AnalysisStatus string

const (
	AnalysisPending      AnalysisStatus = "pending"
	AnalysisTranscribing AnalysisStatus = "transcribing"
	AnalysisTranscribed  AnalysisStatus = "transcribed"
	AnalysisAnalyzing    AnalysisStatus = "analyzing"
	AnalysisComplete     AnalysisStatus = "complete"
	AnalysisFailed       AnalysisStatus = "failed"
)

var analysisOrder = map[AnalysisStatus]int{
	AnalysisPending:      0,
	AnalysisTranscribing: 1,
	AnalysisTranscribed:  2,
	AnalysisAnalyzing:    3,
	AnalysisComplete:     4,
}

// Terminal reports whether no further pipeline work is expected.
func (s AnalysisStatus) Terminal() bool {
	return s == AnalysisComplete || s == AnalysisFailed
}

// CanTransitionAnalysis reports whether the analysis move is legal: strictly
// forward along pending → transcribing → transcribed → analyzing → complete,
// failed from any non-terminal state, or the explicit retry reset
// failed → pending.
func CanTransitionAnalysis(from, to AnalysisStatus) bool {
	if from == to {
		return false
	}
	if to == AnalysisFailed {
		return !from.Terminal()
	}
	if from == AnalysisFailed {
		return to == AnalysisPending
	}
	fromOrder, ok := analysisOrder[from]
	if !ok {
		return false
	}
	toOrder, ok := analysisOrder[to]
	if !ok {
		return false
	}
	return toOrder == fromOrder+1
}

// AnalysisResult is the structured outcome of the classification stage.
type AnalysisResult struct {
	Category       string   `json:"category"`
	Outcome        string   `json:"outcome"`
	Summary        string   `json:"summary"`
	Concerns       []string `json:"concerns,omitempty"`
	FollowUpAction string   `json:"follow_up_action,omitempty"`
	Confidence     float64  `json:"confidence"`
}

// MissedCallResult is the fixed classification applied synchronously when a
// call closes with zero duration; there is nothing to transcribe.
func MissedCallResult() *AnalysisResult {
	return &AnalysisResult{
		Category:   "missed_call",
		Outcome:    "no_answer",
		Summary:    "Call was not answered; no conversation took place.",
		Confidence: 1.0,
	}
}

// CallRecord is the persisted representation of one phone call and its
// analysis progress. Created on the first bridge notification for a call and
// mutated in place by every subsequent notification and by the pipeline.
type CallRecord struct {
	ID                 string          `json:"id"`
	Phone              string          `json:"phone"`        // display form
	PhoneDigits        string          `json:"phone_digits"` // canonical form
	Direction          Direction       `json:"direction"`
	LinkedCalleeNumber string          `json:"linked_callee_number,omitempty"`
	PatientID          string          `json:"patient_id,omitempty"`
	LifecycleStatus    LifecycleStatus `json:"lifecycle_status"`
	AnalysisStatus     AnalysisStatus  `json:"analysis_status"`
	StartedAt          time.Time       `json:"started_at"`
	EndedAt            *time.Time      `json:"ended_at,omitempty"`
	DurationSeconds    int             `json:"duration_seconds"`
	RecordingLocation  string          `json:"recording_location,omitempty"`
	Transcript         string          `json:"transcript,omitempty"`
	AnalysisResult     *AnalysisResult `json:"analysis_result,omitempty"`
	AnalysisError      string          `json:"analysis_error,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}
