// Package compliance provides the audit trail for access to patient call data.
package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// AuditEventType represents the type of audited action.
type AuditEventType string

const (
	// EventCallViewed is logged when an operator opens a call record.
	EventCallViewed AuditEventType = "audit.call_viewed"
	// EventCallListQueried is logged when an operator lists call records.
	EventCallListQueried AuditEventType = "audit.call_list_queried"
	// EventAnalysisRetried is logged when an operator retries a failed analysis.
	EventAnalysisRetried AuditEventType = "audit.analysis_retried"
	// EventPatientLinkRepaired is logged when an operator corrects the
	// patient attached to a call.
	EventPatientLinkRepaired AuditEventType = "audit.patient_link_repaired"
	// EventRecordingAccessed is logged when a recording URL is handed out.
	EventRecordingAccessed AuditEventType = "audit.recording_accessed"
)

// AuditEvent represents an immutable audit record.
type AuditEvent struct {
	ID        string          `json:"id"`
	EventType AuditEventType  `json:"event_type"`
	ActorID   string          `json:"actor_id"`
	CallID    string          `json:"call_id,omitempty"`
	PatientID string          `json:"patient_id,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditFilter narrows QueryEvents results.
type AuditFilter struct {
	ActorID   string
	CallID    string
	EventType AuditEventType
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// AuditService handles audit logging. Calls carry patient conversations, so
// every admin read and mutation leaves a trail.
type AuditService struct {
	db *sql.DB
}

// NewAuditService creates a new audit service.
func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db}
}

// LogEvent records an audit event.
func (s *AuditService) LogEvent(ctx context.Context, event AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_events (
			id, event_type, actor_id, call_id, patient_id, tags, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		event.ActorID,
		nullString(event.CallID),
		nullString(event.PatientID),
		pq.Array(event.Tags),
		nullRaw(event.Details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("compliance: failed to log audit event: %w", err)
	}

	return nil
}

// LogCallViewed logs an operator opening a call record.
func (s *AuditService) LogCallViewed(ctx context.Context, actorID, callID, patientID string) error {
	return s.LogEvent(ctx, AuditEvent{
		EventType: EventCallViewed,
		ActorID:   actorID,
		CallID:    callID,
		PatientID: patientID,
	})
}

// LogAnalysisRetried logs a manual analysis retry.
func (s *AuditService) LogAnalysisRetried(ctx context.Context, actorID, callID, previousError string) error {
	details, _ := json.Marshal(map[string]string{"previous_error": previousError})
	return s.LogEvent(ctx, AuditEvent{
		EventType: EventAnalysisRetried,
		ActorID:   actorID,
		CallID:    callID,
		Details:   details,
	})
}

// LogPatientLinkRepaired logs a manual patient link correction.
func (s *AuditService) LogPatientLinkRepaired(ctx context.Context, actorID, callID, oldPatientID, newPatientID string) error {
	details, _ := json.Marshal(map[string]string{
		"old_patient_id": oldPatientID,
		"new_patient_id": newPatientID,
	})
	return s.LogEvent(ctx, AuditEvent{
		EventType: EventPatientLinkRepaired,
		ActorID:   actorID,
		CallID:    callID,
		PatientID: newPatientID,
		Details:   details,
	})
}

// LogRecordingAccessed logs a recording URL being handed to an operator.
func (s *AuditService) LogRecordingAccessed(ctx context.Context, actorID, callID string) error {
	return s.LogEvent(ctx, AuditEvent{
		EventType: EventRecordingAccessed,
		ActorID:   actorID,
		CallID:    callID,
	})
}

// QueryEvents retrieves audit events with filters, newest first.
func (s *AuditService) QueryEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `
		SELECT id, event_type, actor_id, call_id, patient_id, tags, details, created_at
		FROM audit_events
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.ActorID != "" {
		query += fmt.Sprintf(" AND actor_id = $%d", argIdx)
		args = append(args, filter.ActorID)
		argIdx++
	}
	if filter.CallID != "" {
		query += fmt.Sprintf(" AND call_id = $%d", argIdx)
		args = append(args, filter.CallID)
		argIdx++
	}
	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, filter.EventType)
		argIdx++
	}
	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.StartTime)
		argIdx++
	}
	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filter.EndTime)
		argIdx++
	}

	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("compliance: query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			evt       AuditEvent
			callID    sql.NullString
			patientID sql.NullString
			details   []byte
		)
		if err := rows.Scan(
			&evt.ID,
			&evt.EventType,
			&evt.ActorID,
			&callID,
			&patientID,
			pq.Array(&evt.Tags),
			&details,
			&evt.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("compliance: scan audit event: %w", err)
		}
		evt.CallID = callID.String
		evt.PatientID = patientID.String
		if len(details) > 0 {
			evt.Details = json.RawMessage(details)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("compliance: iterate audit events: %w", err)
	}
	return events, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
