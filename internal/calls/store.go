package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of pgxpool.Pool the store needs; pgxmock satisfies
// it in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists call records in Postgres. Every state move is a single
// conditional UPDATE keyed on the expected current state; concurrent bridge
// notifications race at the database, not in application memory, and the
// loser of a race sees zero rows affected.
type Store struct {
	pool PgxPool
}

// NewStore builds a store over the given pool.
func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

const callColumns = `
	id, phone, phone_digits, direction, linked_callee_number, patient_id,
	lifecycle_status, analysis_status, started_at, ended_at, duration_seconds,
	recording_location, transcript, analysis_result, analysis_error,
	created_at, updated_at`

// Insert creates a new call record and fills in the generated fields.
func (s *Store) Insert(ctx context.Context, rec *CallRecord) error {
	if rec == nil {
		return errors.New("calls: record required")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.LifecycleStatus == "" {
		rec.LifecycleStatus = LifecycleRinging
	}
	if rec.AnalysisStatus == "" {
		rec.AnalysisStatus = AnalysisPending
	}
	query := `
		INSERT INTO call_records (
			id, phone, phone_digits, direction, linked_callee_number,
			patient_id, lifecycle_status, analysis_status, started_at
		)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
		RETURNING created_at, updated_at
	`
	if err := s.pool.QueryRow(ctx, query,
		rec.ID,
		rec.Phone,
		rec.PhoneDigits,
		rec.Direction,
		rec.LinkedCalleeNumber,
		rec.PatientID,
		rec.LifecycleStatus,
		rec.AnalysisStatus,
		rec.StartedAt,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return fmt.Errorf("calls: insert: %w", err)
	}
	return nil
}

// GetByID fetches a single record.
func (s *Store) GetByID(ctx context.Context, id string) (*CallRecord, error) {
	query := `SELECT` + callColumns + ` FROM call_records WHERE id = $1`
	return s.scanOne(s.pool.QueryRow(ctx, query, id))
}

// CloseRinging claims the newest ringing record for (phone digits, direction)
// whose start falls inside the lookback window, and closes it in the same
// statement. Two concurrent end-events for one number cannot both claim the
// row: the subselect and the lifecycle condition make the update atomic.
// Returns ErrNoOpenCall when nothing matched: either the start was never
// seen or an earlier duplicate already closed it.
func (s *Store) CloseRinging(ctx context.Context, phoneDigits string, direction Direction, windowStart, endedAt time.Time, durationSeconds int, lifecycle LifecycleStatus, analysis AnalysisStatus, result *AnalysisResult) (*CallRecord, error) {
	resultJSON, err := marshalResult(result)
	if err != nil {
		return nil, err
	}
	query := `
		UPDATE call_records SET
			lifecycle_status = $1,
			analysis_status = $2,
			analysis_result = COALESCE($3, analysis_result),
			ended_at = $4,
			duration_seconds = $5,
			updated_at = now()
		WHERE id = (
			SELECT id FROM call_records
			WHERE phone_digits = $6
			  AND direction = $7
			  AND lifecycle_status = 'ringing'
			  AND started_at >= $8
			ORDER BY started_at DESC
			LIMIT 1
		)
		AND lifecycle_status = 'ringing'
		RETURNING` + callColumns
	rec, err := s.scanOne(s.pool.QueryRow(ctx, query,
		lifecycle,
		analysis,
		resultJSON,
		endedAt,
		durationSeconds,
		phoneDigits,
		direction,
		windowStart,
	))
	if err != nil {
		if errors.Is(err, ErrCallNotFound) {
			return nil, ErrNoOpenCall
		}
		return nil, err
	}
	return rec, nil
}

// AttachRecording stores the recording location on a connected record.
// Conditional on the lifecycle so a stray upload for a missed or still
// ringing call cannot start the pipeline.
func (s *Store) AttachRecording(ctx context.Context, id, location string, durationSeconds int) (*CallRecord, error) {
	query := `
		UPDATE call_records SET
			recording_location = $1,
			duration_seconds = CASE WHEN $2 > 0 THEN $2 ELSE duration_seconds END,
			updated_at = now()
		WHERE id = $3 AND lifecycle_status = 'connected'
		RETURNING` + callColumns
	rec, err := s.scanOne(s.pool.QueryRow(ctx, query, location, durationSeconds, id))
	if err != nil {
		if errors.Is(err, ErrCallNotFound) {
			return nil, ErrNotConnected
		}
		return nil, err
	}
	return rec, nil
}

// ClaimAnalysis moves analysis_status from one of the expected states to the
// target state, returning ErrAnalysisConflict when the record is not in an
// expected state. This is the duplicate-trigger guard: only one caller can
// win the pending → transcribing claim.
func (s *Store) ClaimAnalysis(ctx context.Context, id string, from []AnalysisStatus, to AnalysisStatus) error {
	if len(from) == 0 {
		return errors.New("calls: expected states required")
	}
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	query := `
		UPDATE call_records SET
			analysis_status = $1,
			updated_at = now()
		WHERE id = $2 AND analysis_status = ANY($3)
	`
	ct, err := s.pool.Exec(ctx, query, to, id, states)
	if err != nil {
		return fmt.Errorf("calls: claim analysis: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrAnalysisConflict
	}
	return nil
}

// SetTranscript stores the stage-one output and advances to transcribed.
func (s *Store) SetTranscript(ctx context.Context, id, transcript string) error {
	query := `
		UPDATE call_records SET
			transcript = $1,
			analysis_status = $2,
			updated_at = now()
		WHERE id = $3 AND analysis_status = $4
	`
	ct, err := s.pool.Exec(ctx, query, transcript, AnalysisTranscribed, id, AnalysisTranscribing)
	if err != nil {
		return fmt.Errorf("calls: set transcript: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrAnalysisConflict
	}
	return nil
}

// SetAnalysisResult stores the stage-two output and completes the pipeline.
func (s *Store) SetAnalysisResult(ctx context.Context, id string, result *AnalysisResult) error {
	resultJSON, err := marshalResult(result)
	if err != nil {
		return err
	}
	query := `
		UPDATE call_records SET
			analysis_result = $1,
			analysis_status = $2,
			analysis_error = '',
			updated_at = now()
		WHERE id = $3 AND analysis_status = $4
	`
	ct, err := s.pool.Exec(ctx, query, resultJSON, AnalysisComplete, id, AnalysisAnalyzing)
	if err != nil {
		return fmt.Errorf("calls: set analysis result: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrAnalysisConflict
	}
	return nil
}

// MarkAnalysisFailed records the terminal failure and its cause. Applies to
// any non-terminal state so a run can fail out of either stage.
func (s *Store) MarkAnalysisFailed(ctx context.Context, id, cause string) error {
	query := `
		UPDATE call_records SET
			analysis_status = $1,
			analysis_error = $2,
			updated_at = now()
		WHERE id = $3 AND analysis_status NOT IN ('complete', 'failed')
	`
	ct, err := s.pool.Exec(ctx, query, AnalysisFailed, cause, id)
	if err != nil {
		return fmt.Errorf("calls: mark failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrAnalysisConflict
	}
	return nil
}

// ResetAnalysis is the explicit manual retry: failed → pending, clearing the
// previous error and result so the pipeline restarts from the top.
func (s *Store) ResetAnalysis(ctx context.Context, id string) error {
	query := `
		UPDATE call_records SET
			analysis_status = $1,
			analysis_error = '',
			analysis_result = NULL,
			transcript = '',
			updated_at = now()
		WHERE id = $2 AND analysis_status = $3
	`
	ct, err := s.pool.Exec(ctx, query, AnalysisPending, id, AnalysisFailed)
	if err != nil {
		return fmt.Errorf("calls: reset analysis: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrAnalysisConflict
	}
	return nil
}

// SetPatient repairs the identity link on an existing record.
func (s *Store) SetPatient(ctx context.Context, id, patientID string) error {
	query := `
		UPDATE call_records SET
			patient_id = NULLIF($1, ''),
			updated_at = now()
		WHERE id = $2
	`
	ct, err := s.pool.Exec(ctx, query, patientID, id)
	if err != nil {
		return fmt.Errorf("calls: set patient: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrCallNotFound
	}
	return nil
}

// FindStuck returns records sitting in a non-terminal pipeline state whose
// last update is older than the cutoff. The recovery sweep fails them out so
// a process restart mid-pipeline cannot strand a record forever.
func (s *Store) FindStuck(ctx context.Context, olderThan time.Time, limit int) ([]*CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT` + callColumns + `
		FROM call_records
		WHERE analysis_status IN ('transcribing', 'transcribed', 'analyzing')
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`
	rows, err := s.pool.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("calls: find stuck: %w", err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

// ListFilter narrows List results.
type ListFilter struct {
	PhoneDigits     string
	Direction       Direction
	LifecycleStatus LifecycleStatus
	AnalysisStatus  AnalysisStatus
	Limit           int
	Offset          int
}

// List returns call records newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*CallRecord, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	var conditions []string
	var args []any
	argNum := 1
	appendCond := func(expr string, value any) {
		conditions = append(conditions, fmt.Sprintf(expr, argNum))
		args = append(args, value)
		argNum++
	}
	if filter.PhoneDigits != "" {
		appendCond("phone_digits = $%d", filter.PhoneDigits)
	}
	if filter.Direction != "" {
		appendCond("direction = $%d", filter.Direction)
	}
	if filter.LifecycleStatus != "" {
		appendCond("lifecycle_status = $%d", filter.LifecycleStatus)
	}
	if filter.AnalysisStatus != "" {
		appendCond("analysis_status = $%d", filter.AnalysisStatus)
	}
	query := `SELECT` + callColumns + ` FROM call_records`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("calls: list: %w", err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

func (s *Store) scanAll(rows pgx.Rows) ([]*CallRecord, error) {
	var records []*CallRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calls: scan rows: %w", err)
	}
	return records, nil
}

func (s *Store) scanOne(row pgx.Row) (*CallRecord, error) {
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCallNotFound
		}
		return nil, err
	}
	return rec, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*CallRecord, error) {
	var (
		rec        CallRecord
		patientID  *string
		resultJSON []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Phone,
		&rec.PhoneDigits,
		&rec.Direction,
		&rec.LinkedCalleeNumber,
		&patientID,
		&rec.LifecycleStatus,
		&rec.AnalysisStatus,
		&rec.StartedAt,
		&rec.EndedAt,
		&rec.DurationSeconds,
		&rec.RecordingLocation,
		&rec.Transcript,
		&resultJSON,
		&rec.AnalysisError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("calls: scan: %w", err)
	}
	if patientID != nil {
		rec.PatientID = *patientID
	}
	if len(resultJSON) > 0 {
		var result AnalysisResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, fmt.Errorf("calls: decode analysis result: %w", err)
		}
		rec.AnalysisResult = &result
	}
	return &rec, nil
}

func marshalResult(result *AnalysisResult) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("calls: encode analysis result: %w", err)
	}
	return data, nil
}
