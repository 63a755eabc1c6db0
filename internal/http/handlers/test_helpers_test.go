package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/covecare/callops/internal/calls"
)

var callRecordColumns = []string{
	"id", "phone", "phone_digits", "direction", "linked_callee_number", "patient_id",
	"lifecycle_status", "analysis_status", "started_at", "ended_at", "duration_seconds",
	"recording_location", "transcript", "analysis_result", "analysis_error",
	"created_at", "updated_at",
}

func newCallsStore(t *testing.T) (*calls.Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return calls.NewStore(mock), mock
}

func callRecordRows(mock pgxmock.PgxPoolIface, rec *calls.CallRecord) *pgxmock.Rows {
	var patientID *string
	if rec.PatientID != "" {
		patientID = &rec.PatientID
	}
	return mock.NewRows(callRecordColumns).AddRow(
		rec.ID, rec.Phone, rec.PhoneDigits, string(rec.Direction), rec.LinkedCalleeNumber,
		patientID, string(rec.LifecycleStatus), string(rec.AnalysisStatus), rec.StartedAt,
		rec.EndedAt, rec.DurationSeconds, rec.RecordingLocation, rec.Transcript,
		[]byte(nil), rec.AnalysisError, rec.CreatedAt, rec.UpdatedAt,
	)
}

func connectedCall(id string) *calls.CallRecord {
	started := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	ended := started.Add(3 * time.Minute)
	return &calls.CallRecord{
		ID:              id,
		Phone:           "937-896-2713",
		PhoneDigits:     "9378962713",
		Direction:       calls.DirectionInbound,
		LifecycleStatus: calls.LifecycleConnected,
		AnalysisStatus:  calls.AnalysisPending,
		StartedAt:       started,
		EndedAt:         &ended,
		DurationSeconds: 180,
		CreatedAt:       started,
		UpdatedAt:       ended,
	}
}

func timeNow(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
}

func withRouteParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// stubTrigger records enqueue calls without a real queue behind it.
type stubTrigger struct {
	analyzed []string
	retried  []string
	err      error
}

func (s *stubTrigger) EnqueueAnalysis(_ context.Context, callID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.analyzed = append(s.analyzed, callID)
	return "job-" + callID, nil
}

func (s *stubTrigger) EnqueueRetry(_ context.Context, callID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.retried = append(s.retried, callID)
	return "job-" + callID, nil
}
