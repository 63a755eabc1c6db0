package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/covecare/callops/internal/analysis"
	"github.com/covecare/callops/internal/calls"
	"github.com/covecare/callops/internal/compliance"
	"github.com/covecare/callops/internal/http/middleware"
	"github.com/covecare/callops/internal/phone"
	"github.com/covecare/callops/pkg/logging"
)

// recordingSigner hands out short-lived recording URLs.
type recordingSigner interface {
	PresignGet(ctx context.Context, location string, expiry time.Duration) (string, error)
}

// runFetcher looks up per-attempt pipeline run records.
type runFetcher interface {
	GetRun(ctx context.Context, runID string) (*analysis.RunRecord, error)
}

// AdminCallsHandler serves the operator dashboard's call endpoints. Reads of
// call data and every mutation are written to the audit trail with the
// authenticated operator as actor.
type AdminCallsHandler struct {
	store   *calls.Store
	trigger analysis.Trigger
	audit   *compliance.AuditService
	signer  recordingSigner
	runs    runFetcher
	logger  *logging.Logger
}

type AdminCallsConfig struct {
	Store   *calls.Store
	Trigger analysis.Trigger
	Audit   *compliance.AuditService
	Signer  recordingSigner
	Runs    runFetcher
	Logger  *logging.Logger
}

func NewAdminCallsHandler(cfg AdminCallsConfig) *AdminCallsHandler {
	if cfg.Store == nil {
		panic("handlers: calls store required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &AdminCallsHandler{
		store:   cfg.Store,
		trigger: cfg.Trigger,
		audit:   cfg.Audit,
		signer:  cfg.Signer,
		runs:    cfg.Runs,
		logger:  cfg.Logger,
	}
}

// CallListResponse is a page of call records.
type CallListResponse struct {
	Calls    []*calls.CallRecord `json:"calls"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

// ListCalls returns call records newest first with optional filters.
// GET /admin/calls?phone=&lifecycle=&analysis=&direction=&page=&page_size=
func (h *AdminCallsHandler) ListCalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	filter := calls.ListFilter{
		PhoneDigits:     phone.Normalize(q.Get("phone")),
		Direction:       calls.Direction(q.Get("direction")),
		LifecycleStatus: calls.LifecycleStatus(q.Get("lifecycle")),
		AnalysisStatus:  calls.AnalysisStatus(q.Get("analysis")),
		Limit:           pageSize,
		Offset:          (page - 1) * pageSize,
	}

	records, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list calls failed", "error", err)
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*calls.CallRecord{}
	}
	h.auditLog(r, compliance.AuditEvent{
		EventType: compliance.EventCallListQueried,
		ActorID:   middleware.AdminSubject(r.Context()),
	})
	writeJSON(w, http.StatusOK, CallListResponse{
		Calls:    records,
		Page:     page,
		PageSize: pageSize,
	})
}

// GetCall returns a single call record with transcript and analysis.
// GET /admin/calls/{id}
func (h *AdminCallsHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, calls.ErrCallNotFound) {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		h.logger.Error("get call failed", "error", err, "call_id", id)
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}
	if h.audit != nil {
		if err := h.audit.LogCallViewed(r.Context(), middleware.AdminSubject(r.Context()), rec.ID, rec.PatientID); err != nil {
			h.logger.Error("audit write failed", "error", err, "call_id", rec.ID)
		}
	}
	writeJSON(w, http.StatusOK, rec)
}

// RetryAnalysis re-enqueues a failed call's pipeline. The reset to pending
// happens in the worker under the same conditional update the rest of the
// pipeline uses, so a retry racing a live run loses cleanly.
// POST /admin/calls/{id}/analysis/retry
func (h *AdminCallsHandler) RetryAnalysis(w http.ResponseWriter, r *http.Request) {
	if h.trigger == nil {
		http.Error(w, "analysis trigger not configured", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, calls.ErrCallNotFound) {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		h.logger.Error("get call failed", "error", err, "call_id", id)
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}
	if rec.AnalysisStatus != calls.AnalysisFailed {
		http.Error(w, "analysis is not in a failed state", http.StatusConflict)
		return
	}

	jobID, err := h.trigger.EnqueueRetry(r.Context(), rec.ID)
	if err != nil {
		h.logger.Error("retry enqueue failed", "error", err, "call_id", rec.ID)
		http.Error(w, "enqueue error", http.StatusInternalServerError)
		return
	}
	if h.audit != nil {
		if err := h.audit.LogAnalysisRetried(r.Context(), middleware.AdminSubject(r.Context()), rec.ID, rec.AnalysisError); err != nil {
			h.logger.Error("audit write failed", "error", err, "call_id", rec.ID)
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"call_id": rec.ID,
		"job_id":  jobID,
	})
}

type repairPatientRequest struct {
	PatientID string `json:"patient_id"`
}

// RepairPatientLink manually sets or clears the patient linked to a call,
// for when automatic resolution matched the wrong chart or none at all.
// POST /admin/calls/{id}/patient
func (h *AdminCallsHandler) RepairPatientLink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req repairPatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	rec, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, calls.ErrCallNotFound) {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		h.logger.Error("get call failed", "error", err, "call_id", id)
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}

	if err := h.store.SetPatient(r.Context(), rec.ID, req.PatientID); err != nil {
		h.logger.Error("patient link update failed", "error", err, "call_id", rec.ID)
		http.Error(w, "update error", http.StatusInternalServerError)
		return
	}
	if h.audit != nil {
		if err := h.audit.LogPatientLinkRepaired(r.Context(), middleware.AdminSubject(r.Context()), rec.ID, rec.PatientID, req.PatientID); err != nil {
			h.logger.Error("audit write failed", "error", err, "call_id", rec.ID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"call_id":    rec.ID,
		"patient_id": req.PatientID,
	})
}

const recordingLinkTTL = 15 * time.Minute

// RecordingLink hands out a short-lived URL for a call's recording. Every
// handout is audited; recordings carry patient voices.
// GET /admin/calls/{id}/recording
func (h *AdminCallsHandler) RecordingLink(w http.ResponseWriter, r *http.Request) {
	if h.signer == nil {
		http.Error(w, "recording storage not configured", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, calls.ErrCallNotFound) {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		h.logger.Error("get call failed", "error", err, "call_id", id)
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}
	if rec.RecordingLocation == "" {
		http.Error(w, "call has no recording", http.StatusNotFound)
		return
	}

	url, err := h.signer.PresignGet(r.Context(), rec.RecordingLocation, recordingLinkTTL)
	if err != nil {
		h.logger.Error("recording presign failed", "error", err, "call_id", rec.ID)
		http.Error(w, "presign error", http.StatusInternalServerError)
		return
	}
	if h.audit != nil {
		if err := h.audit.LogRecordingAccessed(r.Context(), middleware.AdminSubject(r.Context()), rec.ID); err != nil {
			h.logger.Error("audit write failed", "error", err, "call_id", rec.ID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"call_id":            rec.ID,
		"url":                url,
		"expires_in_seconds": int(recordingLinkTTL.Seconds()),
	})
}

// AuditTrail returns the audit events recorded against a call, newest first.
// GET /admin/calls/{id}/audit
func (h *AdminCallsHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		http.Error(w, "audit trail not configured", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := h.audit.QueryEvents(r.Context(), compliance.AuditFilter{
		CallID: id,
		Limit:  limit,
	})
	if err != nil {
		h.logger.Error("audit query failed", "error", err, "call_id", id)
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []compliance.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"call_id": id,
		"events":  events,
	})
}

// GetAnalysisRun returns the per-attempt diagnostics for one pipeline run,
// looked up by the job id the enqueue endpoints return.
// GET /admin/analysis/runs/{id}
func (h *AdminCallsHandler) GetAnalysisRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		http.Error(w, "run tracking not configured", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	run, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, analysis.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		h.logger.Error("get analysis run failed", "error", err, "run_id", id)
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *AdminCallsHandler) auditLog(r *http.Request, event compliance.AuditEvent) {
	if h.audit == nil {
		return
	}
	if err := h.audit.LogEvent(r.Context(), event); err != nil {
		h.logger.Error("audit write failed", "error", err, "event_type", event.EventType)
	}
}
