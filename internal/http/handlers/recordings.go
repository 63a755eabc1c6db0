package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/covecare/callops/internal/analysis"
	"github.com/covecare/callops/internal/calls"
	"github.com/covecare/callops/pkg/logging"
)

type recordingVerifier interface {
	Exists(ctx context.Context, location string) error
}

// RecordingHandler attaches an uploaded recording to its call record and
// kicks off the analysis pipeline. The uploader learned the call id from the
// call-start webhook response.
type RecordingHandler struct {
	store      *calls.Store
	recordings recordingVerifier
	trigger    analysis.Trigger
	logger     *logging.Logger
}

type RecordingConfig struct {
	Store      *calls.Store
	Recordings recordingVerifier
	Trigger    analysis.Trigger
	Logger     *logging.Logger
}

func NewRecordingHandler(cfg RecordingConfig) *RecordingHandler {
	if cfg.Store == nil {
		panic("handlers: calls store required")
	}
	if cfg.Trigger == nil {
		panic("handlers: analysis trigger required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &RecordingHandler{
		store:      cfg.Store,
		recordings: cfg.Recordings,
		trigger:    cfg.Trigger,
		logger:     cfg.Logger,
	}
}

type attachRecordingRequest struct {
	Location        string `json:"location"`
	DurationSeconds int    `json:"duration_seconds"`
}

// Attach validates the recording object, attaches it to a connected call,
// and enqueues analysis. Responds 202; the pipeline runs asynchronously.
// POST /calls/{callID}/recording
func (h *RecordingHandler) Attach(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if callID == "" {
		http.Error(w, "missing callID", http.StatusBadRequest)
		return
	}
	var req attachRecordingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Location == "" {
		http.Error(w, "missing location", http.StatusBadRequest)
		return
	}

	if h.recordings != nil {
		if err := h.recordings.Exists(r.Context(), req.Location); err != nil {
			h.logger.Warn("recording object not found", "call_id", callID, "location", req.Location, "error", err)
			http.Error(w, "recording object not found", http.StatusUnprocessableEntity)
			return
		}
	}

	rec, err := h.store.AttachRecording(r.Context(), callID, req.Location, req.DurationSeconds)
	if err != nil {
		// The attach is conditional on lifecycle; an unknown id and a
		// not-yet-connected call both come back as ErrNotConnected.
		if errors.Is(err, calls.ErrNotConnected) {
			http.Error(w, "no connected call with that id", http.StatusConflict)
			return
		}
		h.logger.Error("attach recording failed", "error", err, "call_id", callID)
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}

	jobID, err := h.trigger.EnqueueAnalysis(r.Context(), rec.ID)
	if err != nil {
		// The recording is attached; the uploader can repeat the request to
		// re-enqueue, the attach itself stays idempotent while connected.
		h.logger.Error("analysis enqueue failed", "error", err, "call_id", rec.ID)
		writeJSON(w, http.StatusAccepted, map[string]string{"call_id": rec.ID})
		return
	}

	h.logger.Info("recording attached", "call_id", rec.ID, "job_id", jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"call_id": rec.ID,
		"job_id":  jobID,
	})
}
