package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/covecare/callops/internal/calls"
	"github.com/covecare/callops/internal/events"
	observemetrics "github.com/covecare/callops/internal/observability/metrics"
	"github.com/covecare/callops/pkg/logging"
)

const (
	stageTranscription  = "transcription"
	stageClassification = "classification"
)

// FailureNotifier alerts operators when a pipeline run fails terminally.
type FailureNotifier interface {
	NotifyAnalysisFailure(ctx context.Context, rec *calls.CallRecord, stage, cause string) error
}

// RecordingURLSigner produces a fetchable URL for a stored recording
// location, which the transcription service downloads directly.
type RecordingURLSigner interface {
	PresignGet(ctx context.Context, location string, expiry time.Duration) (string, error)
}

// Orchestrator drives one call through the analysis pipeline: claim the
// record, transcribe the recording, classify the transcript, persist the
// result. Each stage advance is a conditional update, so a duplicate run of
// the same call loses its claim and stops instead of double-processing.
type Orchestrator struct {
	store      *calls.Store
	transcribe Transcriber
	classifier *Classifier
	signer     RecordingURLSigner
	publisher  events.Publisher
	notifier   FailureNotifier
	metrics    *observemetrics.CallMetrics
	logger     *logging.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// OrchestratorConfig wires the pipeline's collaborators.
type OrchestratorConfig struct {
	Store       *calls.Store
	Transcriber Transcriber
	Classifier  *Classifier
	Signer      RecordingURLSigner
	Publisher   events.Publisher
	Notifier    FailureNotifier
	Metrics     *observemetrics.CallMetrics
	Logger      *logging.Logger
}

// NewOrchestrator builds the pipeline.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Store == nil {
		panic("analysis: store cannot be nil")
	}
	if cfg.Transcriber == nil {
		panic("analysis: transcriber cannot be nil")
	}
	if cfg.Classifier == nil {
		panic("analysis: classifier cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NopPublisher{}
	}
	return &Orchestrator{
		store:      cfg.Store,
		transcribe: cfg.Transcriber,
		classifier: cfg.Classifier,
		signer:     cfg.Signer,
		publisher:  cfg.Publisher,
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		tracer:     otel.Tracer("callops/analysis"),
		now:        time.Now,
	}
}

// Process runs the full pipeline for a call. ErrAnalysisConflict from the
// initial claim means another run already owns the record; the caller treats
// that as a clean no-op, not a failure.
func (o *Orchestrator) Process(ctx context.Context, callID string) error {
	ctx, span := o.tracer.Start(ctx, "analysis.process",
		trace.WithAttributes(attribute.String("call.id", callID)))
	defer span.End()

	rec, err := o.store.GetByID(ctx, callID)
	if err != nil {
		return fmt.Errorf("analysis: load call %s: %w", callID, err)
	}
	if rec.LifecycleStatus != calls.LifecycleConnected {
		o.logger.Info("skipping analysis for non-connected call",
			"call_id", callID, "lifecycle_status", rec.LifecycleStatus)
		return nil
	}
	if rec.RecordingLocation == "" {
		return fmt.Errorf("analysis: call %s has no recording", callID)
	}

	if err := o.store.ClaimAnalysis(ctx, callID, []calls.AnalysisStatus{calls.AnalysisPending}, calls.AnalysisTranscribing); err != nil {
		if errors.Is(err, calls.ErrAnalysisConflict) {
			o.logger.Info("analysis already in progress, skipping duplicate trigger", "call_id", callID)
			return err
		}
		return fmt.Errorf("analysis: claim call %s: %w", callID, err)
	}
	o.publishState(ctx, callID, rec, calls.AnalysisTranscribing)

	transcript, err := o.runTranscription(ctx, rec)
	if err != nil {
		return o.failCall(ctx, rec, stageTranscription, err)
	}

	if err := o.store.ClaimAnalysis(ctx, callID, []calls.AnalysisStatus{calls.AnalysisTranscribed}, calls.AnalysisAnalyzing); err != nil {
		return fmt.Errorf("analysis: advance call %s to analyzing: %w", callID, err)
	}
	o.publishState(ctx, callID, rec, calls.AnalysisAnalyzing)

	result, err := o.runClassification(ctx, rec, transcript)
	if err != nil {
		return o.failCall(ctx, rec, stageClassification, err)
	}

	if err := o.store.SetAnalysisResult(ctx, callID, result); err != nil {
		return o.failCall(ctx, rec, stageClassification, err)
	}

	o.metrics.ObserveStage(stageClassification, "complete")
	o.publishState(ctx, callID, rec, calls.AnalysisComplete)
	o.publisher.PublishAnalysisCompleted(ctx, events.AnalysisCompletedV1{
		CallID:     callID,
		Status:     string(calls.AnalysisComplete),
		Category:   result.Category,
		OccurredAt: o.now().UTC(),
	})
	o.logger.Info("analysis complete",
		"call_id", callID,
		"category", result.Category,
		"outcome", result.Outcome,
	)
	return nil
}

// Retry resets a failed record to pending and runs the pipeline again. Only
// failed records may be retried; anything else is a conflict.
func (o *Orchestrator) Retry(ctx context.Context, callID string) error {
	if err := o.store.ResetAnalysis(ctx, callID); err != nil {
		return fmt.Errorf("analysis: reset call %s: %w", callID, err)
	}
	o.logger.Info("analysis reset for retry", "call_id", callID)
	return o.Process(ctx, callID)
}

func (o *Orchestrator) runTranscription(ctx context.Context, rec *calls.CallRecord) (string, error) {
	ctx, span := o.tracer.Start(ctx, "analysis.transcription")
	defer span.End()
	started := o.now()

	recordingURL := rec.RecordingLocation
	if o.signer != nil {
		signed, err := o.signer.PresignGet(ctx, rec.RecordingLocation, 15*time.Minute)
		if err != nil {
			return "", fmt.Errorf("presign recording: %w", err)
		}
		recordingURL = signed
	}

	result, err := o.transcribe.Transcribe(ctx, TranscriptionRequest{
		CallID:       rec.ID,
		RecordingURL: recordingURL,
	})
	if err != nil {
		o.metrics.ObserveStage(stageTranscription, "failed")
		return "", err
	}

	if err := o.store.SetTranscript(ctx, rec.ID, result.Text); err != nil {
		return "", err
	}

	o.metrics.ObserveStage(stageTranscription, "complete")
	o.metrics.ObserveStageDuration(stageTranscription, o.now().Sub(started).Seconds())
	return result.Text, nil
}

func (o *Orchestrator) runClassification(ctx context.Context, rec *calls.CallRecord, transcript string) (*calls.AnalysisResult, error) {
	ctx, span := o.tracer.Start(ctx, "analysis.classification")
	defer span.End()
	started := o.now()

	result, err := o.classifier.Classify(ctx, rec.ID, transcript)
	if err != nil {
		o.metrics.ObserveStage(stageClassification, "failed")
		return nil, err
	}

	o.metrics.ObserveStageDuration(stageClassification, o.now().Sub(started).Seconds())
	return result, nil
}

// failCall marks the record failed, notifies operators, and returns the
// original stage error. A record that raced to a terminal state in the
// meantime is left alone.
func (o *Orchestrator) failCall(ctx context.Context, rec *calls.CallRecord, stage string, cause error) error {
	o.logger.Error("analysis stage failed",
		"call_id", rec.ID,
		"stage", stage,
		"error", cause,
	)

	msg := fmt.Sprintf("%s: %v", stage, cause)
	if err := o.store.MarkAnalysisFailed(ctx, rec.ID, msg); err != nil {
		if !errors.Is(err, calls.ErrAnalysisConflict) {
			o.logger.Error("failed to mark analysis failed", "error", err, "call_id", rec.ID)
		}
		return cause
	}

	o.publishState(ctx, rec.ID, rec, calls.AnalysisFailed)
	o.publisher.PublishAnalysisCompleted(ctx, events.AnalysisCompletedV1{
		CallID:     rec.ID,
		Status:     string(calls.AnalysisFailed),
		Error:      msg,
		OccurredAt: o.now().UTC(),
	})

	if o.notifier != nil {
		if err := o.notifier.NotifyAnalysisFailure(ctx, rec, stage, msg); err != nil {
			o.logger.Warn("failed to send analysis failure alert", "error", err, "call_id", rec.ID)
		}
	}
	return cause
}

func (o *Orchestrator) publishState(ctx context.Context, callID string, rec *calls.CallRecord, status calls.AnalysisStatus) {
	o.publisher.PublishCallState(ctx, events.CallStateChangedV1{
		CallID:          callID,
		Phone:           rec.Phone,
		PatientID:       rec.PatientID,
		Direction:       string(rec.Direction),
		LifecycleStatus: string(rec.LifecycleStatus),
		AnalysisStatus:  string(status),
		OccurredAt:      o.now().UTC(),
	})
}
