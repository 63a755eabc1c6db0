package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/covecare/callops/pkg/logging"
)

// Trigger requests asynchronous analysis of a call. The boundary handler
// enqueues and returns; the worker does the actual work.
type Trigger interface {
	EnqueueAnalysis(ctx context.Context, callID string) (jobID string, err error)
	EnqueueRetry(ctx context.Context, callID string) (jobID string, err error)
}

// Publisher enqueues analysis jobs for asynchronous processing.
type Publisher struct {
	queue  queueClient
	runs   RunRecorder
	logger *logging.Logger
}

// NewPublisher creates a queue-backed publisher. The run recorder is
// optional; without it jobs run untracked.
func NewPublisher(queue queueClient, runs RunRecorder, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("analysis: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		queue:  queue,
		runs:   runs,
		logger: logger,
	}
}

// EnqueueAnalysis publishes a fresh analysis job for the call.
func (p *Publisher) EnqueueAnalysis(ctx context.Context, callID string) (string, error) {
	return p.enqueue(ctx, jobKindAnalyze, callID)
}

// EnqueueRetry publishes a retry job for a failed call.
func (p *Publisher) EnqueueRetry(ctx context.Context, callID string) (string, error) {
	return p.enqueue(ctx, jobKindRetry, callID)
}

func (p *Publisher) enqueue(ctx context.Context, kind jobKind, callID string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if callID == "" {
		return "", errors.New("analysis: call id required")
	}

	payload, body, err := encodePayload(queuePayload{Kind: kind, CallID: callID})
	if err != nil {
		return "", err
	}

	if p.runs != nil {
		if err := p.runs.PutPending(ctx, &RunRecord{
			RunID:  payload.ID,
			CallID: callID,
			Kind:   kind,
		}); err != nil {
			// Run tracking is observability, not correctness; the job still goes out.
			p.logger.Warn("failed to record pending analysis run", "error", err, "call_id", callID)
		}
	}

	if err := p.queue.Send(ctx, body); err != nil {
		return "", fmt.Errorf("analysis: failed to enqueue job: %w", err)
	}

	p.logger.Debug("analysis job enqueued", "job_id", payload.ID, "kind", kind, "call_id", callID)
	return payload.ID, nil
}

var _ Trigger = (*Publisher)(nil)
