package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/covecare/callops/internal/calls"
	"github.com/covecare/callops/pkg/logging"
)

const (
	defaultWorkerCount = 2
	defaultWaitSeconds = 2
	defaultBatchSize   = 5
	maxWaitSeconds     = 20
	maxBatchSize       = 10
)

// Worker consumes analysis jobs from the queue and invokes the orchestrator.
type Worker struct {
	orchestrator *Orchestrator
	queue        queueClient
	runs         RunUpdater
	logger       *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	runs             RunUpdater
}

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the SQS long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxBatchSize {
			size = maxBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// WithRunStore wires per-attempt run tracking.
func WithRunStore(runs RunUpdater) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.runs = runs
	}
}

// NewWorker constructs a queue consumer around the orchestrator.
func NewWorker(orchestrator *Orchestrator, queue queueClient, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if orchestrator == nil {
		panic("analysis: orchestrator cannot be nil")
	}
	if queue == nil {
		panic("analysis: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Worker{
		orchestrator: orchestrator,
		queue:        queue,
		runs:         cfg.runs,
		logger:       logger,
		cfg:          cfg,
	}
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("analysis worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("analysis worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive analysis jobs", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queueMessage) {
	var payload queuePayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		w.logger.Error("failed to decode analysis job", "error", err)
		w.deleteMessage(msg.ReceiptHandle)
		return
	}

	w.logger.Info("worker processing job",
		"job_id", payload.ID,
		"kind", payload.Kind,
		"call_id", payload.CallID,
	)

	var err error
	switch payload.Kind {
	case jobKindAnalyze:
		err = w.orchestrator.Process(ctx, payload.CallID)
	case jobKindRetry:
		err = w.orchestrator.Retry(ctx, payload.CallID)
	default:
		w.logger.Error("unknown analysis job kind", "kind", payload.Kind, "job_id", payload.ID)
		w.deleteMessage(msg.ReceiptHandle)
		return
	}

	switch {
	case err == nil:
		w.markRun(payload.ID, "", nil)
	case errors.Is(err, calls.ErrAnalysisConflict):
		// Another run owns the record; the duplicate job is simply dropped.
		w.logger.Info("dropping duplicate analysis job", "job_id", payload.ID, "call_id", payload.CallID)
		w.markRun(payload.ID, "claim", err)
	case errors.Is(err, calls.ErrCallNotFound):
		w.logger.Error("dropping analysis job for unknown call", "job_id", payload.ID, "call_id", payload.CallID)
		w.markRun(payload.ID, "load", err)
	default:
		// Anything else may have failed before the record left pending, so
		// the message stays in flight for the queue to redeliver. A record
		// that already reached a terminal status surfaces the next attempt
		// as a claim conflict and the message is dropped then.
		w.logger.Error("analysis job failed, leaving for redelivery", "error", err, "job_id", payload.ID, "call_id", payload.CallID)
		w.markRun(payload.ID, "pipeline", err)
		return
	}

	w.deleteMessage(msg.ReceiptHandle)
}

func (w *Worker) markRun(runID, stage string, cause error) {
	if w.runs == nil || runID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if cause == nil {
		err = w.runs.MarkCompleted(ctx, runID)
	} else {
		err = w.runs.MarkFailed(ctx, runID, stage, cause.Error())
	}
	if err != nil {
		w.logger.Warn("failed to update analysis run", "error", err, "run_id", runID)
	}
}

func (w *Worker) deleteMessage(receiptHandle string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.Delete(ctx, receiptHandle); err != nil {
		w.logger.Error(fmt.Sprintf("failed to delete analysis job: %v", err))
	}
}
