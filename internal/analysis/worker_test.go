package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/covecare/callops/internal/calls"
	"github.com/covecare/callops/pkg/logging"
)

type memoryRuns struct {
	completed []string
	failed    map[string]string
}

func (m *memoryRuns) MarkCompleted(_ context.Context, runID string) error {
	m.completed = append(m.completed, runID)
	return nil
}

func (m *memoryRuns) MarkFailed(_ context.Context, runID, _, errMsg string) error {
	if m.failed == nil {
		m.failed = make(map[string]string)
	}
	m.failed[runID] = errMsg
	return nil
}

func TestWorkerProcessesJobFromQueue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	transcriber := &stubTranscriber{text: "hello"}
	llm := &scriptedLLM{text: `{"category":"general_inquiry","outcome":"resolved","summary":"s","confidence":0.7}`}
	orch := NewOrchestrator(OrchestratorConfig{
		Store:       calls.NewStore(mock),
		Transcriber: transcriber,
		Classifier:  NewClassifier(ClassifierConfig{LLM: llm, Logger: logging.New("error")}),
		Logger:      logging.New("error"),
	})

	mock.ExpectQuery("SELECT").WithArgs("call-1").WillReturnRows(connectedCallRows("call-1"))
	mock.ExpectExec("UPDATE call_records SET").
		WithArgs(calls.AnalysisTranscribing, "call-1", []string{"pending"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE call_records SET").
		WithArgs("hello", calls.AnalysisTranscribed, "call-1", calls.AnalysisTranscribing).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE call_records SET").
		WithArgs(calls.AnalysisAnalyzing, "call-1", []string{"transcribed"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE call_records SET").
		WithArgs(pgxmock.AnyArg(), calls.AnalysisComplete, "call-1", calls.AnalysisAnalyzing).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	queue := NewMemoryQueue(4)
	runs := &memoryRuns{}
	worker := NewWorker(orch, queue, logging.New("error"),
		WithWorkerCount(1),
		WithReceiveWaitSeconds(1),
		WithRunStore(runs),
	)

	body, err := json.Marshal(queuePayload{ID: "job-1", Kind: jobKindAnalyze, CallID: "call-1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := queue.Send(context.Background(), string(body)); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)

	deadline := time.After(3 * time.Second)
	for len(runs.completed) == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("worker never completed the run")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	worker.Wait()

	if runs.completed[0] != "job-1" {
		t.Fatalf("unexpected completed run %q", runs.completed[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWorkerDropsMalformedMessages(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	orch := NewOrchestrator(OrchestratorConfig{
		Store:       calls.NewStore(mock),
		Transcriber: &stubTranscriber{},
		Classifier:  NewClassifier(ClassifierConfig{LLM: &scriptedLLM{}, Logger: logging.New("error")}),
		Logger:      logging.New("error"),
	})
	worker := NewWorker(orch, NewMemoryQueue(1), logging.New("error"))

	worker.handleMessage(context.Background(), queueMessage{
		ID:   "msg-1",
		Body: "not json",
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("malformed message must not touch the store: %v", err)
	}
}

func TestWorkerMarksRunFailedOnConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	orch := NewOrchestrator(OrchestratorConfig{
		Store:       calls.NewStore(mock),
		Transcriber: &stubTranscriber{},
		Classifier:  NewClassifier(ClassifierConfig{LLM: &scriptedLLM{}, Logger: logging.New("error")}),
		Logger:      logging.New("error"),
	})
	runs := &memoryRuns{}
	worker := NewWorker(orch, NewMemoryQueue(1), logging.New("error"), WithRunStore(runs))

	mock.ExpectQuery("SELECT").WithArgs("call-1").WillReturnRows(connectedCallRows("call-1"))
	mock.ExpectExec("UPDATE call_records SET").
		WithArgs(calls.AnalysisTranscribing, "call-1", []string{"pending"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	body, _ := json.Marshal(queuePayload{ID: "job-2", Kind: jobKindAnalyze, CallID: "call-1"})
	worker.handleMessage(context.Background(), queueMessage{ID: "msg-2", Body: string(body)})

	if _, ok := runs.failed["job-2"]; !ok {
		t.Fatalf("expected run marked failed, got %+v", runs.failed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// trackingQueue records deletes so tests can observe redelivery decisions.
type trackingQueue struct {
	deleted []string
}

func (q *trackingQueue) Send(context.Context, string) error { return nil }

func (q *trackingQueue) Receive(context.Context, int, int) ([]queueMessage, error) {
	return nil, nil
}

func (q *trackingQueue) Delete(_ context.Context, receiptHandle string) error {
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

func TestWorkerLeavesMessageOnTransientFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	orch := NewOrchestrator(OrchestratorConfig{
		Store:       calls.NewStore(mock),
		Transcriber: &stubTranscriber{},
		Classifier:  NewClassifier(ClassifierConfig{LLM: &scriptedLLM{}, Logger: logging.New("error")}),
		Logger:      logging.New("error"),
	})
	queue := &trackingQueue{}
	runs := &memoryRuns{}
	worker := NewWorker(orch, queue, logging.New("error"), WithRunStore(runs))

	mock.ExpectQuery("SELECT").WithArgs("call-1").
		WillReturnError(errors.New("connection reset by peer"))

	body, _ := json.Marshal(queuePayload{ID: "job-3", Kind: jobKindAnalyze, CallID: "call-1"})
	worker.handleMessage(context.Background(), queueMessage{ID: "msg-3", Body: string(body), ReceiptHandle: "rh-3"})

	if len(queue.deleted) != 0 {
		t.Fatalf("transient failure must leave the message for redelivery, deleted %v", queue.deleted)
	}
	if _, ok := runs.failed["job-3"]; !ok {
		t.Fatalf("expected run marked failed, got %+v", runs.failed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWorkerDeletesMessageOnClaimConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	orch := NewOrchestrator(OrchestratorConfig{
		Store:       calls.NewStore(mock),
		Transcriber: &stubTranscriber{},
		Classifier:  NewClassifier(ClassifierConfig{LLM: &scriptedLLM{}, Logger: logging.New("error")}),
		Logger:      logging.New("error"),
	})
	queue := &trackingQueue{}
	worker := NewWorker(orch, queue, logging.New("error"))

	mock.ExpectQuery("SELECT").WithArgs("call-1").WillReturnRows(connectedCallRows("call-1"))
	mock.ExpectExec("UPDATE call_records SET").
		WithArgs(calls.AnalysisTranscribing, "call-1", []string{"pending"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	body, _ := json.Marshal(queuePayload{ID: "job-4", Kind: jobKindAnalyze, CallID: "call-1"})
	worker.handleMessage(context.Background(), queueMessage{ID: "msg-4", Body: string(body), ReceiptHandle: "rh-4"})

	if len(queue.deleted) != 1 || queue.deleted[0] != "rh-4" {
		t.Fatalf("claim conflict must drop the duplicate message, deleted %v", queue.deleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWorkerDeletesMessageForUnknownCall(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	orch := NewOrchestrator(OrchestratorConfig{
		Store:       calls.NewStore(mock),
		Transcriber: &stubTranscriber{},
		Classifier:  NewClassifier(ClassifierConfig{LLM: &scriptedLLM{}, Logger: logging.New("error")}),
		Logger:      logging.New("error"),
	})
	queue := &trackingQueue{}
	worker := NewWorker(orch, queue, logging.New("error"))

	mock.ExpectQuery("SELECT").WithArgs("call-gone").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "phone", "phone_digits", "direction", "linked_callee_number", "patient_id",
			"lifecycle_status", "analysis_status", "started_at", "ended_at", "duration_seconds",
			"recording_location", "transcript", "analysis_result", "analysis_error",
			"created_at", "updated_at",
		}))

	body, _ := json.Marshal(queuePayload{ID: "job-5", Kind: jobKindAnalyze, CallID: "call-gone"})
	worker.handleMessage(context.Background(), queueMessage{ID: "msg-5", Body: string(body), ReceiptHandle: "rh-5"})

	if len(queue.deleted) != 1 {
		t.Fatalf("unknown call must not redeliver forever, deleted %v", queue.deleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
