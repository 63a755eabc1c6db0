package events

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/covecare/callops/pkg/logging"
)

func TestOutboxPublisherAppendsCallState(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), "call:call-7", "calls.state_changed.v1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	pub := NewOutboxPublisher(mock, logging.New("error"))
	pub.PublishCallState(context.Background(), CallStateChangedV1{
		CallID:          "call-7",
		Phone:           "010-1234-5678",
		Direction:       "inbound",
		LifecycleStatus: "connected",
		AnalysisStatus:  "pending",
		OccurredAt:      time.Now().UTC(),
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestOutboxPublisherAppendsAnalysisCompleted(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), "call:call-7", "calls.analysis_completed.v1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	pub := NewOutboxPublisher(mock, logging.New("error"))
	pub.PublishAnalysisCompleted(context.Background(), AnalysisCompletedV1{
		CallID:     "call-7",
		Status:     "complete",
		Category:   "appointment_request",
		OccurredAt: time.Now().UTC(),
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

type countingPublisher struct {
	states    int
	completed int
}

func (c *countingPublisher) PublishCallState(context.Context, CallStateChangedV1) { c.states++ }

func (c *countingPublisher) PublishAnalysisCompleted(context.Context, AnalysisCompletedV1) {
	c.completed++
}

func TestFanoutPublisherForwardsToAll(t *testing.T) {
	first := &countingPublisher{}
	second := &countingPublisher{}
	fanout := FanoutPublisher{first, second}

	fanout.PublishCallState(context.Background(), CallStateChangedV1{CallID: "call-1"})
	fanout.PublishAnalysisCompleted(context.Background(), AnalysisCompletedV1{CallID: "call-1"})

	if first.states != 1 || second.states != 1 {
		t.Fatalf("state change not fanned out: %d, %d", first.states, second.states)
	}
	if first.completed != 1 || second.completed != 1 {
		t.Fatalf("completion not fanned out: %d, %d", first.completed, second.completed)
	}
}
