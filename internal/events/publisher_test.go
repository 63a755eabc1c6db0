package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/covecare/callops/pkg/logging"
)

func TestRedisPublisherPublishesCallState(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, CallChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub := NewRedisPublisher(rdb, logging.Default())
	evt := CallStateChangedV1{
		CallID:          "call-1",
		Phone:           "010-1234-5678",
		Direction:       "inbound",
		LifecycleStatus: "ringing",
		AnalysisStatus:  "pending",
		OccurredAt:      time.Now().UTC(),
	}
	pub.PublishCallState(ctx, evt)

	msg, err := sub.ReceiveTimeout(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	payload, ok := msg.(*redis.Message)
	if !ok {
		t.Fatalf("expected message, got %T", msg)
	}
	var frame struct {
		EventType string             `json:"event_type"`
		Payload   CallStateChangedV1 `json:"payload"`
	}
	if err := json.Unmarshal([]byte(payload.Payload), &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.EventType != evt.EventType() {
		t.Fatalf("unexpected event type %q", frame.EventType)
	}
	if frame.Payload.CallID != "call-1" || frame.Payload.LifecycleStatus != "ringing" {
		t.Fatalf("unexpected event %+v", frame.Payload)
	}
}

func TestRedisPublisherPublishesAnalysisCompleted(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, CallChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub := NewRedisPublisher(rdb, logging.Default())
	pub.PublishAnalysisCompleted(ctx, AnalysisCompletedV1{
		CallID:     "call-2",
		Status:     "complete",
		Category:   "appointment_booking",
		OccurredAt: time.Now().UTC(),
	})

	msg, err := sub.ReceiveTimeout(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	payload, ok := msg.(*redis.Message)
	if !ok {
		t.Fatalf("expected message, got %T", msg)
	}
	var frame struct {
		EventType string              `json:"event_type"`
		Payload   AnalysisCompletedV1 `json:"payload"`
	}
	if err := json.Unmarshal([]byte(payload.Payload), &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Payload.CallID != "call-2" || frame.Payload.Category != "appointment_booking" {
		t.Fatalf("unexpected event %+v", frame.Payload)
	}
}

func TestRedisPublisherSwallowsErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	pub := NewRedisPublisher(rdb, logging.Default())
	// Must not panic or surface the broken connection.
	pub.PublishCallState(context.Background(), CallStateChangedV1{CallID: "call-x"})
}

func TestNopPublisher(t *testing.T) {
	NopPublisher{}.PublishCallState(context.Background(), CallStateChangedV1{})
	NopPublisher{}.PublishAnalysisCompleted(context.Background(), AnalysisCompletedV1{})
}
