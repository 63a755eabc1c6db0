package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/covecare/callops/internal/calls"
	"github.com/covecare/callops/pkg/logging"
)

type captureSender struct {
	sent []EmailMessage
	err  error
}

func (c *captureSender) Send(_ context.Context, msg EmailMessage) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func TestNotifyAnalysisFailureSendsAlert(t *testing.T) {
	sender := &captureSender{}
	svc := NewService(sender, "ops@covecare.example", logging.New("error"))

	rec := &calls.CallRecord{
		ID:              "call-1",
		Phone:           "010-1234-5678",
		Direction:       calls.DirectionInbound,
		StartedAt:       time.Now().UTC(),
		DurationSeconds: 93,
	}

	if err := svc.NotifyAnalysisFailure(context.Background(), rec, "transcription", "service down"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one email, got %d", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.To != "ops@covecare.example" {
		t.Fatalf("unexpected recipient %q", msg.To)
	}
	if !strings.Contains(msg.Subject, "call-1") {
		t.Fatalf("subject missing call id: %q", msg.Subject)
	}
	if !strings.Contains(msg.Body, "transcription") || !strings.Contains(msg.Body, "service down") {
		t.Fatalf("body missing failure context: %q", msg.Body)
	}
}

func TestNotifyAnalysisFailureDisabledWithoutAddress(t *testing.T) {
	sender := &captureSender{}
	svc := NewService(sender, "", logging.New("error"))

	rec := &calls.CallRecord{ID: "call-1"}
	if err := svc.NotifyAnalysisFailure(context.Background(), rec, "classification", "boom"); err != nil {
		t.Fatalf("disabled service must not error: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("disabled service must not send")
	}
}

func TestStubEmailSender(t *testing.T) {
	stub := NewStubEmailSender(logging.New("error"))
	if err := stub.Send(context.Background(), EmailMessage{To: "x@example.com"}); err != nil {
		t.Fatalf("stub send: %v", err)
	}
}
