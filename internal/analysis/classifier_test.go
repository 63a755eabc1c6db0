package analysis

import (
	"context"
	"errors"
	"testing"

	"github.com/covecare/callops/pkg/logging"
)

type scriptedLLM struct {
	text string
	err  error
	reqs []LLMRequest
}

func (s *scriptedLLM) Complete(_ context.Context, req LLMRequest) (LLMResponse, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return LLMResponse{}, s.err
	}
	return LLMResponse{Text: s.text}, nil
}

func TestClassifyParsesBareJSON(t *testing.T) {
	llm := &scriptedLLM{text: `{"category":"appointment_booking","outcome":"resolved","summary":"Caller booked a checkup.","confidence":0.92}`}
	c := NewClassifier(ClassifierConfig{LLM: llm, ModelID: "model-x", Logger: logging.New("error")})

	result, err := c.Classify(context.Background(), "call-1", "Hi, I'd like to book a checkup for next week.")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.Category != "appointment_booking" || result.Outcome != "resolved" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Confidence != 0.92 {
		t.Fatalf("expected confidence 0.92, got %v", result.Confidence)
	}
	if len(llm.reqs) != 1 || llm.reqs[0].Model != "model-x" {
		t.Fatalf("unexpected llm request %+v", llm.reqs)
	}
}

func TestClassifyStripsMarkdownFences(t *testing.T) {
	llm := &scriptedLLM{text: "Here is the classification:\n```json\n{\"category\":\"billing_inquiry\",\"outcome\":\"needs_follow_up\",\"summary\":\"Billing question.\",\"follow_up_action\":\"Call the patient back about the invoice.\",\"confidence\":0.8}\n```"}
	c := NewClassifier(ClassifierConfig{LLM: llm, Logger: logging.New("error")})

	result, err := c.Classify(context.Background(), "call-2", "I have a question about my bill.")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.Category != "billing_inquiry" {
		t.Fatalf("unexpected category %q", result.Category)
	}
	if result.FollowUpAction == "" {
		t.Fatal("expected follow-up action to survive parsing")
	}
}

func TestClassifyClampsConfidence(t *testing.T) {
	llm := &scriptedLLM{text: `{"category":"other","outcome":"unclear","summary":"x","confidence":1.7}`}
	c := NewClassifier(ClassifierConfig{LLM: llm, Logger: logging.New("error")})

	result, err := c.Classify(context.Background(), "call-3", "hello")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.Confidence != 1 {
		t.Fatalf("expected clamped confidence, got %v", result.Confidence)
	}
}

func TestClassifyRejectsNonJSONOutput(t *testing.T) {
	llm := &scriptedLLM{text: "I cannot classify this call."}
	c := NewClassifier(ClassifierConfig{LLM: llm, Logger: logging.New("error")})

	if _, err := c.Classify(context.Background(), "call-4", "hello"); err == nil {
		t.Fatal("expected error for prose-only output")
	}
}

func TestClassifyEmptyTranscriptSkipsModel(t *testing.T) {
	llm := &scriptedLLM{err: errors.New("must not be called")}
	c := NewClassifier(ClassifierConfig{LLM: llm, Logger: logging.New("error")})

	result, err := c.Classify(context.Background(), "call-5", "   \n ")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.Category != "other" || result.Confidence >= 0.5 {
		t.Fatalf("expected low-confidence default, got %+v", result)
	}
	if len(llm.reqs) != 0 {
		t.Fatal("empty transcript must not reach the model")
	}
}

func TestExtractJSONObjectHandlesNesting(t *testing.T) {
	text := `leading {"a": {"b": "c}"}, "d": 1} trailing`
	got := extractJSONObject(text)
	want := `{"a": {"b": "c}"}, "d": 1}`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
