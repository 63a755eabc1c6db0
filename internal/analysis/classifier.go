package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/covecare/callops/internal/calls"
	"github.com/covecare/callops/pkg/logging"
)

// Classifier turns a call transcript into the structured analysis result.
type Classifier struct {
	llm     LLMClient
	modelID string
	logger  *logging.Logger
}

// ClassifierConfig wires the classification stage.
type ClassifierConfig struct {
	LLM     LLMClient
	ModelID string
	Logger  *logging.Logger
}

// NewClassifier builds the classification stage.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	if cfg.LLM == nil {
		panic("analysis: llm client cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Classifier{
		llm:     cfg.LLM,
		modelID: cfg.ModelID,
		logger:  cfg.Logger,
	}
}

const classifierSystemPrompt = `You are an analyst for a medical clinic's phone line. You classify completed patient phone calls from their transcript.

Respond with a single JSON object and nothing else. No markdown fences, no prose. The object has exactly these fields:
  "category": one of "appointment_booking", "appointment_change", "appointment_cancellation", "billing_inquiry", "prescription_refill", "medical_question", "test_results", "referral_request", "complaint", "general_inquiry", "other"
  "outcome": one of "resolved", "needs_follow_up", "transferred", "caller_hung_up", "unclear"
  "summary": two or three sentences describing what the caller wanted and what happened
  "concerns": array of strings, empty unless the call contains urgent clinical or safety concerns
  "follow_up_action": a short imperative sentence when staff action is needed, otherwise an empty string
  "confidence": your confidence in the classification, 0.0 to 1.0`

// emptyTranscriptResult is returned without an LLM round trip when there is
// nothing to classify. Silent recordings and dead air produce empty text.
func emptyTranscriptResult() *calls.AnalysisResult {
	return &calls.AnalysisResult{
		Category:   "other",
		Outcome:    "unclear",
		Summary:    "The recording contained no usable speech.",
		Confidence: 0.1,
	}
}

// Classify runs the transcript through the LLM and parses the structured
// result. The model is instructed to emit bare JSON but markdown fences and
// leading prose still happen; parsing tolerates both.
func (c *Classifier) Classify(ctx context.Context, callID, transcript string) (*calls.AnalysisResult, error) {
	if strings.TrimSpace(transcript) == "" {
		c.logger.Info("empty transcript, classifying without model", "call_id", callID)
		return emptyTranscriptResult(), nil
	}

	resp, err := c.llm.Complete(ctx, LLMRequest{
		Model:       c.modelID,
		System:      []string{classifierSystemPrompt},
		Messages:    []ChatMessage{{Role: ChatRoleUser, Content: "Transcript:\n\n" + transcript}},
		MaxTokens:   1024,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis: classification completion: %w", err)
	}

	result, err := parseClassifierOutput(resp.Text)
	if err != nil {
		return nil, fmt.Errorf("analysis: classify call %s: %w", callID, err)
	}

	c.logger.Info("call classified",
		"call_id", callID,
		"category", result.Category,
		"outcome", result.Outcome,
		"confidence", result.Confidence,
		"tokens", resp.Usage.TotalTokens,
	)
	return result, nil
}

func parseClassifierOutput(text string) (*calls.AnalysisResult, error) {
	raw := extractJSONObject(text)
	if raw == "" {
		return nil, errors.New("no JSON object in model output")
	}

	var result calls.AnalysisResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	if strings.TrimSpace(result.Category) == "" {
		return nil, errors.New("model output missing category")
	}
	if strings.TrimSpace(result.Outcome) == "" {
		result.Outcome = "unclear"
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	return &result, nil
}

// extractJSONObject pulls the first balanced JSON object out of model text,
// stripping markdown fences and surrounding prose.
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+3:]
		text = strings.TrimPrefix(text, "json")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
