package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Transcriber turns a stored recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResult, error)
}

// TranscriptionRequest identifies the recording to transcribe.
type TranscriptionRequest struct {
	CallID       string
	RecordingURL string
	Language     string
}

// TranscriptionResult is the transcription service's response.
type TranscriptionResult struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// TranscriberConfig describes how to reach the transcription service.
type TranscriberConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPTranscriber proxies transcription requests to the external service.
// Timeouts are long: a full-length call takes minutes to transcribe and the
// service responds synchronously.
type HTTPTranscriber struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPTranscriber validates the configuration and returns a ready-to-use
// client.
func NewHTTPTranscriber(cfg TranscriberConfig) (*HTTPTranscriber, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("analysis: transcriber base URL required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPTranscriber{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Transcribe posts the recording location and waits for the text.
func (c *HTTPTranscriber) Transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResult, error) {
	if strings.TrimSpace(req.RecordingURL) == "" {
		return nil, errors.New("analysis: recording URL required")
	}

	payload := map[string]any{
		"call_id":       req.CallID,
		"recording_url": req.RecordingURL,
	}
	if req.Language != "" {
		payload["language"] = req.Language
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/v1/transcriptions", payload)
	if err != nil {
		return nil, err
	}

	var out TranscriptionResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("analysis: decode transcription failed: %w", err)
	}
	// The service returns 200 with empty text for silent recordings;
	// callers decide what an empty transcript means.
	return &out, nil
}

func (c *HTTPTranscriber) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body *bytes.Buffer
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("analysis: failed to encode payload: %w", err)
		}
		body = bytes.NewBuffer(data)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("analysis: request build failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analysis: transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("analysis: read response failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("analysis: transcriber %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

var _ Transcriber = (*HTTPTranscriber)(nil)
