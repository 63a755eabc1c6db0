package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
)

type config struct {
	upstreamBaseURL string
	upstreamTimeout time.Duration
	apiToken        string
}

func loadConfig() (config, error) {
	baseURL := strings.TrimSpace(os.Getenv("UPSTREAM_BASE_URL"))
	if baseURL == "" {
		return config{}, errors.New("UPSTREAM_BASE_URL is required")
	}

	timeout := 10 * time.Second
	if raw := strings.TrimSpace(os.Getenv("UPSTREAM_TIMEOUT")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return config{}, fmt.Errorf("invalid UPSTREAM_TIMEOUT: %w", err)
		}
		timeout = parsed
	}

	return config{
		upstreamBaseURL: strings.TrimRight(baseURL, "/"),
		upstreamTimeout: timeout,
		apiToken:        strings.TrimSpace(os.Getenv("UPSTREAM_API_TOKEN")),
	}, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}

	client := &http.Client{Timeout: cfg.upstreamTimeout}
	lambda.Start(func(ctx context.Context, evt events.S3Event) error {
		return handle(ctx, cfg, client, evt)
	})
}

func handle(ctx context.Context, cfg config, client *http.Client, evt events.S3Event) error {
	for _, record := range evt.Records {
		bucket := record.S3.Bucket.Name
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			key = record.S3.Object.Key
		}

		callID := callIDFromKey(key)
		if callID == "" {
			// Not a recording object we recognize. Skip rather than retry forever.
			continue
		}

		if err := attachRecording(ctx, cfg, client, callID, bucket, key); err != nil {
			return fmt.Errorf("attach recording for %s: %w", callID, err)
		}
	}
	return nil
}

// callIDFromKey extracts the call id from a recording object key.
// Supported layouts: recordings/<call-id>/<file> and <call-id>.<ext>.
func callIDFromKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if rest, ok := strings.CutPrefix(key, "recordings/"); ok {
		if idx := strings.IndexByte(rest, '/'); idx > 0 {
			return rest[:idx]
		}
		return strings.TrimSuffix(rest, path.Ext(rest))
	}
	if strings.ContainsRune(key, '/') {
		return ""
	}
	return strings.TrimSuffix(key, path.Ext(key))
}

func attachRecording(ctx context.Context, cfg config, client *http.Client, callID, bucket, key string) error {
	payload, err := json.Marshal(map[string]string{
		"location": fmt.Sprintf("s3://%s/%s", bucket, key),
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	attachURL := fmt.Sprintf("%s/calls/%s/recording", cfg.upstreamBaseURL, url.PathEscape(callID))

	reqCtx, cancel := context.WithTimeout(ctx, cfg.upstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, attachURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.apiToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// The call is not connected (or unknown). Retrying will not change that.
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
