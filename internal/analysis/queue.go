package analysis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type queueClient interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type jobKind string

const (
	jobKindAnalyze jobKind = "analyze"
	jobKindRetry   jobKind = "retry"
)

type queuePayload struct {
	ID     string  `json:"id"`
	Kind   jobKind `json:"kind"`
	CallID string  `json:"call_id"`
}

func encodePayload(payload queuePayload) (queuePayload, string, error) {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return queuePayload{}, "", fmt.Errorf("analysis: failed to encode payload: %w", err)
	}

	return payload, string(body), nil
}
