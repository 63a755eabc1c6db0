package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/covecare/callops/pkg/logging"
)

// CallChannel is the Redis channel live clients subscribe to.
const CallChannel = "callops:events:calls"

// Publisher notifies interested live clients of call state changes. Delivery
// is fire-and-forget: the correlator and orchestrator never fail because a
// dashboard could not be reached.
type Publisher interface {
	PublishCallState(ctx context.Context, evt CallStateChangedV1)
	PublishAnalysisCompleted(ctx context.Context, evt AnalysisCompletedV1)
}

// RedisPublisher fans call events out over Redis pub/sub.
type RedisPublisher struct {
	rdb    *redis.Client
	logger *logging.Logger
}

// NewRedisPublisher builds a publisher over the given Redis client.
func NewRedisPublisher(rdb *redis.Client, logger *logging.Logger) *RedisPublisher {
	if rdb == nil {
		panic("events: redis client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisPublisher{rdb: rdb, logger: logger}
}

// PublishCallState publishes the event on CallChannel. Errors are logged and
// swallowed; there is no caller that can act on them.
func (p *RedisPublisher) PublishCallState(ctx context.Context, evt CallStateChangedV1) {
	p.publish(ctx, evt.EventType(), evt.CallID, evt)
}

// PublishAnalysisCompleted publishes the terminal pipeline state on CallChannel.
func (p *RedisPublisher) PublishAnalysisCompleted(ctx context.Context, evt AnalysisCompletedV1) {
	p.publish(ctx, evt.EventType(), evt.CallID, evt)
}

func (p *RedisPublisher) publish(ctx context.Context, eventType, callID string, evt CanonicalEvent) {
	data, err := json.Marshal(struct {
		EventType string         `json:"event_type"`
		Payload   CanonicalEvent `json:"payload"`
	}{EventType: eventType, Payload: evt})
	if err != nil {
		p.logger.Error("failed to marshal call event", "error", err, "call_id", callID)
		return
	}
	if err := p.rdb.Publish(ctx, CallChannel, data).Err(); err != nil {
		p.logger.Warn("failed to publish call event", "error", err, "call_id", callID)
	}
}

// NopPublisher discards events; the default when nothing is configured.
type NopPublisher struct{}

// PublishCallState implements Publisher.
func (NopPublisher) PublishCallState(context.Context, CallStateChangedV1) {}

// PublishAnalysisCompleted implements Publisher.
func (NopPublisher) PublishAnalysisCompleted(context.Context, AnalysisCompletedV1) {}

var _ Publisher = (*RedisPublisher)(nil)
var _ Publisher = NopPublisher{}

// Subscribe returns a go-redis subscription on the call event channel; the
// live hub consumes it.
func Subscribe(ctx context.Context, rdb *redis.Client) (*redis.PubSub, error) {
	if rdb == nil {
		return nil, fmt.Errorf("events: redis client required")
	}
	sub := rdb.Subscribe(ctx, CallChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("events: subscribe %s: %w", CallChannel, err)
	}
	return sub, nil
}
