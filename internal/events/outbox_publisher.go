package events

import (
	"context"

	"github.com/covecare/callops/pkg/logging"
)

// OutboxPublisher appends every call event to the outbox table, giving each
// state change a durable history row next to the fire-and-forget Redis fan
// out. Append failures are logged and swallowed like every other publisher;
// call processing never fails because the history write did.
type OutboxPublisher struct {
	exec   execer
	logger *logging.Logger
}

// NewOutboxPublisher builds a publisher over a pgx executor (a pool works).
func NewOutboxPublisher(exec execer, logger *logging.Logger) *OutboxPublisher {
	if exec == nil {
		panic("events: executor required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &OutboxPublisher{exec: exec, logger: logger}
}

// PublishCallState appends the lifecycle change to the outbox.
func (p *OutboxPublisher) PublishCallState(ctx context.Context, evt CallStateChangedV1) {
	p.append(ctx, evt.CallID, evt)
}

// PublishAnalysisCompleted appends the terminal pipeline state to the outbox.
func (p *OutboxPublisher) PublishAnalysisCompleted(ctx context.Context, evt AnalysisCompletedV1) {
	p.append(ctx, evt.CallID, evt)
}

func (p *OutboxPublisher) append(ctx context.Context, callID string, evt CanonicalEvent) {
	if _, err := AppendCanonicalEvent(ctx, p.exec, "call:"+callID, callID, evt); err != nil {
		p.logger.Warn("failed to append call event to outbox", "error", err, "call_id", callID)
	}
}

// FanoutPublisher forwards each event to every configured publisher, so the
// outbox append and the Redis publish run off the same call sites.
type FanoutPublisher []Publisher

// PublishCallState implements Publisher.
func (f FanoutPublisher) PublishCallState(ctx context.Context, evt CallStateChangedV1) {
	for _, p := range f {
		p.PublishCallState(ctx, evt)
	}
}

// PublishAnalysisCompleted implements Publisher.
func (f FanoutPublisher) PublishAnalysisCompleted(ctx context.Context, evt AnalysisCompletedV1) {
	for _, p := range f {
		p.PublishAnalysisCompleted(ctx, evt)
	}
}

var _ Publisher = (*OutboxPublisher)(nil)
var _ Publisher = FanoutPublisher(nil)
