package calls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/covecare/callops/internal/events"
	observemetrics "github.com/covecare/callops/internal/observability/metrics"
	"github.com/covecare/callops/internal/patients"
	"github.com/covecare/callops/internal/phone"
	"github.com/covecare/callops/pkg/logging"
)

// DefaultCorrelationWindow bounds how far back an end-event may reach for its
// matching start. One constant, everywhere: the matching risk for a window
// this size is a simultaneous second call from the same number, which the
// newest-first tie-break already covers.
const DefaultCorrelationWindow = 10 * time.Minute

// Correlator turns the bridge's independent, identifier-less notifications
// into coherent call records. Start and end events are associated purely by
// (phone, direction, time window); the bridge shares no call id with us.
type Correlator struct {
	store     *Store
	resolver  *patients.Resolver
	publisher events.Publisher
	metrics   *observemetrics.CallMetrics
	logger    *logging.Logger
	window    time.Duration
	now       func() time.Time
}

// CorrelatorConfig wires the correlator's collaborators.
type CorrelatorConfig struct {
	Store     *Store
	Resolver  *patients.Resolver
	Publisher events.Publisher
	Metrics   *observemetrics.CallMetrics
	Logger    *logging.Logger
	Window    time.Duration
}

// NewCorrelator builds a correlator.
func NewCorrelator(cfg CorrelatorConfig) *Correlator {
	if cfg.Store == nil {
		panic("calls: store required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NopPublisher{}
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultCorrelationWindow
	}
	return &Correlator{
		store:     cfg.Store,
		resolver:  cfg.Resolver,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		window:    cfg.Window,
		now:       time.Now,
	}
}

// StartNotification is a bridge call-start event after boundary validation.
type StartNotification struct {
	CallerNumber string
	CalleeLine   string
	Direction    Direction
	Timestamp    time.Time
}

// EndNotification is a bridge call-end event after boundary validation.
type EndNotification struct {
	CallerNumber    string
	Direction       Direction
	DurationSeconds int
	EndStatus       string
	Timestamp       time.Time
}

// OnCallStart always creates a new ringing record, resolves the caller's
// identity, and notifies live clients. The returned record carries the id
// external systems use to tag a later recording upload.
func (c *Correlator) OnCallStart(ctx context.Context, n StartNotification) (*CallRecord, error) {
	ts := n.Timestamp
	if ts.IsZero() {
		ts = c.now().UTC()
	}

	rec := &CallRecord{
		Phone:              phone.Format(n.CallerNumber),
		PhoneDigits:        phone.Normalize(n.CallerNumber),
		Direction:          n.Direction,
		LinkedCalleeNumber: phone.Format(n.CalleeLine),
		LifecycleStatus:    LifecycleRinging,
		AnalysisStatus:     AnalysisPending,
		StartedAt:          ts,
	}

	if c.resolver != nil {
		patient, err := c.resolver.Resolve(ctx, n.CallerNumber)
		if err != nil {
			// Identity resolution must never lose the call itself.
			c.logger.Error("identity resolution failed, continuing unmatched",
				"error", err, "phone", rec.Phone)
		} else if patient != nil {
			rec.PatientID = patient.ID
		}
	}

	if err := c.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("correlator: create call record: %w", err)
	}

	c.metrics.ObserveCallStart(string(n.Direction))
	c.publishState(ctx, rec)
	c.logger.Info("call started",
		"call_id", rec.ID,
		"phone", rec.Phone,
		"direction", rec.Direction,
		"patient_id", rec.PatientID,
	)
	return rec, nil
}

// OnCallEnd locates the newest still-ringing record for (phone, direction)
// inside the correlation window and closes it. Missed calls (zero duration)
// complete their analysis synchronously with the fixed missed-call
// classification; there is nothing to transcribe. End-events with no match
// are logged and discarded; the bridge restarts, redelivers, and drops
// events, and none of that is an error we can act on.
func (c *Correlator) OnCallEnd(ctx context.Context, n EndNotification) (*CallRecord, error) {
	ts := n.Timestamp
	if ts.IsZero() {
		ts = c.now().UTC()
	}
	digits := phone.Normalize(n.CallerNumber)
	windowStart := ts.Add(-c.window)

	lifecycle := LifecycleConnected
	analysis := AnalysisPending
	var result *AnalysisResult
	if n.DurationSeconds <= 0 {
		lifecycle = LifecycleMissed
		analysis = AnalysisComplete
		result = MissedCallResult()
	}

	rec, err := c.store.CloseRinging(ctx, digits, n.Direction, windowStart, ts, n.DurationSeconds, lifecycle, analysis, result)
	if err != nil {
		if errors.Is(err, ErrNoOpenCall) {
			c.metrics.ObserveCallEnd(string(n.Direction), "unmatched")
			c.logger.Info("end-event without open call, discarding",
				"phone", phone.Format(n.CallerNumber),
				"direction", n.Direction,
				"end_status", n.EndStatus,
			)
			return nil, nil
		}
		return nil, fmt.Errorf("correlator: close call: %w", err)
	}

	c.metrics.ObserveCallEnd(string(n.Direction), string(lifecycle))
	c.publishState(ctx, rec)
	c.logger.Info("call ended",
		"call_id", rec.ID,
		"phone", rec.Phone,
		"lifecycle_status", rec.LifecycleStatus,
		"duration_seconds", rec.DurationSeconds,
	)
	return rec, nil
}

func (c *Correlator) publishState(ctx context.Context, rec *CallRecord) {
	c.publisher.PublishCallState(ctx, events.CallStateChangedV1{
		CallID:          rec.ID,
		Phone:           rec.Phone,
		PatientID:       rec.PatientID,
		Direction:       string(rec.Direction),
		LifecycleStatus: string(rec.LifecycleStatus),
		AnalysisStatus:  string(rec.AnalysisStatus),
		OccurredAt:      c.now().UTC(),
	})
}
