package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/covecare/callops/internal/calls"
	observemetrics "github.com/covecare/callops/internal/observability/metrics"
	"github.com/covecare/callops/pkg/logging"
)

type processedTracker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// BridgeWebhookHandler receives call notifications from the telephony bridge.
// The bridge is a legacy appliance: it retries on any non-200, drops events
// under load, and sends slightly different field names depending on firmware.
// Both endpoints therefore parse tolerantly and answer 200 for anything that
// is valid JSON, even when the event itself is discarded.
type BridgeWebhookHandler struct {
	correlator *calls.Correlator
	processed  processedTracker
	metrics    *observemetrics.CallMetrics
	logger     *logging.Logger
}

type BridgeWebhookConfig struct {
	Correlator *calls.Correlator
	Processed  processedTracker
	Metrics    *observemetrics.CallMetrics
	Logger     *logging.Logger
}

func NewBridgeWebhookHandler(cfg BridgeWebhookConfig) *BridgeWebhookHandler {
	if cfg.Correlator == nil {
		panic("handlers: correlator required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &BridgeWebhookHandler{
		correlator: cfg.Correlator,
		processed:  cfg.Processed,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// bridgeNotification covers every field spelling observed across bridge
// firmware versions. Unknown fields are ignored.
type bridgeNotification struct {
	NotificationID  string `json:"notificationId"`
	NotificationID2 string `json:"notification_id"`
	EventID         string `json:"id"`

	CallerNumber  string `json:"callerNumber"`
	CallerNumber2 string `json:"caller_number"`
	Phone         string `json:"phone"`

	CalledNumber  string `json:"calledNumber"`
	CalledNumber2 string `json:"called_number"`
	Callee        string `json:"callee"`

	Direction string `json:"direction"`

	Duration         *int `json:"duration"`
	DurationSeconds  *int `json:"durationSeconds"`
	DurationSeconds2 *int `json:"duration_seconds"`

	CallStatus  string `json:"callStatus"`
	CallStatus2 string `json:"call_status"`

	Timestamp string `json:"timestamp"`
}

func (n bridgeNotification) notificationID() string {
	return firstNonEmpty(n.NotificationID, n.NotificationID2, n.EventID)
}

func (n bridgeNotification) caller() string {
	return firstNonEmpty(n.CallerNumber, n.CallerNumber2, n.Phone)
}

func (n bridgeNotification) callee() string {
	return firstNonEmpty(n.CalledNumber, n.CalledNumber2, n.Callee)
}

func (n bridgeNotification) endStatus() string {
	return firstNonEmpty(n.CallStatus, n.CallStatus2)
}

func (n bridgeNotification) duration() int {
	for _, d := range []*int{n.Duration, n.DurationSeconds, n.DurationSeconds2} {
		if d != nil {
			return *d
		}
	}
	return 0
}

// occurredAt parses the bridge timestamp, which is RFC3339 on current
// firmware and "2006-01-02 15:04:05" on older units. Zero means "use now".
func (n bridgeNotification) occurredAt() time.Time {
	if n.Timestamp == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, n.Timestamp); err == nil {
		return ts.UTC()
	}
	if ts, err := time.Parse("2006-01-02 15:04:05", n.Timestamp); err == nil {
		return ts.UTC()
	}
	return time.Time{}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// HandleCallStart processes a bridge call-start notification.
// POST /webhooks/bridge/call-start
func (h *BridgeWebhookHandler) HandleCallStart(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	n, ok := h.readNotification(w, r)
	if !ok {
		return
	}
	if n.caller() == "" {
		h.logger.Warn("call-start without caller number, discarding")
		writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
		return
	}
	if h.alreadySeen(r.Context(), n) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	rec, err := h.correlator.OnCallStart(r.Context(), calls.StartNotification{
		CallerNumber: n.caller(),
		CalleeLine:   n.callee(),
		Direction:    calls.ParseDirection(n.Direction),
		Timestamp:    n.occurredAt(),
	})
	if err != nil {
		h.logger.Error("call-start handling failed", "error", err)
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}
	h.markSeen(r.Context(), n)
	if h.metrics != nil {
		h.metrics.ObserveWebhookLatency("call_start", time.Since(start).Seconds())
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_id": rec.ID})
}

// HandleCallEnd processes a bridge call-end notification. An end-event with
// no matching open call is acknowledged and dropped.
// POST /webhooks/bridge/call-end
func (h *BridgeWebhookHandler) HandleCallEnd(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	n, ok := h.readNotification(w, r)
	if !ok {
		return
	}
	if n.caller() == "" {
		h.logger.Warn("call-end without caller number, discarding")
		writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
		return
	}
	if h.alreadySeen(r.Context(), n) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	rec, err := h.correlator.OnCallEnd(r.Context(), calls.EndNotification{
		CallerNumber:    n.caller(),
		Direction:       calls.ParseDirection(n.Direction),
		DurationSeconds: n.duration(),
		EndStatus:       n.endStatus(),
		Timestamp:       n.occurredAt(),
	})
	if err != nil {
		h.logger.Error("call-end handling failed", "error", err)
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}
	h.markSeen(r.Context(), n)
	if h.metrics != nil {
		h.metrics.ObserveWebhookLatency("call_end", time.Since(start).Seconds())
	}
	if rec == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unmatched"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"call_id":          rec.ID,
		"lifecycle_status": string(rec.LifecycleStatus),
	})
}

func (h *BridgeWebhookHandler) readNotification(w http.ResponseWriter, r *http.Request) (bridgeNotification, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return bridgeNotification{}, false
	}
	var n bridgeNotification
	if err := json.Unmarshal(body, &n); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return bridgeNotification{}, false
	}
	return n, true
}

// alreadySeen consults the dedupe store when the bridge supplied a
// notification id. Firmware without ids gets no dedupe; the correlator's
// conditional updates keep duplicates harmless anyway.
func (h *BridgeWebhookHandler) alreadySeen(ctx context.Context, n bridgeNotification) bool {
	id := n.notificationID()
	if h.processed == nil || id == "" {
		return false
	}
	seen, err := h.processed.AlreadyProcessed(ctx, "bridge", id)
	if err != nil {
		h.logger.Error("processed lookup failed", "error", err, "event_id", id)
		return false
	}
	return seen
}

func (h *BridgeWebhookHandler) markSeen(ctx context.Context, n bridgeNotification) {
	id := n.notificationID()
	if h.processed == nil || id == "" {
		return
	}
	if _, err := h.processed.MarkProcessed(ctx, "bridge", id); err != nil {
		h.logger.Error("failed to mark bridge event processed", "error", err, "event_id", id)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
