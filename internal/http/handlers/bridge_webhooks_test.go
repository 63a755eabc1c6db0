package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/covecare/callops/internal/calls"
	"github.com/covecare/callops/pkg/logging"
)

func newBridgeHandler(t *testing.T) (*BridgeWebhookHandler, pgxmock.PgxPoolIface) {
	t.Helper()
	store, mock := newCallsStore(t)
	correlator := calls.NewCorrelator(calls.CorrelatorConfig{
		Store:  store,
		Logger: logging.New("error"),
	})
	handler := NewBridgeWebhookHandler(BridgeWebhookConfig{
		Correlator: correlator,
		Logger:     logging.New("error"),
	})
	return handler, mock
}

func TestHandleCallStartCreatesCall(t *testing.T) {
	handler, mock := newBridgeHandler(t)

	mock.ExpectQuery("INSERT INTO call_records").
		WithArgs(pgxmock.AnyArg(), "937-896-2713", "9378962713", calls.DirectionInbound,
			pgxmock.AnyArg(), pgxmock.AnyArg(), calls.LifecycleRinging, calls.AnalysisPending, pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows([]string{"created_at", "updated_at"}).
			AddRow(timeNow(t), timeNow(t)))

	body := `{"callerNumber": "9378962713", "calledNumber": "555-0100"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/bridge/call-start", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.HandleCallStart(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["call_id"] == "" {
		t.Fatalf("expected call_id in response, got %v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestHandleCallStartSnakeCaseFields(t *testing.T) {
	handler, mock := newBridgeHandler(t)

	mock.ExpectQuery("INSERT INTO call_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "9378962713", calls.DirectionOutbound,
			pgxmock.AnyArg(), pgxmock.AnyArg(), calls.LifecycleRinging, calls.AnalysisPending, pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows([]string{"created_at", "updated_at"}).
			AddRow(timeNow(t), timeNow(t)))

	body := `{"caller_number": "(937) 896-2713", "direction": "outbound", "timestamp": "2026-03-10T14:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/bridge/call-start", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.HandleCallStart(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestHandleCallStartMissingCallerIsAcknowledged(t *testing.T) {
	handler, _ := newBridgeHandler(t)

	body := `{"direction": "inbound"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/bridge/call-start", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.HandleCallStart(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for discarded event, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "discarded" {
		t.Fatalf("expected discarded status, got %v", resp)
	}
}

func TestHandleCallStartMalformedJSON(t *testing.T) {
	handler, _ := newBridgeHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/bridge/call-start", strings.NewReader("not json"))
	rec := httptest.NewRecorder()

	handler.HandleCallStart(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCallEndUnmatchedIsAcknowledged(t *testing.T) {
	handler, mock := newBridgeHandler(t)

	mock.ExpectQuery("UPDATE call_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), "9378962713", calls.DirectionInbound, pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows(callRecordColumns))

	body := `{"callerNumber": "9378962713", "duration": 42, "callStatus": "completed"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/bridge/call-end", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.HandleCallEnd(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unmatched end, got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "unmatched" {
		t.Fatalf("expected unmatched status, got %v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestHandleCallEndClosesCall(t *testing.T) {
	handler, mock := newBridgeHandler(t)

	closed := connectedCall("call-1")
	mock.ExpectQuery("UPDATE call_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), "9378962713", calls.DirectionInbound, pgxmock.AnyArg()).
		WillReturnRows(callRecordRows(mock, closed))

	body := `{"callerNumber": "9378962713", "duration": 180, "callStatus": "completed"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/bridge/call-end", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.HandleCallEnd(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["call_id"] != "call-1" {
		t.Fatalf("expected call-1, got %v", resp)
	}
	if resp["lifecycle_status"] != "connected" {
		t.Fatalf("expected connected, got %v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// trackerStub answers dedupe lookups from a fixed set.
type trackerStub struct {
	seen   map[string]bool
	marked []string
}

func (s *trackerStub) AlreadyProcessed(_ context.Context, _, eventID string) (bool, error) {
	return s.seen[eventID], nil
}

func (s *trackerStub) MarkProcessed(_ context.Context, _, eventID string) (bool, error) {
	s.marked = append(s.marked, eventID)
	return true, nil
}

func TestHandleCallEndDuplicateNotificationSkipped(t *testing.T) {
	store, _ := newCallsStore(t)
	correlator := calls.NewCorrelator(calls.CorrelatorConfig{Store: store, Logger: logging.New("error")})
	tracker := &trackerStub{seen: map[string]bool{"evt-1": true}}
	handler := NewBridgeWebhookHandler(BridgeWebhookConfig{
		Correlator: correlator,
		Processed:  tracker,
		Logger:     logging.New("error"),
	})

	body := `{"notificationId": "evt-1", "callerNumber": "9378962713", "duration": 30}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/bridge/call-end", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.HandleCallEnd(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "duplicate" {
		t.Fatalf("expected duplicate status, got %v", resp)
	}
	if len(tracker.marked) != 0 {
		t.Fatalf("duplicate must not be re-marked, got %v", tracker.marked)
	}
}

// Internal failures answer 500 so the bridge redelivers the notification;
// the correlator's conditional writes make the replay harmless.
func TestHandleCallStartStoreFailureTriggersRedelivery(t *testing.T) {
	handler, mock := newBridgeHandler(t)

	mock.ExpectQuery("INSERT INTO call_records").
		WillReturnError(errors.New("connection refused"))

	body := `{"callerNumber": "9378962713"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/bridge/call-start", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.HandleCallStart(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 so the bridge retries, got %d", rec.Code)
	}
}
