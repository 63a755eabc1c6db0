package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/covecare/callops/pkg/logging"
)

func TestRequestLoggerEchoesRequestID(t *testing.T) {
	mw := RequestLogger(logging.New("error"))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "bridge-retry-7")
	rec := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "bridge-retry-7" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
}

func TestRequestLoggerGeneratesRequestID(t *testing.T) {
	mw := RequestLogger(logging.New("error"))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected generated request id header")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
}
