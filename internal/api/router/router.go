// Package router assembles the HTTP surface: bridge webhooks, the recording
// attachment endpoint, admin call endpoints, and the live websocket feed.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/covecare/callops/internal/http/handlers"
	httpmiddleware "github.com/covecare/callops/internal/http/middleware"
	"github.com/covecare/callops/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger *logging.Logger

	BridgeWebhooks *handlers.BridgeWebhookHandler
	Recordings     *handlers.RecordingHandler
	AdminCalls     *handlers.AdminCallsHandler

	// LiveFeed serves GET /ws/calls when a Redis-backed hub is configured.
	LiveFeed http.HandlerFunc

	MetricsHandler http.Handler

	AdminAuthSecret    string
	CORSAllowedOrigins []string
}

// New creates a chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.BridgeWebhooks != nil {
		r.Route("/webhooks/bridge", func(bridge chi.Router) {
			bridge.Post("/call-start", cfg.BridgeWebhooks.HandleCallStart)
			bridge.Post("/call-end", cfg.BridgeWebhooks.HandleCallEnd)
		})
	}

	if cfg.Recordings != nil {
		r.Post("/calls/{callID}/recording", cfg.Recordings.Attach)
	}

	if cfg.LiveFeed != nil {
		r.Get("/ws/calls", cfg.LiveFeed)
	}

	if cfg.AdminCalls != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Get("/calls", cfg.AdminCalls.ListCalls)
			admin.Get("/calls/{id}", cfg.AdminCalls.GetCall)
			admin.Get("/calls/{id}/audit", cfg.AdminCalls.AuditTrail)
			admin.Get("/calls/{id}/recording", cfg.AdminCalls.RecordingLink)
			admin.Post("/calls/{id}/analysis/retry", cfg.AdminCalls.RetryAnalysis)
			admin.Post("/calls/{id}/patient", cfg.AdminCalls.RepairPatientLink)
			admin.Get("/analysis/runs/{id}", cfg.AdminCalls.GetAnalysisRun)
		})
	}

	return r
}
