package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/covecare/callops/cmd/mainconfig"
	"github.com/covecare/callops/internal/analysis"
	"github.com/covecare/callops/internal/api/router"
	"github.com/covecare/callops/internal/calls"
	"github.com/covecare/callops/internal/compliance"
	appconfig "github.com/covecare/callops/internal/config"
	"github.com/covecare/callops/internal/events"
	"github.com/covecare/callops/internal/http/handlers"
	"github.com/covecare/callops/internal/live"
	"github.com/covecare/callops/internal/notify"
	observemetrics "github.com/covecare/callops/internal/observability/metrics"
	"github.com/covecare/callops/internal/patients"
	"github.com/covecare/callops/internal/recordings"
	"github.com/covecare/callops/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting callops API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	// Every state change lands in the outbox for durable history; Redis adds
	// the live fan-out when configured, sharing one client with the hub.
	var publisher events.Publisher = events.NewOutboxPublisher(pool, logger)
	var hub *live.Hub
	if cfg.RedisAddr != "" {
		opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		rdb := redis.NewClient(opts)
		publisher = events.FanoutPublisher{publisher, events.NewRedisPublisher(rdb, logger)}
		hub = live.NewHub(rdb, logger)
		go func() {
			if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("live hub stopped", "error", err)
			}
		}()
	}

	callMetrics := observemetrics.NewCallMetrics(prometheus.DefaultRegisterer)
	callStore := calls.NewStore(pool)
	patientRepo := patients.NewPostgresRepository(pool)
	resolver := patients.NewResolver(patientRepo, logger)

	correlator := calls.NewCorrelator(calls.CorrelatorConfig{
		Store:     callStore,
		Resolver:  resolver,
		Publisher: publisher,
		Metrics:   callMetrics,
		Logger:    logger,
		Window:    cfg.CallCorrelationWindow,
	})

	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	runStore := analysis.NewRunStore(dynamoClient, cfg.AnalysisRunsTable, logger)

	s3Client := s3.NewFromConfig(awsCfg)
	var recordingStore *recordings.Store
	if cfg.RecordingsBucket != "" {
		recordingStore = recordings.NewStore(s3Client, s3.NewPresignClient(s3Client), cfg.RecordingsBucket, logger)
	}

	var trigger analysis.Trigger
	if cfg.UseMemoryQueue {
		// Development mode: the pipeline runs inside the API process.
		queue := analysis.NewMemoryQueue(64)
		trigger = analysis.NewPublisher(queue, runStore, logger)
		orchestrator := buildOrchestrator(ctx, cfg, awsCfg, callStore, recordingStore, publisher, callMetrics, logger)
		worker := analysis.NewWorker(orchestrator, queue, logger,
			analysis.WithWorkerCount(cfg.WorkerCount),
			analysis.WithRunStore(runStore),
		)
		worker.Start(ctx)
	} else {
		if cfg.AnalysisQueueURL == "" {
			logger.Error("ANALYSIS_QUEUE_URL is required unless USE_MEMORY_QUEUE is set")
			os.Exit(1)
		}
		sqsClient := sqs.NewFromConfig(awsCfg)
		trigger = analysis.NewPublisher(analysis.NewSQSQueue(sqsClient, cfg.AnalysisQueueURL), runStore, logger)
	}

	sqlDB, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open audit database handle", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sqlDB.Close() }()
	auditService := compliance.NewAuditService(sqlDB)

	bridgeHandler := handlers.NewBridgeWebhookHandler(handlers.BridgeWebhookConfig{
		Correlator: correlator,
		Processed:  events.NewProcessedStore(pool),
		Metrics:    callMetrics,
		Logger:     logger,
	})
	recordingCfg := handlers.RecordingConfig{
		Store:   callStore,
		Trigger: trigger,
		Logger:  logger,
	}
	if recordingStore != nil {
		recordingCfg.Recordings = recordingStore
	}
	recordingHandler := handlers.NewRecordingHandler(recordingCfg)
	adminCfg := handlers.AdminCallsConfig{
		Store:   callStore,
		Trigger: trigger,
		Audit:   auditService,
		Runs:    runStore,
		Logger:  logger,
	}
	if recordingStore != nil {
		adminCfg.Signer = recordingStore
	}
	adminHandler := handlers.NewAdminCallsHandler(adminCfg)

	routerCfg := &router.Config{
		Logger:             logger,
		BridgeWebhooks:     bridgeHandler,
		Recordings:         recordingHandler,
		AdminCalls:         adminHandler,
		MetricsHandler:     promhttp.Handler(),
		AdminAuthSecret:    cfg.AdminJWTSecret,
		CORSAllowedOrigins: splitOrigins(cfg.CORSAllowedOrigins),
	}
	if hub != nil {
		routerCfg.LiveFeed = hub.HandleWebSocket
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router.New(routerCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// buildOrchestrator assembles the in-process pipeline used in memory-queue
// mode. The standalone worker binary does the same wiring for production.
func buildOrchestrator(
	ctx context.Context,
	cfg *appconfig.Config,
	awsCfg aws.Config,
	store *calls.Store,
	recordingStore *recordings.Store,
	publisher events.Publisher,
	metrics *observemetrics.CallMetrics,
	logger *logging.Logger,
) *analysis.Orchestrator {
	transcriber, err := analysis.NewHTTPTranscriber(analysis.TranscriberConfig{
		BaseURL: cfg.TranscriberBaseURL,
		APIKey:  cfg.TranscriberAPIKey,
		Timeout: cfg.TranscriberTimeout,
	})
	if err != nil {
		logger.Error("failed to configure transcriber", "error", err)
		os.Exit(1)
	}

	classifier := analysis.NewClassifier(analysis.ClassifierConfig{
		LLM:     buildLLMClient(ctx, cfg, awsCfg, logger),
		ModelID: cfg.BedrockModelID,
		Logger:  logger,
	})

	orchCfg := analysis.OrchestratorConfig{
		Store:       store,
		Transcriber: transcriber,
		Classifier:  classifier,
		Publisher:   publisher,
		Notifier:    buildNotifier(cfg, awsCfg, logger),
		Metrics:     metrics,
		Logger:      logger,
	}
	if recordingStore != nil {
		orchCfg.Signer = recordingStore
	}
	return analysis.NewOrchestrator(orchCfg)
}

// buildLLMClient prefers Bedrock with Gemini as fallback; either alone works.
func buildLLMClient(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) analysis.LLMClient {
	var primary, fallback analysis.LLMClient
	if cfg.BedrockModelID != "" {
		primary = analysis.NewBedrockLLMClient(bedrockruntime.NewFromConfig(awsCfg))
	}
	if cfg.GeminiAPIKey != "" {
		gemini, err := analysis.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			logger.Error("failed to initialize Gemini client", "error", err)
		} else if primary == nil {
			primary = gemini
		} else {
			fallback = gemini
		}
	}
	if primary == nil {
		logger.Error("no LLM configured; set BEDROCK_MODEL_ID or GEMINI_API_KEY")
		os.Exit(1)
	}
	if fallback != nil {
		return analysis.NewFallbackLLMClient(primary, fallback, logger)
	}
	return primary
}

func buildNotifier(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) *notify.Service {
	var sender notify.EmailSender
	switch cfg.EmailProvider {
	case "sendgrid":
		if s := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); s != nil {
			sender = s
		}
	case "ses":
		if s := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SESFromName,
		}, logger); s != nil {
			sender = s
		}
	default:
		if s := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); s != nil {
			sender = s
		} else if cfg.SESFromEmail != "" {
			sender = notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
				FromEmail: cfg.SESFromEmail,
				FromName:  cfg.SESFromName,
			}, logger)
		}
	}
	if sender == nil {
		sender = notify.NewStubEmailSender(logger)
	}
	return notify.NewService(sender, cfg.AlertEmail, logger)
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
