package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/covecare/callops/cmd/mainconfig"
	"github.com/covecare/callops/internal/analysis"
	"github.com/covecare/callops/internal/calls"
	appconfig "github.com/covecare/callops/internal/config"
	"github.com/covecare/callops/internal/events"
	"github.com/covecare/callops/internal/notify"
	observemetrics "github.com/covecare/callops/internal/observability/metrics"
	"github.com/covecare/callops/internal/recordings"
	"github.com/covecare/callops/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting callops analysis worker", "env", cfg.Env)

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

	if cfg.AnalysisQueueURL == "" {
		logger.Error("ANALYSIS_QUEUE_URL is required")
		os.Exit(1)
	}

	// Outbox history always; Redis live fan-out when configured.
	var publisher events.Publisher = events.NewOutboxPublisher(pool, logger)
	if cfg.RedisAddr != "" {
		opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		publisher = events.FanoutPublisher{publisher, events.NewRedisPublisher(redis.NewClient(opts), logger)}
	}

	callMetrics := observemetrics.NewCallMetrics(prometheus.DefaultRegisterer)
	callStore := calls.NewStore(pool)

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
		Store:       callStore,
		Transcriber: transcriber,
		Classifier:  classifier,
		Publisher:   publisher,
		Notifier:    buildNotifier(cfg, awsCfg, logger),
		Metrics:     callMetrics,
		Logger:      logger,
	}
	if cfg.RecordingsBucket != "" {
		s3Client := s3.NewFromConfig(awsCfg)
		orchCfg.Signer = recordings.NewStore(s3Client, s3.NewPresignClient(s3Client), cfg.RecordingsBucket, logger)
	}
	orchestrator := analysis.NewOrchestrator(orchCfg)

	sqsClient := sqs.NewFromConfig(awsCfg)
	queue := analysis.NewSQSQueue(sqsClient, cfg.AnalysisQueueURL)
	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	runStore := analysis.NewRunStore(dynamoClient, cfg.AnalysisRunsTable, logger)

	worker := analysis.NewWorker(orchestrator, queue, logger,
		analysis.WithWorkerCount(cfg.WorkerCount),
		analysis.WithRunStore(runStore),
	)
	worker.Start(ctx)

	sweeper := analysis.NewSweeper(analysis.SweeperConfig{
		Store:    callStore,
		Metrics:  callMetrics,
		Logger:   logger,
		StuckAge: cfg.AnalysisStuckAfter,
		Interval: cfg.SweepInterval,
	})
	go sweeper.Run(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down analysis worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("analysis worker stopped")
	case <-doneCtx.Done():
		logger.Error("analysis worker shutdown timed out", "error", doneCtx.Err())
	}
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
