package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string

	// Bridge correlation
	CallCorrelationWindow time.Duration

	// Analysis pipeline
	UseMemoryQueue     bool
	WorkerCount        int
	AnalysisQueueURL   string
	AnalysisRunsTable  string
	AnalysisStuckAfter time.Duration
	SweepInterval      time.Duration

	// Transcription stage
	TranscriberBaseURL string
	TranscriberAPIKey  string
	TranscriberTimeout time.Duration

	// Classification stage
	BedrockModelID string
	GeminiAPIKey   string
	GeminiModelID  string

	// Recordings
	RecordingsBucket string

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Events / live clients
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Admin surface
	AdminJWTSecret string

	// Operator notifications
	EmailProvider     string
	SESFromEmail      string
	SESFromName       string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	AlertEmail        string

	CORSAllowedOrigins string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		CallCorrelationWindow: getEnvAsDuration("CALL_CORRELATION_WINDOW", 10*time.Minute),

		UseMemoryQueue:     getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:        getEnvAsInt("WORKER_COUNT", 2),
		AnalysisQueueURL:   getEnv("ANALYSIS_QUEUE_URL", ""),
		AnalysisRunsTable:  getEnv("ANALYSIS_RUNS_TABLE", "analysis_runs"),
		AnalysisStuckAfter: getEnvAsDuration("ANALYSIS_STUCK_AFTER", 30*time.Minute),
		SweepInterval:      getEnvAsDuration("ANALYSIS_SWEEP_INTERVAL", 5*time.Minute),

		TranscriberBaseURL: getEnv("TRANSCRIBER_BASE_URL", ""),
		TranscriberAPIKey:  getEnv("TRANSCRIBER_API_KEY", ""),
		TranscriberTimeout: getEnvAsDuration("TRANSCRIBER_TIMEOUT", 120*time.Second),

		BedrockModelID: getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:  getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),

		RecordingsBucket: getEnv("RECORDINGS_BUCKET", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		EmailProvider:     getEnv("EMAIL_PROVIDER", "auto"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		SESFromName:       getEnv("SES_FROM_NAME", "CoveCare CallOps"),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "CoveCare CallOps"),
		AlertEmail:        getEnv("ALERT_EMAIL", ""),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
