package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	LogLevel    string
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Validation  ValidationConfig
	Anomaly     AnomalyConfig
	Billing     BillingConfig
	Artifact    ArtifactConfig
	HTTP        HTTPConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	EventsExchange   string
	DLQQueue         string
	PrefetchCount    int
}

// ValidationConfig holds validation settings for queued reading submissions
type ValidationConfig struct {
	TimestampToleranceMinutes int
}

// AnomalyConfig holds usage spike detection settings
type AnomalyConfig struct {
	SpikeThreshold            float64
	MinDataPointsForDetection int
	HistoryWindow             int
}

// BillingConfig holds rate and bill lifecycle settings
type BillingConfig struct {
	// UnitRate is the price of one cubic meter. Zero means not configured.
	UnitRate         decimal.Decimal
	Currency         string
	GracePeriodDays  int
	OperationTimeout time.Duration
}

// ArtifactConfig selects and configures artifact storage for meter photos and payment proofs
type ArtifactConfig struct {
	Backend        string
	BaseDir        string
	S3Bucket       string
	S3Region       string
	MaxUploadBytes int64
}

// HTTPConfig holds portal API settings
type HTTPConfig struct {
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	unitRate, err := getEnvAsDecimal("BILLING_UNIT_RATE")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "water-metering-portal"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8080),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "water-portal.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "water-portal.ingest.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "meter.reading.submitted"),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "water-portal.billing.events.exchange"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "water-portal.ingest.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Validation: ValidationConfig{
			TimestampToleranceMinutes: getEnvAsInt("VALIDATION_TIMESTAMP_TOLERANCE_MINUTES", 10080),
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 3.0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
			HistoryWindow:             getEnvAsInt("ANOMALY_HISTORY_WINDOW", 10),
		},
		Billing: BillingConfig{
			UnitRate:         unitRate,
			Currency:         getEnv("BILLING_CURRENCY", "IDR"),
			GracePeriodDays:  getEnvAsInt("BILLING_GRACE_PERIOD_DAYS", 30),
			OperationTimeout: getEnvAsDuration("BILLING_OPERATION_TIMEOUT", 10*time.Second),
		},
		Artifact: ArtifactConfig{
			Backend:        getEnv("ARTIFACT_BACKEND", "disk"),
			BaseDir:        getEnv("ARTIFACT_BASE_DIR", "./data/artifacts"),
			S3Bucket:       getEnv("ARTIFACT_S3_BUCKET", ""),
			S3Region:       getEnv("ARTIFACT_S3_REGION", "ap-southeast-1"),
			MaxUploadBytes: int64(getEnvAsInt("ARTIFACT_MAX_UPLOAD_BYTES", 5<<20)),
		},
		HTTP: HTTPConfig{
			AllowedOrigins:  getEnvAsList("HTTP_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if cfg.Billing.GracePeriodDays < 0 {
		return nil, fmt.Errorf("BILLING_GRACE_PERIOD_DAYS must not be negative")
	}
	switch cfg.Artifact.Backend {
	case "disk", "memory":
	case "s3":
		if cfg.Artifact.S3Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required when ARTIFACT_BACKEND=s3")
		}
	default:
		return nil, fmt.Errorf("unsupported ARTIFACT_BACKEND %q", cfg.Artifact.Backend)
	}

	return cfg, nil
}

// GracePeriod returns the bill due-date offset
func (c BillingConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var values []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}

// getEnvAsDecimal is strict: a malformed rate is a startup error rather than a silent default.
func getEnvAsDecimal(key string) (decimal.Decimal, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s is not a valid decimal: %w", key, err)
	}
	return value, nil
}
