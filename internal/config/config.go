package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Storage
	StoreBackend   string
	DatabaseURL    string
	DBMaxOpenConns int
	LockTimeout    time.Duration

	// Fraud engine
	FraudMaxAmount     decimal.Decimal
	FraudFlagThreshold decimal.Decimal
	VelocityLimit      int
	VelocityWindow     time.Duration
	VelocityWeight     decimal.Decimal
	MerchantBlacklist  []string

	// Receipt reconciliation
	AutoVerifyThreshold decimal.Decimal
	MinMatchConfidence  decimal.Decimal
	ReceiptSearchWindow time.Duration
	CandidateLimit      int
	TaskResultTTL       time.Duration
	WorkerConcurrency   int
	TaskQueueSize       int
	OCRAPIURL           string
	ReceiptDir          string
	ReceiptMaxBytes     int64

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Observability
	OTLPEndpoint string
}

// DefaultBlacklist mirrors the merchants blocked out of the box.
var DefaultBlacklist = []string{
	"SUSPICIOUS_VENDOR_1",
	"BLACKLISTED_MERCHANT",
	"FRAUD_CORP",
	"SCAM_ENTERPRISES",
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreBackend:   getEnv("STORE_BACKEND", BackendMemory),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DBMaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 20),
		LockTimeout:    getEnvDuration("LOCK_TIMEOUT", 5*time.Second),

		FraudMaxAmount:     getEnvDecimal("FRAUD_MAX_AMOUNT", decimal.NewFromInt(5000)),
		FraudFlagThreshold: getEnvDecimal("FRAUD_FLAG_THRESHOLD", decimal.RequireFromString("0.70")),
		VelocityLimit:      getEnvInt("FRAUD_VELOCITY_LIMIT", 10),
		VelocityWindow:     getEnvDuration("FRAUD_VELOCITY_WINDOW", 60*time.Second),
		VelocityWeight:     getEnvDecimal("FRAUD_VELOCITY_WEIGHT", decimal.RequireFromString("0.30")),
		MerchantBlacklist:  getEnvList("MERCHANT_BLACKLIST", DefaultBlacklist),

		AutoVerifyThreshold: getEnvDecimal("RECEIPT_AUTO_VERIFY_THRESHOLD", decimal.RequireFromString("0.80")),
		MinMatchConfidence:  getEnvDecimal("RECEIPT_MIN_MATCH_CONFIDENCE", decimal.RequireFromString("0.70")),
		ReceiptSearchWindow: getEnvDuration("RECEIPT_SEARCH_WINDOW", 7*24*time.Hour),
		CandidateLimit:      getEnvInt("RECEIPT_CANDIDATE_LIMIT", 500),
		TaskResultTTL:       getEnvDuration("TASK_RESULT_TTL", time.Hour),
		WorkerConcurrency:   getEnvInt("WORKER_CONCURRENCY", 4),
		TaskQueueSize:       getEnvInt("TASK_QUEUE_SIZE", 256),
		OCRAPIURL:           getEnv("OCR_API_URL", ""),
		ReceiptDir:          getEnv("RECEIPT_DIR", "./receipts"),
		ReceiptMaxBytes:     int64(getEnvInt("RECEIPT_MAX_BYTES", 16<<20)),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("RECONCILE_MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("RECONCILE_INITIAL_BACKOFF", time.Second),
		MaxBackoff:     getEnvDuration("RECONCILE_MAX_BACKOFF", 30*time.Second),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
