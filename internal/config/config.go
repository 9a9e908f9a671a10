// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mbd888/mulewatch/internal/risk"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// HTTP ingress
	CORSOrigins    []string // empty allows any origin
	RateLimitRPM   int      // POST /v1/transactions per client, 0 disables
	RateLimitBurst int

	// Database (optional, archive stays in memory if not set)
	DatabaseURL string

	// Tracing (optional)
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Engine
	RetentionCapacity int
	DetectionWindow   time.Duration
	QueueSize         int
	SubmitTimeout     time.Duration
	SeedFile          string // JSON array of transactions loaded at start-up

	// Scoring policy
	Rules               risk.RuleParams
	ReportableThreshold int
	Bands               risk.Bands
	ReasonPolicy        risk.ReasonPolicy

	// Event-stream ingest (disabled when no brokers are set)
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultRetentionCapacity = 500
	DefaultDetectionWindow   = 24 * time.Hour
	DefaultQueueSize         = 1024
	DefaultSubmitTimeout     = 5 * time.Second
	DefaultKafkaTopic        = "transactions"
	DefaultKafkaGroupID      = "mulewatch"
	DefaultRateLimitRPM      = 600
	DefaultRateLimitBurst    = 50
	DefaultTraceSampleRatio  = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	rules := risk.DefaultRuleParams()
	policy, err := risk.ParseReasonPolicy(os.Getenv("REASON_POLICY"))
	if err != nil {
		return nil, fmt.Errorf("REASON_POLICY: %w", err)
	}

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:       getEnvList("CORS_ORIGINS"),
		RateLimitRPM:      getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:  getEnvFloat("TRACE_SAMPLE_RATIO", DefaultTraceSampleRatio),
		RetentionCapacity: getEnvInt("RETENTION_CAPACITY", DefaultRetentionCapacity),
		DetectionWindow:   getEnvDuration("DETECTION_WINDOW", DefaultDetectionWindow),
		QueueSize:         getEnvInt("QUEUE_SIZE", DefaultQueueSize),
		SubmitTimeout:     getEnvDuration("SUBMIT_TIMEOUT", DefaultSubmitTimeout),
		SeedFile:          os.Getenv("SEED_FILE"),
		Rules: risk.RuleParams{
			FanInMinSenders:   getEnvInt("FANIN_MIN_SENDERS", rules.FanInMinSenders),
			FanInMinOutbound:  getEnvInt("FANIN_MIN_OUTBOUND", rules.FanInMinOutbound),
			FanInWeight:       getEnvInt("FANIN_WEIGHT", rules.FanInWeight),
			VelocityMaxHours:  getEnvFloat("VELOCITY_MAX_HOURS", rules.VelocityMaxHours),
			VelocityWeight:    getEnvInt("VELOCITY_WEIGHT", rules.VelocityWeight),
			HubMinDegree:      getEnvInt("HUB_MIN_DEGREE", rules.HubMinDegree),
			HubWeight:         getEnvInt("HUB_WEIGHT", rules.HubWeight),
			PassThroughRatio:  getEnvDecimal("PASSTHROUGH_RATIO", rules.PassThroughRatio),
			PassThroughWeight: getEnvInt("PASSTHROUGH_WEIGHT", rules.PassThroughWeight),
		},
		ReportableThreshold: getEnvInt("REPORTABLE_THRESHOLD", risk.DefaultReportableThreshold),
		Bands: risk.Bands{
			Medium: getEnvInt("MEDIUM_SCORE", risk.DefaultMediumScore),
			High:   getEnvInt("HIGH_SCORE", risk.DefaultHighScore),
		},
		ReasonPolicy: policy,
		KafkaBrokers: getEnvList("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", DefaultKafkaGroupID),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.RetentionCapacity <= 0 {
		return fmt.Errorf("RETENTION_CAPACITY must be positive")
	}
	if c.DetectionWindow <= 0 {
		return fmt.Errorf("DETECTION_WINDOW must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive")
	}
	if c.SubmitTimeout <= 0 {
		return fmt.Errorf("SUBMIT_TIMEOUT must be positive")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	if c.RateLimitRPM > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1")
	}
	if math.IsNaN(c.TraceSampleRatio) || c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.ReportableThreshold < 0 {
		return fmt.Errorf("REPORTABLE_THRESHOLD must not be negative")
	}
	if err := c.Bands.Validate(); err != nil {
		return fmt.Errorf("MEDIUM_SCORE/HIGH_SCORE: %w", err)
	}

	r := c.Rules
	for name, w := range map[string]int{
		"FANIN_WEIGHT":       r.FanInWeight,
		"VELOCITY_WEIGHT":    r.VelocityWeight,
		"HUB_WEIGHT":         r.HubWeight,
		"PASSTHROUGH_WEIGHT": r.PassThroughWeight,
	} {
		if w < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if r.FanInMinSenders < 1 {
		return fmt.Errorf("FANIN_MIN_SENDERS must be at least 1")
	}
	if math.IsNaN(r.VelocityMaxHours) || r.VelocityMaxHours <= 0 ||
		r.VelocityMaxHours > float64(math.MaxInt64/int64(time.Hour)) {
		return fmt.Errorf("VELOCITY_MAX_HOURS must be a positive number of hours that fits a duration")
	}
	if r.HubMinDegree < 0 {
		return fmt.Errorf("HUB_MIN_DEGREE must not be negative")
	}
	if !r.PassThroughRatio.IsPositive() {
		return fmt.Errorf("PASSTHROUGH_RATIO must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RateLimitEnabled reports whether submissions are rate limited.
func (c *Config) RateLimitEnabled() bool {
	return c.RateLimitRPM > 0
}

// KafkaEnabled reports whether the stream consumer should run.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
