// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const defaultSessionSecret = "development-secret-change-in-production"

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	Environment        string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Storage
	DatabaseURL string
	RedisURL    string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Admin session
	SessionSecret string
	SessionCookie string

	// LLM settings
	AnthropicAPIKey   string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	DefaultLLM        string
	ChatModel         string
	EmbeddingModel    string
	CompletionTimeout time.Duration

	// Retrieval
	SimilarityThreshold        float64
	SimilarityThresholdRelaxed float64
	RetrievalTopK              int
	ContextDocMaxChars         int
	ContextTotalMaxChars       int

	// Presentation
	DemoMode bool

	// Summarizer
	SummaryMinUserMessages  int
	SummaryMinTotalMessages int
	SummaryTimeout          time.Duration
	WorkerConcurrency       int

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present; real environment variables
// take precedence.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		Environment:        getEnv("ENV", "production"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// Storage
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Session
		SessionSecret: getEnv("SESSION_SECRET", defaultSessionSecret),
		SessionCookie: getEnv("SESSION_COOKIE", "civic_session"),

		// LLM
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", ""),
		DefaultLLM:        getEnv("DEFAULT_LLM", "openai"),
		ChatModel:         getEnv("CHAT_MODEL", ""),
		EmbeddingModel:    getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		CompletionTimeout: getDurationEnv("COMPLETION_TIMEOUT", 90*time.Second),

		// Retrieval
		SimilarityThreshold:        getFloatEnv("SIMILARITY_THRESHOLD", 0.50),
		SimilarityThresholdRelaxed: getFloatEnv("SIMILARITY_THRESHOLD_RELAXED", 0.35),
		RetrievalTopK:              getIntEnv("RETRIEVAL_TOP_K", 5),
		ContextDocMaxChars:         getIntEnv("CONTEXT_DOC_MAX_CHARS", 2000),
		ContextTotalMaxChars:       getIntEnv("CONTEXT_TOTAL_MAX_CHARS", 8000),

		// Presentation
		DemoMode: getBoolEnv("DEMO_MODE", false),

		// Summarizer
		SummaryMinUserMessages:  getIntEnv("SUMMARY_MIN_USER_MESSAGES", 2),
		SummaryMinTotalMessages: getIntEnv("SUMMARY_MIN_TOTAL_MESSAGES", 4),
		SummaryTimeout:          getDurationEnv("SUMMARY_TIMEOUT", 30*time.Second),
		WorkerConcurrency:       getIntEnv("WORKER_CONCURRENCY", 4),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// IsDevelopment reports whether ENV=development.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Validate checks value ranges that would otherwise fail late at request time.
func (c *Config) Validate() error {
	var errs []error

	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("SIMILARITY_THRESHOLD must be in (0,1], got %v", c.SimilarityThreshold))
	}
	if c.SimilarityThresholdRelaxed <= 0 || c.SimilarityThresholdRelaxed > 1 {
		errs = append(errs, fmt.Errorf("SIMILARITY_THRESHOLD_RELAXED must be in (0,1], got %v", c.SimilarityThresholdRelaxed))
	}
	if c.SimilarityThresholdRelaxed > c.SimilarityThreshold {
		errs = append(errs, errors.New("SIMILARITY_THRESHOLD_RELAXED must not exceed SIMILARITY_THRESHOLD"))
	}
	if c.RetrievalTopK <= 0 {
		errs = append(errs, errors.New("RETRIEVAL_TOP_K must be positive"))
	}
	if c.ContextDocMaxChars <= 0 || c.ContextTotalMaxChars <= 0 {
		errs = append(errs, errors.New("context character caps must be positive"))
	}
	if c.DefaultLLM != "openai" && c.DefaultLLM != "anthropic" {
		errs = append(errs, fmt.Errorf("DEFAULT_LLM must be openai or anthropic, got %q", c.DefaultLLM))
	}
	if c.WorkerConcurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be positive"))
	}
	if !c.IsDevelopment() {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required outside development"))
		}
		if c.SessionSecret == defaultSessionSecret {
			errs = append(errs, errors.New("SESSION_SECRET must be set outside development"))
		}
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
