package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// HTTP Server Configuration
	HTTPPort         string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	ShutdownTimeout  time.Duration

	// Worker Pool Configuration
	MaxConcurrentJobs int
	JobQueueCapacity  int

	// Job Store Configuration
	JobStore      string // memory | mongo
	MongoURI      string
	MongoDatabase string
	MongoTimeout  time.Duration
	JobRetention  time.Duration

	// Result Cache Configuration
	CacheBackend  string // memory | redis
	CacheTTL      time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Scheduler Configuration
	SchedulerEnabled bool
	SweepSchedule    string

	// Webhook Configuration
	WebhookURL         string
	WebhookTimeout     time.Duration
	WebhookMaxAttempts int

	// Stage Configuration
	PipelineConfig    string
	DefaultAPITimeout time.Duration

	// Rate Limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// CORS Configuration
	CORSAllowedOrigins   string
	CORSAllowedMethods   string
	CORSAllowedHeaders   string
	CORSAllowCredentials bool
	CORSMaxAge           int
}

// LoadDotEnv loads .env and .env.local when present. Variables already set in
// the environment win.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env.local", ".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			log.Printf("Warning: failed to load %s: %v", f, err)
		}
	}
}

// Load reads configuration from environment variables with sensible defaults
func Load() *Config {
	return &Config{
		// HTTP Server
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		HTTPReadTimeout:  getDurationEnv("HTTP_READ_TIMEOUT_SEC", 30) * time.Second,
		HTTPWriteTimeout: getDurationEnv("HTTP_WRITE_TIMEOUT_SEC", 30) * time.Second,
		ShutdownTimeout:  getDurationEnv("SHUTDOWN_TIMEOUT_SEC", 30) * time.Second,

		// Worker Pool
		MaxConcurrentJobs: getIntEnv("MAX_CONCURRENT_JOBS", 4),
		JobQueueCapacity:  getIntEnv("JOB_QUEUE_CAPACITY", 1000),

		// Job Store
		JobStore:      strings.ToLower(getEnv("JOB_STORE", "memory")),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017/quantflow?authSource=admin"),
		MongoDatabase: getEnv("MONGO_DATABASE", "quantflow"),
		MongoTimeout:  getDurationEnv("MONGO_TIMEOUT_SEC", 10) * time.Second,
		JobRetention:  getParsedDurationEnv("JOB_RETENTION", 24*time.Hour),

		// Result Cache
		CacheBackend:  strings.ToLower(getEnv("CACHE_BACKEND", "memory")),
		CacheTTL:      getDurationEnv("CACHE_TTL_SEC", 3600) * time.Second,
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		// Scheduler
		SchedulerEnabled: getBoolEnv("SCHEDULER_ENABLED", true),
		SweepSchedule:    getEnv("SWEEP_SCHEDULE", "@every 1m"),

		// Webhook
		WebhookURL:         getEnv("WEBHOOK_URL", ""),
		WebhookTimeout:     getDurationEnv("WEBHOOK_TIMEOUT_SEC", 10) * time.Second,
		WebhookMaxAttempts: getIntEnv("WEBHOOK_MAX_ATTEMPTS", 3),

		// Stages
		PipelineConfig:    getEnv("PIPELINE_CONFIG", ""),
		DefaultAPITimeout: getDurationEnv("DEFAULT_API_TIMEOUT_SEC", 30) * time.Second,

		// Rate Limiting
		RateLimitRPS:   getFloatEnv("RATE_LIMIT_RPS", 10),
		RateLimitBurst: getIntEnv("RATE_LIMIT_BURST", 20),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// CORS
		CORSAllowedOrigins:   getEnv("CORS_ALLOWED_ORIGINS", "*"),
		CORSAllowedMethods:   getEnv("CORS_ALLOWED_METHODS", "GET, POST, OPTIONS"),
		CORSAllowedHeaders:   getEnv("CORS_ALLOWED_HEADERS", "*"),
		CORSAllowCredentials: getBoolEnv("CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAge:           getIntEnv("CORS_MAX_AGE", 3600),
	}
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	if c.MaxConcurrentJobs < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENT_JOBS must be at least 1"))
	}
	if c.JobQueueCapacity < 1 {
		errs = append(errs, errors.New("JOB_QUEUE_CAPACITY must be at least 1"))
	}
	if c.JobStore != "memory" && c.JobStore != "mongo" {
		errs = append(errs, fmt.Errorf("JOB_STORE must be memory or mongo, got %q", c.JobStore))
	}
	if c.CacheBackend != "memory" && c.CacheBackend != "redis" {
		errs = append(errs, fmt.Errorf("CACHE_BACKEND must be memory or redis, got %q", c.CacheBackend))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL_SEC must be positive"))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS must not be negative"))
	}
	return errors.Join(errs...)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		log.Printf("Warning: Invalid integer value for %s, using default %d", key, defaultValue)
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Printf("Warning: Invalid number value for %s, using default %g", key, defaultValue)
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal)
		}
		log.Printf("Warning: Invalid duration value for %s, using default %d", key, defaultValue)
	}
	return time.Duration(defaultValue)
}

// getParsedDurationEnv reads Go duration syntax such as "24h" or "90m"
func getParsedDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Warning: Invalid duration value for %s, using default %s", key, defaultValue)
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		log.Printf("Warning: Invalid boolean value for %s, using default %t", key, defaultValue)
	}
	return defaultValue
}
