package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis (optional status cache — empty disables it)
	RedisURL string

	// Supabase storage
	SupabaseURL        string
	SupabaseServiceKey string
	SourceBucket       string // bucket holding uploaded source videos
	ExportsBucket      string // bucket receiving finished export zips

	// Worker
	WorkerEnabled       bool
	WorkerID            string // stamped on claimed jobs; defaults to hostname
	MaxConcurrentJobs   int
	PollIntervalSeconds int
	JobTimeoutMinutes   int // wall-clock cap per job; 0 disables
	ScratchDir          string

	// Retry janitor
	JanitorEnabled bool
	MaxRetries     int

	// Downloads
	SignedURLTTLSeconds int

	// Shutdown
	ShutdownGraceSeconds int // how long to wait for in-flight jobs on shutdown
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "export-worker"
	}

	cfg := &Config{
		APIPort:              getEnv("API_PORT", "8080"),
		BackendAPIKey:        getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:   getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		RedisURL:             getEnv("REDIS_URL", ""),
		SupabaseURL:          getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:   getEnv("SUPABASE_SERVICE_KEY", ""),
		SourceBucket:         getEnv("SOURCE_BUCKET", "source-videos"),
		ExportsBucket:        getEnv("EXPORTS_BUCKET", "exports"),
		WorkerEnabled:        getEnvBool("WORKER_ENABLED", true),
		WorkerID:             getEnv("WORKER_ID", hostname),
		MaxConcurrentJobs:    getEnvInt("MAX_CONCURRENT_JOBS", 1),
		PollIntervalSeconds:  getEnvInt("POLL_INTERVAL_SECONDS", 2),
		JobTimeoutMinutes:    getEnvInt("JOB_TIMEOUT_MINUTES", 30),
		ScratchDir:           getEnv("SCRATCH_DIR", "/tmp/autocut-exports"),
		JanitorEnabled:       getEnvBool("JANITOR_ENABLED", true),
		MaxRetries:           getEnvInt("MAX_RETRIES", 3),
		SignedURLTTLSeconds:  getEnvInt("SIGNED_URL_TTL_SECONDS", 600),
		ShutdownGraceSeconds: getEnvInt("SHUTDOWN_GRACE_SECONDS", 60),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	if cfg.MaxConcurrentJobs < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}

	if cfg.PollIntervalSeconds < 1 {
		return nil, fmt.Errorf("POLL_INTERVAL_SECONDS must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}
