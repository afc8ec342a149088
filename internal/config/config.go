package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/indexpilot/indexpilot/internal/safesql"
)

type Config struct {
	// Database connection
	DatabaseURL string

	// Service addresses
	ListenAddr string
	NatsURL    string // optional, empty disables event publishing

	// Safety
	AccessMode       safesql.Mode
	StatementTimeout time.Duration

	// Tuning
	Tuning TuningConfig
}

type TuningConfig struct {
	MinImprovement    float64
	MaxCandidates     int
	MaxIndexWidth     int
	MinTotalTimeMs    float64
	DefaultMaxQueries int
	MaxRuntime        time.Duration
}

func Load() (*Config, error) {
	// Try multiple .env locations
	envPaths := []string{
		".env",
		"../.env",
		"/app/.env", // Docker
	}

	envLoaded := false
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			log.Printf("Loaded config from: %s", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		log.Printf("No .env file found, using environment variables")
	}

	cfg := &Config{
		// Database (required)
		DatabaseURL: os.Getenv("DATABASE_URL"),

		// Service addresses (with defaults)
		ListenAddr: getEnvOrDefault("LISTEN_ADDR", ":8080"),
		NatsURL:    os.Getenv("NATS_URL"),
	}

	mode, err := safesql.ParseMode(getEnvOrDefault("ACCESS_MODE", string(safesql.ModeUnrestricted)))
	if err != nil {
		return nil, fmt.Errorf("invalid ACCESS_MODE: %w", err)
	}
	cfg.AccessMode = mode

	cfg.StatementTimeout, err = durationEnv("STATEMENT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	cfg.Tuning = TuningConfig{DefaultMaxQueries: 20}
	cfg.Tuning.MaxCandidates, err = intEnv("TUNING_MAX_CANDIDATES", 200)
	if err != nil {
		return nil, err
	}
	cfg.Tuning.MaxIndexWidth, err = intEnv("TUNING_MAX_INDEX_WIDTH", 2)
	if err != nil {
		return nil, err
	}
	cfg.Tuning.MinImprovement, err = floatEnv("TUNING_MIN_IMPROVEMENT", 0.01)
	if err != nil {
		return nil, err
	}
	cfg.Tuning.MinTotalTimeMs, err = floatEnv("TUNING_MIN_TOTAL_TIME_MS", 5)
	if err != nil {
		return nil, err
	}
	cfg.Tuning.MaxRuntime, err = durationEnv("TUNING_MAX_RUNTIME", 30*time.Second)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	if c.StatementTimeout < 1*time.Second {
		return fmt.Errorf("STATEMENT_TIMEOUT must be at least 1 second")
	}
	if c.Tuning.MinImprovement <= 0 || c.Tuning.MinImprovement >= 1 {
		return fmt.Errorf("TUNING_MIN_IMPROVEMENT must be between 0 and 1")
	}
	if c.Tuning.MaxRuntime < 1*time.Second {
		return fmt.Errorf("TUNING_MAX_RUNTIME must be at least 1 second")
	}
	return nil
}

func durationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

// Helper function for defaults
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
