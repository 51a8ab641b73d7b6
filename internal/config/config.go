package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// JWT
	JWTSecret string

	// Anomaly worker
	WorkerCount         int
	TabBlurThreshold    time.Duration
	ReloadThreshold     int
	PasteLengthLimit    int
	LocationDriftMeters float64
	StaleSessionAfter   time.Duration

	// Frontend
	FrontendURL string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:                getEnvOrDefault("PORT", "8080"),
		Env:                 getEnvOrDefault("ENV", "development"),
		DatabaseURL:         mustGetEnv("DATABASE_URL"),
		RedisURL:            mustGetEnv("REDIS_URL"),
		JWTSecret:           mustGetEnv("JWT_SECRET"),
		WorkerCount:         getEnvAsIntOrDefault("ANOMALY_WORKERS", 3),
		TabBlurThreshold:    time.Duration(getEnvAsIntOrDefault("TAB_BLUR_THRESHOLD_SECONDS", 15)) * time.Second,
		ReloadThreshold:     getEnvAsIntOrDefault("RELOAD_THRESHOLD", 3),
		PasteLengthLimit:    getEnvAsIntOrDefault("PASTE_LENGTH_LIMIT", 200),
		LocationDriftMeters: getEnvAsFloatOrDefault("LOCATION_DRIFT_METERS", 500),
		StaleSessionAfter:   time.Duration(getEnvAsIntOrDefault("STALE_SESSION_MINUTES", 5)) * time.Minute,
		FrontendURL:         getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
	}

	return cfg
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsFloatOrDefault(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
