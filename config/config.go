// Package config loads runtime configuration from the environment,
// with an optional .env file for development.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/voxelworld/voicelink/internal/assets"
)

type Config struct {
	// ServerHost and ServerPort are where the dev agent server binds.
	ServerHost string
	ServerPort string

	// AgentHost is the backend the client dials, host[:port] without a
	// scheme. Secure selects wss over ws.
	AgentHost string
	Secure    bool

	// GeminiAPIKey, when set, switches the dev agent server from the
	// scripted agent to the Gemini Live proxy.
	GeminiAPIKey string

	ImageTimeout          time.Duration
	DedupeWindow          time.Duration
	FallbackWarnThreshold float64
}

// Load reads the .env file if present, then the environment. Missing
// values fall back to development defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it: %v", err)
	}

	return Config{
		ServerHost:            getEnv("SERVER_HOST", "0.0.0.0"),
		ServerPort:            getEnv("SERVER_PORT", "8080"),
		AgentHost:             getEnv("AGENT_HOST", "localhost:8080"),
		Secure:                getBool("SECURE", false),
		GeminiAPIKey:          os.Getenv("GEMINI_API_KEY"),
		ImageTimeout:          getMillis("IMAGE_TIMEOUT_MS", assets.DefaultTimeout),
		DedupeWindow:          getMillis("DEDUPE_WINDOW_MS", assets.DefaultDedupeWindow),
		FallbackWarnThreshold: getFloat("FALLBACK_WARN_THRESHOLD", assets.DefaultWarningThreshold),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Invalid boolean for %s: %q, using default", key, value)
		return defaultValue
	}
	return parsed
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		log.Printf("Invalid duration for %s: %q, using default", key, value)
		return defaultValue
	}
	return time.Duration(parsed) * time.Millisecond
}

func getFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed <= 0 || parsed > 1 {
		log.Printf("Invalid ratio for %s: %q, using default", key, value)
		return defaultValue
	}
	return parsed
}
