package config

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway.
type Config struct {
	// Server
	Port string
	Env  string

	// Storage
	DatabaseDSN string
	RedisURL    string

	// Auth
	AdminAPIKey string

	// Cloud provider
	CloudAPIURL string
	CloudAPIKey string
	// PublicIP is the CIDR allowed through the service-port security
	// rule on provisioned VMs.
	PublicIP string

	// Outbound completion calls (non-streaming) are bounded by this timeout.
	UpstreamTimeout time.Duration

	// Provisioning poll budgets
	VMStatusAttempts    int
	VMStatusDelay       time.Duration
	EngineProbeAttempts int
	EngineProbeDelay    time.Duration

	// Logging
	LogLevel string
	LogFile  string
}

// Load loads configuration from environment variables, with optional
// .env file support.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		DatabaseDSN:         getEnv("DATABASE_DSN", ""),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		AdminAPIKey:         getEnv("ADMIN_API_KEY", ""),
		CloudAPIURL:         getEnv("CLOUD_API_URL", "https://infrahub-api.nexgencloud.com/v1/core"),
		CloudAPIKey:         getEnv("CLOUD_API_KEY", ""),
		PublicIP:            getEnv("PUBLIC_IP", ""),
		UpstreamTimeout:     time.Duration(getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 120)) * time.Second,
		VMStatusAttempts:    getEnvInt("VM_STATUS_ATTEMPTS", 60),
		VMStatusDelay:       time.Duration(getEnvInt("VM_STATUS_DELAY_SECONDS", 60)) * time.Second,
		EngineProbeAttempts: getEnvInt("ENGINE_PROBE_ATTEMPTS", 30),
		EngineProbeDelay:    time.Duration(getEnvInt("ENGINE_PROBE_DELAY_SECONDS", 30)) * time.Second,
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFile:             getEnv("LOG_FILE", ""),
	}

	if cfg.DatabaseDSN == "" {
		return nil, fmt.Errorf("DATABASE_DSN is required")
	}
	if cfg.AdminAPIKey == "" {
		return nil, fmt.Errorf("ADMIN_API_KEY is required")
	}

	return cfg, nil
}

// DetectPublicIP asks an echo service for the caller's public address.
// Falls back to 0.0.0.0/0 when detection fails, which opens the
// service port to the world.
func DetectPublicIP() string {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get("https://httpbin.org/ip")
	if err != nil {
		return "0.0.0.0/0"
	}
	defer resp.Body.Close()

	var payload struct {
		Origin string `json:"origin"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Origin == "" {
		return "0.0.0.0/0"
	}
	return payload.Origin
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
