package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Listen    string
	Env       string
	Version   string
	LogLevel  string
	LogFormat string

	// Tunnel routing
	BaseDomain         string
	Scheme             string
	ReservedSubdomains []string

	// Session directory
	MaxSessions   int
	SessionTTL    time.Duration
	SweepInterval time.Duration
	ExpiryGrace   time.Duration

	// Link
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	QueueDepth        int
	QueueBytes        int64
	AttachRateLimit   float64

	// Request broker
	RequestTimeout  time.Duration
	BodyTimeout     time.Duration
	AbandonGrace    time.Duration
	MaxRequestBody  int64
	InlineBodyMax   int

	// Ingress
	LocalFastPath bool

	// Persistence (empty disables it)
	DataDir string

	// CORS
	CORSAllowedOrigins []string
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Listen:             getEnv("WINGMAN_LISTEN", ":8787"),
		Env:                getEnv("WINGMAN_ENV", "development"),
		Version:            getEnv("WINGMAN_VERSION", "0.1.0"),
		LogLevel:           getEnv("WINGMAN_LOG_LEVEL", "info"),
		LogFormat:          getEnv("WINGMAN_LOG_FORMAT", "json"),
		BaseDomain:         getEnv("WINGMAN_BASE_DOMAIN", ""),
		Scheme:             getEnv("WINGMAN_SCHEME", "http"),
		ReservedSubdomains: getEnvAsSlice("WINGMAN_RESERVED_SUBDOMAINS", nil),
		MaxSessions:        getEnvAsInt("WINGMAN_MAX_SESSIONS", 512),
		SessionTTL:         getEnvAsDuration("WINGMAN_SESSION_TTL", 24*time.Hour),
		SweepInterval:      getEnvAsDuration("WINGMAN_SWEEP_INTERVAL", 60*time.Second),
		ExpiryGrace:        getEnvAsDuration("WINGMAN_EXPIRY_GRACE", 5*time.Minute),
		HeartbeatInterval:  getEnvAsDuration("WINGMAN_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatMisses:    getEnvAsInt("WINGMAN_HEARTBEAT_MISSES", 2),
		QueueDepth:         getEnvAsInt("WINGMAN_QUEUE_DEPTH", 256),
		QueueBytes:         getEnvAsInt64("WINGMAN_QUEUE_BYTES", 16<<20),
		AttachRateLimit:    getEnvAsFloat("WINGMAN_ATTACH_RATE", 10),
		RequestTimeout:     getEnvAsDuration("WINGMAN_REQUEST_TIMEOUT", 30*time.Second),
		BodyTimeout:        getEnvAsDuration("WINGMAN_BODY_TIMEOUT", 5*time.Second),
		AbandonGrace:       getEnvAsDuration("WINGMAN_ABANDON_GRACE", 10*time.Second),
		MaxRequestBody:     getEnvAsInt64("WINGMAN_MAX_REQUEST_BODY", 10<<20),
		InlineBodyMax:      getEnvAsInt("WINGMAN_INLINE_BODY_MAX", 64<<10),
		DataDir:            getEnv("WINGMAN_DATA_DIR", ""),
		CORSAllowedOrigins: getEnvAsSlice("WINGMAN_CORS_ALLOWED_ORIGINS", []string{"*"}),
	}

	// The fast path defaults on in development only; production relays
	// forward over the link even for loopback targets.
	cfg.LocalFastPath = getEnvAsBool("WINGMAN_LOCAL_FAST_PATH", cfg.Env == "development")

	if cfg.BaseDomain == "" {
		return nil, errors.New("config: WINGMAN_BASE_DOMAIN is required")
	}
	cfg.BaseDomain = strings.ToLower(strings.TrimSuffix(cfg.BaseDomain, "."))
	if cfg.Scheme != "http" && cfg.Scheme != "https" {
		return nil, fmt.Errorf("config: WINGMAN_SCHEME must be http or https, got %q", cfg.Scheme)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}
