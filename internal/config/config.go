package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultInferenceURL is used when INFERENCE_API_URL is unset.
const DefaultInferenceURL = "http://localhost:8000"

// Config carries every setting read at startup.
type Config struct {
	Host                string
	Port                string
	LogLevel            string
	InferenceURL        string
	MaxUploadBytes      int64
	SessionSecret       string
	SessionTTL          time.Duration
	SecureCookies       bool
	PreviewTTL          time.Duration
	RedisAddr           string
	CORSAllowedOrigins  []string
	GRPCHealthAddr      string
	HealthProbeInterval time.Duration
	ShutdownTimeout     time.Duration
}

func (c *Config) ServerAddress() string {
	return net.JoinHostPort(strings.TrimSpace(c.Host), strings.TrimSpace(c.Port))
}

// LoadFromEnv reads the process environment once and validates the result.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Host:                getEnvOrDefault("HOST", "0.0.0.0"),
		Port:                getEnvOrDefault("PORT", "8080"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		InferenceURL:        getEnvOrDefault("INFERENCE_API_URL", DefaultInferenceURL),
		MaxUploadBytes:      parseIntOrDefault("MAX_UPLOAD_BYTES", 10*1024*1024), // 10MB
		SessionSecret:       getEnvOrDefault("SESSION_SECRET", "dev-secret"),
		SessionTTL:          parseDurationOrDefault("SESSION_TTL", 30*time.Minute),
		SecureCookies:       parseBoolOrDefault("SECURE_COOKIES", false),
		PreviewTTL:          parseDurationOrDefault("PREVIEW_TTL", 30*time.Minute),
		RedisAddr:           strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		CORSAllowedOrigins:  splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000")),
		GRPCHealthAddr:      lookupEnvOrDefault("GRPC_HEALTH_ADDR", ":9090"),
		HealthProbeInterval: parseDurationOrDefault("HEALTH_PROBE_INTERVAL", 15*time.Second),
		ShutdownTimeout:     parseDurationOrDefault("SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	p, err := strconv.Atoi(strings.TrimSpace(c.Port))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid PORT: %q", c.Port)
	}
	u, err := url.Parse(c.InferenceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid INFERENCE_API_URL: %q", c.InferenceURL)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0 (got %d)", c.MaxUploadBytes)
	}
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("SESSION_SECRET must not be empty")
	}
	if c.SessionTTL <= 0 || c.PreviewTTL <= 0 || c.HealthProbeInterval <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("durations must be > 0 (got session=%s, preview=%s, probe=%s, shutdown=%s)",
			c.SessionTTL, c.PreviewTTL, c.HealthProbeInterval, c.ShutdownTimeout)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// lookupEnvOrDefault lets an explicitly empty variable disable a feature.
func lookupEnvOrDefault(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
