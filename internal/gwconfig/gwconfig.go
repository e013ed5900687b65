// Package gwconfig loads the gateway's configuration from environment
// variables, in the teacher's internal/config idiom.
package gwconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the gateway.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Identity provider settings
	IDPBaseURL string
	JWKSURL    string

	// JWT settings
	JWTAudience string
	JWTIssuer   string

	// Session cookie settings
	CookieName   string
	CookieSecure bool
	SessionTTL   time.Duration
	SessionCacheSize int

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Metrics/tracing
	MetricsPort int
	TracingOTLP string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	idpBaseURL := getEnv("IDP_BASE_URL", "")
	if idpBaseURL == "" {
		return nil, fmt.Errorf("IDP_BASE_URL is required")
	}

	cfg := &Config{
		Port:           getEnvInt("GATEWAY_PORT", 8080),
		Host:           getEnv("GATEWAY_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		IDPBaseURL: idpBaseURL,
		JWKSURL:    getEnv("JWKS_URL", idpBaseURL+"/.well-known/jwks.json"),

		JWTAudience: getEnv("JWT_AUDIENCE", "sessionhub-clients"),
		JWTIssuer:   getEnv("JWT_ISSUER", idpBaseURL),

		CookieName:       getEnv("COOKIE_NAME", "sessionhub_session"),
		CookieSecure:     getEnvBool("COOKIE_SECURE", true),
		SessionTTL:       getEnvDuration("SESSION_CACHE_TTL", 5*time.Minute),
		SessionCacheSize: getEnvInt("SESSION_CACHE_SIZE", 10000),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		MetricsPort: getEnvInt("METRICS_PORT", 9091),
		TracingOTLP: getEnv("TRACING_OTLP_ENDPOINT", ""),
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = deriveAllowedOrigins(idpBaseURL)
	}

	return cfg, nil
}

// deriveAllowedOrigins extracts a default CORS allow-list from the
// identity provider's base URL when none is configured explicitly.
func deriveAllowedOrigins(idpBaseURL string) []string {
	url := strings.TrimPrefix(idpBaseURL, "https://")
	url = strings.TrimPrefix(url, "http://")
	if idx := strings.Index(url, "/"); idx != -1 {
		url = url[:idx]
	}
	if idx := strings.Index(url, ":"); idx != -1 {
		url = url[:idx]
	}
	baseDomain := strings.TrimPrefix(url, "api.")
	return []string{idpBaseURL, "https://*." + baseDomain}
}

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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
