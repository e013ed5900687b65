// Package hostconfig loads the agent host's configuration from
// environment variables, in the teacher's internal/config idiom.
package hostconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the agent host.
type Config struct {
	// Identity
	MachineID     string
	ClientName    string
	ClientVersion string

	// Uplink settings
	GatewayURL        string
	HostAPIKey        string
	HeartbeatInterval time.Duration
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration

	// Workspace settings
	HomeDir         string
	WorktreeBaseDir string
	BrowsableRoots  []string

	// Backend registry
	BackendRegistryPath string

	// Event log (spec §4.1)
	EventLogPath        string
	EventLogRetention   time.Duration
	CompactionEnabled   bool

	// ACP settings
	ACPInitTimeout    time.Duration
	ACPRequestTimeout time.Duration

	// PTY settings
	DefaultShell string
	DefaultRows  int
	DefaultCols  int

	// Metrics/tracing
	MetricsPort int
	TracingOTLP string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	gatewayURL := getEnv("GATEWAY_URL", "")
	if gatewayURL == "" {
		return nil, fmt.Errorf("GATEWAY_URL is required")
	}

	homeDir := getEnv("HOME", "")
	if homeDir == "" {
		return nil, fmt.Errorf("HOME is required")
	}

	cfg := &Config{
		MachineID:     getEnv("MACHINE_ID", ""),
		ClientName:    getEnv("CLIENT_NAME", "agenthost"),
		ClientVersion: getEnv("CLIENT_VERSION", "dev"),

		GatewayURL:        gatewayURL,
		HostAPIKey:        getEnv("HOST_API_KEY", ""),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectMinDelay: getEnvDuration("RECONNECT_MIN_DELAY", 1*time.Second),
		ReconnectMaxDelay: getEnvDuration("RECONNECT_MAX_DELAY", 60*time.Second),

		HomeDir:         homeDir,
		WorktreeBaseDir: getEnv("WORKTREE_BASE_DIR", homeDir),
		BrowsableRoots:  getEnvStringSlice("BROWSABLE_ROOTS", []string{homeDir}),

		BackendRegistryPath: getEnv("BACKEND_REGISTRY_PATH", homeDir+"/.sessionhub/backends.yaml"),

		EventLogPath:      getEnv("EVENT_LOG_PATH", homeDir+"/.sessionhub/events.db"),
		EventLogRetention: getEnvDuration("EVENT_LOG_RETENTION", 7*24*time.Hour),
		CompactionEnabled: getEnvBool("COMPACTION_ENABLED", false),

		ACPInitTimeout:    getEnvDuration("ACP_INIT_TIMEOUT", 30*time.Second),
		ACPRequestTimeout: getEnvDuration("ACP_REQUEST_TIMEOUT", 120*time.Second),

		DefaultShell: getEnv("DEFAULT_SHELL", "/bin/bash"),
		DefaultRows:  getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols:  getEnvInt("DEFAULT_COLS", 80),

		MetricsPort: getEnvInt("METRICS_PORT", 9090),
		TracingOTLP: getEnv("TRACING_OTLP_ENDPOINT", ""),
	}

	if cfg.MachineID == "" {
		return nil, fmt.Errorf("MACHINE_ID is required")
	}

	return cfg, nil
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
