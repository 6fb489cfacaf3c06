package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the comfy-pilot control plane.
type Config struct {
	Port      int
	Version   string
	Host      HostConfig
	Knowledge KnowledgeConfig
	Chat      ChatConfig
	Telemetry TelemetryConfig
}

// HostConfig locates the execution host that owns the operator
// registry and the GPU/model/custom-node inventory endpoints.
type HostConfig struct {
	BaseURL       string
	RegistryTTL   int // seconds
	FetchTimeout  int // seconds; loaded but not read: the registry's /object_info fetch uses a fixed 5s timeout
}

// KnowledgeConfig locates the canonical knowledge directory. UserDir is
// loaded but not read: the knowledge store always uses Dir's "user"
// subdirectory.
type KnowledgeConfig struct {
	Dir     string
	UserDir string
}

// ChatConfig tunes the conversation orchestrator's correction loop.
type ChatConfig struct {
	MaxCorrectionRetries int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	MetricsPort  int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("COMFY_PILOT_PORT", 8080),
		Version: envStr("COMFY_PILOT_VERSION", "0.1.0"),
		Host: HostConfig{
			BaseURL:      envStr("EXECUTION_HOST_URL", "http://127.0.0.1:8188"),
			RegistryTTL:  envInt("REGISTRY_CACHE_TTL_SECONDS", 60),
			FetchTimeout: envInt("REGISTRY_FETCH_TIMEOUT_SECONDS", 5),
		},
		Knowledge: KnowledgeConfig{
			Dir:     envStr("KNOWLEDGE_DIR", "knowledge/docs"),
			UserDir: envStr("KNOWLEDGE_USER_DIR", "user"),
		},
		Chat: ChatConfig{
			MaxCorrectionRetries: envInt("MAX_CORRECTION_RETRIES", 3),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "comfy-pilot-control-plane"),
			MetricsPort:  envInt("METRICS_PORT", 9090),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
