package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Loom control plane.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Loop      LoopConfig
	Upstream  UpstreamConfig
	Policy    PolicyConfig
}

type DatabaseConfig struct {
	// URL selects the Postgres store when set; empty means in-memory.
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// LoopConfig bounds a single decision-loop turn.
type LoopConfig struct {
	// StepBudget is the maximum number of decision cycles per turn.
	StepBudget int
	// ToolCallTimeout bounds how long a dispatched tool call may stay
	// pending before the broker settles it with a timeout error.
	ToolCallTimeout time.Duration
	// ApprovalTimeout bounds how long a call may wait for a human
	// decision before the approval expires.
	ApprovalTimeout time.Duration
}

// UpstreamConfig locates the external collaborators.
type UpstreamConfig struct {
	// DeciderURL is the LLM decision service endpoint.
	DeciderURL string
	// ExecutorURL is the tool executor endpoint. Results come back
	// asynchronously on the /api/v1/tools/results callback.
	ExecutorURL string
	// RequestTimeout applies to individual upstream HTTP requests.
	RequestTimeout time.Duration
}

// PolicyConfig configures the approval gate's rule set.
type PolicyConfig struct {
	// RulesFile is an optional JSON file of operator-defined
	// PolicyRules, merged over the built-in defaults.
	RulesFile string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("LOOM_PORT", 8080),
		Version: envStr("LOOM_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "loom-control-plane"),
		},
		Loop: LoopConfig{
			StepBudget:      envInt("LOOM_STEP_BUDGET", 8),
			ToolCallTimeout: envDuration("LOOM_TOOL_CALL_TIMEOUT", 90*time.Second),
			ApprovalTimeout: envDuration("LOOM_APPROVAL_TIMEOUT", 10*time.Minute),
		},
		Upstream: UpstreamConfig{
			DeciderURL:     envStr("LOOM_DECIDER_URL", "http://localhost:9090/v1/decide"),
			ExecutorURL:    envStr("LOOM_EXECUTOR_URL", "http://localhost:9191/v1/execute"),
			RequestTimeout: envDuration("LOOM_UPSTREAM_TIMEOUT", 120*time.Second),
		},
		Policy: PolicyConfig{
			RulesFile: envStr("LOOM_POLICY_RULES_FILE", ""),
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
		if i, err := strconv.Atoi(v); err == nil {
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

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
