// Package config holds the runtime configuration for the conductor kernel.
// Config files are JSON5 so operators can comment them; secrets come from
// env vars only and are never written back to disk.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are settings applied to every agent unless overridden.
type AgentDefaults struct {
	Provider              string  `json:"provider"`
	Model                 string  `json:"model"`
	MaxTokens             int     `json:"max_tokens"`
	Temperature           float64 `json:"temperature"`
	MaxToolIterations     int     `json:"max_tool_iterations"`
	MaxToolIterationsPlan int     `json:"max_tool_iterations_plan"`
	MaxConcurrentWorkers  int     `json:"max_concurrent_workers"`
}

// AgentSpec overrides defaults for one agent template.
type AgentSpec struct {
	Provider          string  `json:"provider,omitempty"`
	Model             string  `json:"model,omitempty"`
	MaxTokens         int     `json:"max_tokens,omitempty"`
	Temperature       float64 `json:"temperature,omitempty"`
	MaxToolIterations int     `json:"max_tool_iterations,omitempty"`
}

// ProvidersConfig holds model provider credentials.
// API keys come from env only, never from the config file.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
}

// ProviderConfig is one provider's connection settings.
type ProviderConfig struct {
	APIKey  string `json:"-"` // env only
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

// GatewayConfig configures the WebSocket event gateway.
type GatewayConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Token           string `json:"-"` // env only
	MaxMessageChars int    `json:"max_message_chars"`
	RateLimitRPM    int    `json:"rate_limit_rpm"`
}

// DatabaseConfig selects the storage backend. PostgresDSN is never read from
// the config file, only from env CONDUCTOR_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"`        // "standalone" (sqlite, default) or "managed" (postgres)
	SQLitePath  string `json:"sqlite_path,omitempty"` // standalone mode database file
}

// IsManagedMode reports whether the kernel runs against Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// SchedulerConfig configures the background task scheduler.
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	TickInterval string `json:"tick_interval,omitempty"` // Go duration, default 60s
}

// TickDuration parses TickInterval, falling back to one minute.
func (s SchedulerConfig) TickDuration() time.Duration {
	if s.TickInterval == "" {
		return time.Minute
	}
	d, err := time.ParseDuration(s.TickInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}
