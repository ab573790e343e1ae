package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Provider:              "anthropic",
				Model:                 "claude-sonnet-4-5-20250929",
				MaxTokens:             8192,
				Temperature:           0.7,
				MaxToolIterations:     10,
				MaxToolIterationsPlan: 30,
				MaxConcurrentWorkers:  8,
			},
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18890,
			MaxMessageChars: 32000,
			RateLimitRPM:    20,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.conductor/conductor.db",
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			TickInterval: "60s",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CONDUCTOR_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("CONDUCTOR_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("CONDUCTOR_GATEWAY_TOKEN", &c.Gateway.Token)

	envStr("CONDUCTOR_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("CONDUCTOR_MODEL", &c.Agents.Defaults.Model)

	envStr("CONDUCTOR_HOST", &c.Gateway.Host)
	if v := os.Getenv("CONDUCTOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("CONDUCTOR_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CONDUCTOR_MODE", &c.Database.Mode)
	envStr("CONDUCTOR_SQLITE_PATH", &c.Database.SQLitePath)

	envStr("CONDUCTOR_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CONDUCTOR_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CONDUCTOR_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CONDUCTOR_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CONDUCTOR_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	if v := os.Getenv("CONDUCTOR_SCHEDULER_ENABLED"); v != "" {
		c.Scheduler.Enabled = v == "true" || v == "1"
	}
}

// ResolveAgent returns the effective settings for one agent template,
// merging defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentType string) AgentDefaults {
	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentType]; ok {
		if spec.Provider != "" {
			d.Provider = spec.Provider
		}
		if spec.Model != "" {
			d.Model = spec.Model
		}
		if spec.MaxTokens > 0 {
			d.MaxTokens = spec.MaxTokens
		}
		if spec.Temperature > 0 {
			d.Temperature = spec.Temperature
		}
		if spec.MaxToolIterations > 0 {
			d.MaxToolIterations = spec.MaxToolIterations
		}
	}
	return d
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
