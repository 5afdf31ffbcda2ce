package config

import (
	"github.com/spf13/viper"
)

// DefaultServerPort is the management API port.
const DefaultServerPort = 8480

// SetDefaults configures default values for every option.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "rubato.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"http://127.0.0.1",
	})

	v.SetDefault("scheduler.workers", 10)
	v.SetDefault("scheduler.batch_size", 10)
	v.SetDefault("scheduler.idle_ms", 1000)
	v.SetDefault("scheduler.lease_ms", 60_000)
	v.SetDefault("scheduler.zombie_age_ms", 300_000)
	v.SetDefault("scheduler.zombie_sweep_seconds", 60)
	v.SetDefault("scheduler.shutdown_timeout_ms", 30_000)
	v.SetDefault("scheduler.heartbeat_seconds", 60)

	v.SetDefault("planner.enabled", true)
	v.SetDefault("planner.model", "claude-sonnet-4-20250514")
	v.SetDefault("planner.base_url", "https://api.anthropic.com")
	v.SetDefault("planner.interval_seconds", 300)
	v.SetDefault("planner.batch_size", 20)
	v.SetDefault("planner.max_tokens", 1500)
	v.SetDefault("planner.max_tool_calls", 15)
	v.SetDefault("planner.requests_per_minute", 30)

	v.SetDefault("dispatch.default_timeout_ms", 30_000)
	v.SetDefault("dispatch.max_redirects", 5)
	v.SetDefault("dispatch.allow_private_networks", false)

	// Tier limits: zero means "use the built-in default" (see tier package).
	v.SetDefault("tiers.free.min_interval_ms", 60_000)
	v.SetDefault("tiers.pro.min_interval_ms", 10_000)
	v.SetDefault("tiers.enterprise.min_interval_ms", 1_000)
	v.SetDefault("tiers.free.monthly_run_cap", 10_000)
	v.SetDefault("tiers.pro.monthly_run_cap", 100_000)
	v.SetDefault("tiers.enterprise.monthly_run_cap", 1_000_000)
}

// BindSensitiveEnvVars binds credentials and deployment-platform variables
// that should never live in a config file.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("planner.api_key", "RUBATO_PLANNER_API_KEY", "ANTHROPIC_API_KEY")
	v.BindEnv("database.path", "RUBATO_DATABASE_PATH", "DATABASE_URL")
	v.BindEnv("server.port", "RUBATO_SERVER_PORT", "PORT")
}
