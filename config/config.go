// Package config loads and validates rubato configuration.
//
// Sources, lowest to highest precedence: built-in defaults, /etc/rubato,
// ~/.rubato, a project-local rubato.toml found by walking up from the
// working directory, then RUBATO_* environment variables. A few legacy
// environment names (DATABASE_URL, PORT, ANTHROPIC_API_KEY) are bound
// explicitly for container deployments.
package config

import (
	"time"

	"github.com/rubato-io/rubato/tier"
)

// Config is the root configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Tiers     TiersConfig     `mapstructure:"tiers"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the management API server.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SchedulerConfig configures the scheduler worker.
type SchedulerConfig struct {
	Workers            int   `mapstructure:"workers"`              // in-flight dispatches per process
	BatchSize          int   `mapstructure:"batch_size"`           // endpoints claimed per tick
	IdleMs             int64 `mapstructure:"idle_ms"`               // sleep when no endpoints are due
	LeaseMs            int64 `mapstructure:"lease_ms"`              // claim lease duration
	ZombieAgeMs        int64 `mapstructure:"zombie_age_ms"`         // running-row age before sweep
	ZombieSweepSeconds int   `mapstructure:"zombie_sweep_seconds"`  // sweep cadence
	ShutdownTimeoutMs  int64 `mapstructure:"shutdown_timeout_ms"`   // drain budget on SIGTERM
	HeartbeatSeconds   int   `mapstructure:"heartbeat_seconds"`     // heartbeat log cadence
}

// Idle returns the empty-claim sleep as a duration.
func (s SchedulerConfig) Idle() time.Duration { return time.Duration(s.IdleMs) * time.Millisecond }

// Lease returns the claim lease as a duration.
func (s SchedulerConfig) Lease() time.Duration { return time.Duration(s.LeaseMs) * time.Millisecond }

// ZombieAge returns the zombie threshold as a duration.
func (s SchedulerConfig) ZombieAge() time.Duration {
	return time.Duration(s.ZombieAgeMs) * time.Millisecond
}

// ShutdownTimeout returns the drain budget as a duration.
func (s SchedulerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

// ZombieSweep returns the sweep cadence as a duration.
func (s SchedulerConfig) ZombieSweep() time.Duration {
	return time.Duration(s.ZombieSweepSeconds) * time.Second
}

// Heartbeat returns the heartbeat cadence as a duration.
func (s SchedulerConfig) Heartbeat() time.Duration {
	return time.Duration(s.HeartbeatSeconds) * time.Second
}

// PlannerConfig configures the AI planner worker.
type PlannerConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	BaseURL           string `mapstructure:"base_url"`
	IntervalSeconds   int    `mapstructure:"interval_seconds"`    // scan cadence
	BatchSize         int    `mapstructure:"batch_size"`          // endpoints analyzed per scan
	MaxTokens         int    `mapstructure:"max_tokens"`          // per LLM call
	MaxToolCalls      int    `mapstructure:"max_tool_calls"`      // per analysis session
	RequestsPerMinute int    `mapstructure:"requests_per_minute"` // process-wide LLM rate limit
}

// Interval returns the scan cadence as a duration.
func (p PlannerConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// DispatchConfig configures outbound HTTP dispatch.
type DispatchConfig struct {
	DefaultTimeoutMs     int64 `mapstructure:"default_timeout_ms"`
	MaxRedirects         int   `mapstructure:"max_redirects"`
	AllowPrivateNetworks bool  `mapstructure:"allow_private_networks"` // self-hosted deployments targeting internal nets
}

// DefaultTimeout returns the per-request deadline used when an endpoint
// does not set its own.
func (d DispatchConfig) DefaultTimeout() time.Duration {
	return time.Duration(d.DefaultTimeoutMs) * time.Millisecond
}

// TierConfig overrides the limits of one tier.
type TierConfig struct {
	MinIntervalMs   int64 `mapstructure:"min_interval_ms"`
	MaxEndpoints    int   `mapstructure:"max_endpoints"`
	MonthlyRunCap   int64 `mapstructure:"monthly_run_cap"`
	MonthlyTokenCap int64 `mapstructure:"monthly_token_cap"`
}

// TiersConfig carries per-tier overrides.
type TiersConfig struct {
	Free       TierConfig `mapstructure:"free"`
	Pro        TierConfig `mapstructure:"pro"`
	Enterprise TierConfig `mapstructure:"enterprise"`
}

// TierTable materializes the tier limits with config overrides applied.
func (c *Config) TierTable() tier.Table {
	table := tier.DefaultTable()
	apply := func(t tier.Tier, o TierConfig) {
		limits := table[t]
		if o.MinIntervalMs > 0 {
			limits.MinInterval = time.Duration(o.MinIntervalMs) * time.Millisecond
		}
		if o.MaxEndpoints > 0 {
			limits.MaxEndpoints = o.MaxEndpoints
		}
		if o.MonthlyRunCap > 0 {
			limits.MonthlyRunCap = o.MonthlyRunCap
		}
		if o.MonthlyTokenCap > 0 {
			limits.MonthlyTokenCap = o.MonthlyTokenCap
		}
		table[t] = limits
	}
	apply(tier.Free, c.Tiers.Free)
	apply(tier.Pro, c.Tiers.Pro)
	apply(tier.Enterprise, c.Tiers.Enterprise)
	return table
}
