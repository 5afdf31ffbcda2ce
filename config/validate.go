package config

import (
	"github.com/rubato-io/rubato/errors"
)

// Validate rejects configurations the workers cannot run with. Called by
// Load; a failure here is an unrecoverable init error (non-zero exit).
func Validate(cfg *Config) error {
	if cfg.Database.Path == "" {
		return errors.New("database.path must not be empty")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return errors.Newf("server.port %d out of range", cfg.Server.Port)
	}

	s := cfg.Scheduler
	if s.Workers < 1 {
		return errors.Newf("scheduler.workers must be >= 1, got %d", s.Workers)
	}
	if s.BatchSize < 1 {
		return errors.Newf("scheduler.batch_size must be >= 1, got %d", s.BatchSize)
	}
	if s.IdleMs < 10 {
		return errors.Newf("scheduler.idle_ms must be >= 10, got %d", s.IdleMs)
	}
	// The lease must outlive the slowest dispatch or live endpoints get
	// double-claimed.
	if s.LeaseMs < 2*cfg.Dispatch.DefaultTimeoutMs {
		return errors.Newf("scheduler.lease_ms (%d) must be at least twice dispatch.default_timeout_ms (%d)",
			s.LeaseMs, cfg.Dispatch.DefaultTimeoutMs)
	}
	if s.ZombieAgeMs < s.LeaseMs {
		return errors.Newf("scheduler.zombie_age_ms (%d) must be >= scheduler.lease_ms (%d)",
			s.ZombieAgeMs, s.LeaseMs)
	}

	p := cfg.Planner
	if p.Enabled {
		if p.MaxTokens < 1 {
			return errors.Newf("planner.max_tokens must be >= 1, got %d", p.MaxTokens)
		}
		if p.MaxToolCalls < 1 {
			return errors.Newf("planner.max_tool_calls must be >= 1, got %d", p.MaxToolCalls)
		}
		if p.IntervalSeconds < 10 {
			return errors.Newf("planner.interval_seconds must be >= 10, got %d", p.IntervalSeconds)
		}
		if p.RequestsPerMinute < 1 {
			return errors.Newf("planner.requests_per_minute must be >= 1, got %d", p.RequestsPerMinute)
		}
	}

	if cfg.Dispatch.DefaultTimeoutMs < 100 {
		return errors.Newf("dispatch.default_timeout_ms must be >= 100, got %d", cfg.Dispatch.DefaultTimeoutMs)
	}

	for name, t := range map[string]TierConfig{
		"tiers.free": cfg.Tiers.Free, "tiers.pro": cfg.Tiers.Pro, "tiers.enterprise": cfg.Tiers.Enterprise,
	} {
		if t.MinIntervalMs != 0 && t.MinIntervalMs < 1000 {
			return errors.Newf("%s.min_interval_ms must be >= 1000, got %d", name, t.MinIntervalMs)
		}
	}

	return nil
}
