// Package tier defines subscription tiers and the scheduling limits
// attached to them. The governor enforces MinInterval as a hard floor;
// quota enforces the monthly caps.
package tier

import (
	"time"

	"github.com/rubato-io/rubato/errors"
)

// Tier is a subscription level.
type Tier string

const (
	Free       Tier = "free"
	Pro        Tier = "pro"
	Enterprise Tier = "enterprise"
)

// Limits are the per-tier scheduling and quota bounds.
type Limits struct {
	// MinInterval is the floor no baseline, clamp, or AI hint may violate.
	MinInterval time.Duration

	// MaxEndpoints caps active (non-archived) endpoints per user.
	MaxEndpoints int

	// MonthlyRunCap caps scheduled runs per UTC month.
	MonthlyRunCap int64

	// MonthlyTokenCap caps AI planner token usage per UTC month.
	MonthlyTokenCap int64
}

// Table resolves a tier to its limits. Built by the config package so
// deployments can override the defaults.
type Table map[Tier]Limits

// DefaultTable returns the stock limits.
func DefaultTable() Table {
	return Table{
		Free: {
			MinInterval:     60 * time.Second,
			MaxEndpoints:    10,
			MonthlyRunCap:   10_000,
			MonthlyTokenCap: 100_000,
		},
		Pro: {
			MinInterval:     10 * time.Second,
			MaxEndpoints:    100,
			MonthlyRunCap:   100_000,
			MonthlyTokenCap: 1_000_000,
		},
		Enterprise: {
			MinInterval:     1 * time.Second,
			MaxEndpoints:    1_000,
			MonthlyRunCap:   1_000_000,
			MonthlyTokenCap: 10_000_000,
		},
	}
}

// For returns the limits for t, falling back to Free for unknown tiers
// so a bad row can never unlock enterprise floors.
func (tb Table) For(t Tier) Limits {
	if limits, ok := tb[t]; ok {
		return limits
	}
	return tb[Free]
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case Free, Pro, Enterprise:
		return true
	}
	return false
}

// Parse validates a tier string.
func Parse(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", errors.NewInvalidRequestf("unknown tier %q", s)
	}
	return t, nil
}
