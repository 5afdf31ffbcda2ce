// Package cronexpr parses 5-field cron expressions and computes the next
// activation time. It wraps robfig/cron's standard parser so every caller
// shares one grammar: minute, hour, day-of-month, month, day-of-week, with
// descriptors like @hourly and @daily accepted as aliases.
package cronexpr

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rubato-io/rubato/errors"
)

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether expr is a well-formed 5-field cron expression.
func Validate(expr string) error {
	if expr == "" {
		return errors.NewInvalidRequestf("cron expression is empty")
	}
	if _, err := parser.Parse(expr); err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "invalid cron expression %q: %v", expr, err)
	}
	return nil
}

// Next returns the first activation of expr strictly after from.
// A zero time is never returned for a valid expression; expressions that
// can never fire again (robfig caps the search at five years out) yield
// an error instead.
func Next(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, errors.Wrapf(errors.ErrInvalidRequest, "invalid cron expression %q: %v", expr, err)
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, errors.Newf("cron expression %q has no future activation", expr)
	}
	return next, nil
}
