// Package scheduler triggers a daily extraction run and executes it as a separate
// process.
package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/dvloznov/invoice-ingest/internal/config"
)

// Schedule knows when the next run is due.
type Schedule interface {
	// Next returns the first activation strictly after now, in now's location.
	Next(now time.Time) time.Time
	String() string
}

// CronSchedule is a crontab-like time table.
type CronSchedule struct {
	expr *cronexpr.Expression
	src  string
}

// ParseCron parses a standard 5-field (or 6/7-field) cron expression. Expressions
// that are well formed but never fire, such as "0 0 30 2 *", are rejected.
func ParseCron(expr string) (*CronSchedule, error) {
	exp, err := cronexpr.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("ParseCron: %q: %w", expr, err)
	}
	if exp.Next(time.Now()).IsZero() {
		return nil, fmt.Errorf("ParseCron: %q: %w", expr, ErrNoActivation)
	}
	return &CronSchedule{expr: exp, src: expr}, nil
}

func (s *CronSchedule) Next(now time.Time) time.Time { return s.expr.Next(now) }

func (s *CronSchedule) String() string { return s.src }

// DailyAt fires once a day at a fixed wall-clock time.
type DailyAt struct {
	Hour, Minute int
}

// Next returns today's activation if it is still ahead of now, otherwise tomorrow's.
func (d DailyAt) Next(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), d.Hour, d.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = time.Date(now.Year(), now.Month(), now.Day()+1, d.Hour, d.Minute, 0, 0, now.Location())
	}
	return next
}

func (d DailyAt) String() string { return fmt.Sprintf("daily at %02d:%02d", d.Hour, d.Minute) }

// FromConfig returns the cron schedule when one is configured and parses, and the
// daily fallback otherwise. The error explains why the fallback was chosen.
func FromConfig(cfg config.ScheduleConfig) (Schedule, error) {
	fallback := DailyAt{Hour: cfg.Hour, Minute: cfg.Minute}
	if fallback.Hour < 0 || fallback.Hour > 23 || fallback.Minute < 0 || fallback.Minute > 59 {
		fallback = DailyAt{Hour: 2}
	}
	if strings.TrimSpace(cfg.Cron) == "" {
		return fallback, nil
	}
	s, err := ParseCron(cfg.Cron)
	if err != nil {
		return fallback, err
	}
	return s, nil
}
