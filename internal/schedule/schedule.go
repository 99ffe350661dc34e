// Package schedule parses the schedule expressions accepted in the
// schedules section of the configuration.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

type Schedule struct {
	Kind     string
	CronExpr string        // kind=cron
	Interval time.Duration // kind=interval
	At       time.Time     // kind=once
}

// Parse accepts a cron expression (including gronx tags such as @hourly),
// "@every <duration>" or "@at <RFC3339 time>".
func Parse(raw string) (*Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty schedule")
	}

	if rest, ok := strings.CutPrefix(raw, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", rest, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("interval must be positive: %s", d)
		}
		return &Schedule{Kind: KindInterval, Interval: d}, nil
	}

	if rest, ok := strings.CutPrefix(raw, "@at "); ok {
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid time %q: %w", rest, err)
		}
		return &Schedule{Kind: KindOnce, At: t}, nil
	}

	if !gronx.New().IsValid(raw) {
		return nil, fmt.Errorf("invalid cron expression: %s", raw)
	}
	return &Schedule{Kind: KindCron, CronExpr: raw}, nil
}

// Next returns the first run strictly after from. ok is false when the
// schedule will never fire again.
func (s *Schedule) Next(from time.Time) (next time.Time, ok bool) {
	switch s.Kind {
	case KindCron:
		t, err := gronx.NextTickAfter(s.CronExpr, from, false)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case KindInterval:
		return from.Add(s.Interval), true
	case KindOnce:
		if s.At.After(from) {
			return s.At, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// String returns a human-readable description of the schedule.
func (s *Schedule) String() string {
	switch s.Kind {
	case KindCron:
		return s.CronExpr
	case KindInterval:
		d := s.Interval
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return "Every " + d.String()
		}
	case KindOnce:
		return "Once at " + s.At.Format("Jan 2 15:04")
	default:
		return s.Kind
	}
}
