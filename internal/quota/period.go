package quota

import (
	"fmt"
	"strings"
	"time"
)

// Period is a fixed-size consumption window. Windows are wall-clock
// aligned in UTC, not rolling from first use, so two subjects in the
// same period always share boundaries.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// ParsePeriod parses a period name.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return p, nil
	}
	return "", fmt.Errorf("unknown quota period %q", s)
}

// Start returns the window start containing now. Weekly windows start
// Monday 00:00 UTC.
func (p Period) Start(now time.Time) time.Time {
	now = now.UTC()
	switch p {
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	case PeriodWeekly:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default: // daily
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// End returns the exclusive end of the window containing now.
func (p Period) End(now time.Time) time.Time {
	start := p.Start(now)
	switch p {
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	case PeriodWeekly:
		return start.AddDate(0, 0, 7)
	default:
		return start.AddDate(0, 0, 1)
	}
}
