package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule determines when a recurring job is due next.
type Schedule interface {
	Next(from time.Time) time.Time
	String() string
}

// cronParser accepts standard five-field expressions, descriptors such as
// @daily, and a CRON_TZ= prefix.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// minInterval is the shortest accepted fixed interval.
const minInterval = time.Second

// intervalSchedule fires every fixed duration after the previous occurrence.
type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(from time.Time) time.Time {
	return from.Add(s.every)
}

func (s intervalSchedule) String() string {
	return fmt.Sprintf("every %v", s.every)
}

// cronSchedule evaluates a cron expression in a fixed location and reports
// occurrences in UTC.
type cronSchedule struct {
	expr string
	spec cron.Schedule
	loc  *time.Location
}

func (s cronSchedule) Next(from time.Time) time.Time {
	next := s.spec.Next(from.In(s.loc))
	if next.IsZero() {
		return next
	}
	return next.UTC()
}

func (s cronSchedule) String() string {
	if s.loc == time.UTC {
		return s.expr
	}
	return fmt.Sprintf("%s (%s)", s.expr, s.loc)
}

// ParseSchedule parses a cron expression or a fixed interval. Intervals are
// written as a Go duration ("60s", "15m") or as "@every <duration>".
// timezone is an IANA name used to evaluate cron expressions; empty means UTC.
func ParseSchedule(expr, timezone string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}

	loc, err := loadLocation(timezone)
	if err != nil {
		return nil, err
	}

	if d, ok := parseInterval(expr); ok {
		if d < minInterval {
			return nil, fmt.Errorf("%w: interval %v is shorter than %v", ErrInvalidSchedule, d, minInterval)
		}
		return intervalSchedule{every: d}, nil
	}

	spec, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return cronSchedule{expr: expr, spec: spec, loc: loc}, nil
}

func parseInterval(expr string) (time.Duration, bool) {
	raw := expr
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		raw = strings.TrimSpace(rest)
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return d, true
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTimezone, name, err)
	}
	return loc, nil
}

// Expression builders for the common cases.

// EveryInterval returns an expression firing every d.
func EveryInterval(d time.Duration) string {
	return "@every " + d.String()
}

// HourlyAt returns an expression firing every hour at the given minute.
func HourlyAt(minute int) string {
	return fmt.Sprintf("%d * * * *", minute)
}

// DailyAt returns an expression firing once a day.
func DailyAt(hour, minute int) string {
	return fmt.Sprintf("%d %d * * *", minute, hour)
}

// WeeklyOn returns an expression firing once a week.
func WeeklyOn(weekday time.Weekday, hour, minute int) string {
	return fmt.Sprintf("%d %d * * %d", minute, hour, int(weekday))
}

// MonthlyOn returns an expression firing once a month. Months without the
// given day are skipped.
func MonthlyOn(day, hour, minute int) string {
	return fmt.Sprintf("%d %d %d * *", minute, hour, day)
}

// maxOccurrenceWalk bounds the step-by-step search for the latest missed
// occurrence before the search restarts near now.
const maxOccurrenceWalk = 1024

// latestOccurrence returns the last occurrence at or before now, starting
// from a known occurrence from <= now.
func latestOccurrence(s Schedule, from, now time.Time) time.Time {
	if iv, ok := s.(intervalSchedule); ok {
		n := now.Sub(from) / iv.every
		return from.Add(n * iv.every)
	}

	if last, ok := walkOccurrences(s, from, now); ok {
		return last
	}

	// Many occurrences were missed: find one close to now and walk from it.
	for window := time.Hour; window <= 5*366*24*time.Hour; window *= 2 {
		start := s.Next(now.Add(-window))
		if start.IsZero() || start.After(now) || start.Before(from) {
			continue
		}
		if last, ok := walkOccurrences(s, start, now); ok {
			return last
		}
	}
	return from
}

func walkOccurrences(s Schedule, from, now time.Time) (time.Time, bool) {
	last := from
	for range maxOccurrenceWalk {
		next := s.Next(last)
		if next.IsZero() || next.After(now) {
			return last, true
		}
		last = next
	}
	return last, false
}
