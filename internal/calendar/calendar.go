// Package calendar converts wall-clock intervals into elapsed business time.
package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// BusinessConfig describes the working calendar. WorkdayStart and WorkdayEnd are
// offsets from local midnight; WorkdayEnd may be 24h.
type BusinessConfig struct {
	WorkdayStart time.Duration
	WorkdayEnd   time.Duration
	Location     *time.Location
	Holidays     map[string]struct{}
	Weekdays     map[time.Weekday]bool
}

// Default returns a Mon–Fri 09:00–17:00 UTC calendar without holidays.
func Default() BusinessConfig {
	return BusinessConfig{
		WorkdayStart: 9 * time.Hour,
		WorkdayEnd:   17 * time.Hour,
		Location:     time.UTC,
		Weekdays:     DefaultWeekdays(),
	}
}

func DefaultWeekdays() map[time.Weekday]bool {
	return map[time.Weekday]bool{
		time.Monday:    true,
		time.Tuesday:   true,
		time.Wednesday: true,
		time.Thursday:  true,
		time.Friday:    true,
	}
}

func (c BusinessConfig) Validate() error {
	if c.Location == nil {
		return fmt.Errorf("calendar: timezone is required")
	}
	if c.WorkdayStart < 0 || c.WorkdayEnd > 24*time.Hour {
		return fmt.Errorf("calendar: working hours must be within 00:00-24:00")
	}
	if c.WorkdayEnd <= c.WorkdayStart {
		return fmt.Errorf("calendar: workday end %s must be after start %s", c.WorkdayEnd, c.WorkdayStart)
	}
	if len(c.Weekdays) == 0 {
		return fmt.Errorf("calendar: at least one working weekday is required")
	}
	return nil
}

// ElapsedBusinessHours returns the working time between start and end, in hours.
// A reversed or empty interval yields 0.
func ElapsedBusinessHours(start, end time.Time, cfg BusinessConfig) float64 {
	return ElapsedBusiness(start, end, cfg).Hours()
}

func ElapsedBusiness(start, end time.Time, cfg BusinessConfig) time.Duration {
	if !end.After(start) {
		return 0
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	start = start.In(loc)
	end = end.In(loc)

	var total time.Duration
	y, m, d := start.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, loc)
	for !day.After(end) {
		if cfg.isWorkingDay(day) {
			wStart, wEnd := cfg.window(day)
			lo := maxTime(start, wStart)
			hi := minTime(end, wEnd)
			if hi.After(lo) {
				total += hi.Sub(lo)
			}
		}
		y, m, d = day.Date()
		day = time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	}
	return total
}

// IsWorkingTime reports whether t falls inside a working window.
func (c BusinessConfig) IsWorkingTime(t time.Time) bool {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	if !c.isWorkingDay(t) {
		return false
	}
	wStart, wEnd := c.window(t)
	return !t.Before(wStart) && t.Before(wEnd)
}

func (c BusinessConfig) isWorkingDay(day time.Time) bool {
	if !c.Weekdays[day.Weekday()] {
		return false
	}
	if _, holiday := c.Holidays[day.Format(dateLayout)]; holiday {
		return false
	}
	return true
}

// window builds the day's working window from wall-clock fields so DST shifts are respected.
func (c BusinessConfig) window(day time.Time) (time.Time, time.Time) {
	y, m, d := day.Date()
	loc := day.Location()
	sh, sm := splitClock(c.WorkdayStart)
	eh, em := splitClock(c.WorkdayEnd)
	return time.Date(y, m, d, sh, sm, 0, 0, loc), time.Date(y, m, d, eh, em, 0, 0, loc)
}

func splitClock(d time.Duration) (int, int) {
	minutes := int(d / time.Minute)
	return minutes / 60, minutes % 60
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// ParseClock parses "HH:MM" (or "HH") into an offset from midnight. "24:00" is accepted.
func ParseClock(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	parts := strings.SplitN(value, ":", 2)
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", value)
	}
	m := 0
	if len(parts) == 2 {
		m, err = strconv.Atoi(parts[1])
		if err != nil || m < 0 || m > 59 {
			return 0, fmt.Errorf("invalid clock time %q", value)
		}
	}
	if h < 0 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid clock time %q", value)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// ParseHolidays parses YYYY-MM-DD dates; blank entries are ignored.
func ParseHolidays(values []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(values))
	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", v, err)
		}
		out[t.Format(dateLayout)] = struct{}{}
	}
	return out, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekdays parses names like "mon,tue" (first three letters are significant).
func ParseWeekdays(values []string) (map[time.Weekday]bool, error) {
	out := map[time.Weekday]bool{}
	for _, raw := range values {
		v := strings.ToLower(strings.TrimSpace(raw))
		if v == "" {
			continue
		}
		if len(v) > 3 {
			v = v[:3]
		}
		wd, ok := weekdayNames[v]
		if !ok {
			return nil, fmt.Errorf("invalid weekday %q", raw)
		}
		out[wd] = true
	}
	return out, nil
}
