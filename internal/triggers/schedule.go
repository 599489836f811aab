package triggers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned for unparseable schedules and options.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Schedule computes occurrences.
type Schedule interface {
	// Next returns the first occurrence strictly after t.
	Next(t time.Time) time.Time
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// maxSearchDays bounds the day-by-day search; a Feb 29 yearly schedule can
// be eight years from its previous occurrence.
const maxSearchDays = 8*366 + 1

// ParseSchedule parses a cron expression or a semantic interval. Semantic
// intervals start with "$." and are refined by opts. Cron expressions
// ignore opts and are evaluated in defaultTZ.
func ParseSchedule(expr string, opts Options, defaultTZ string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: schedule is required", ErrInvalidSchedule)
	}

	if strings.HasPrefix(expr, "$.") {
		return parseInterval(expr, opts, defaultTZ)
	}

	loc, err := loadLocation(defaultTZ)
	if err != nil {
		return nil, err
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing cron expression: %w", ErrInvalidSchedule, err)
	}
	return &cronSchedule{sched: sched, loc: loc}, nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidSchedule, name)
	}
	return loc, nil
}

type cronSchedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *cronSchedule) Next(t time.Time) time.Time {
	return s.sched.Next(t.In(s.loc)).UTC()
}

type period int

const (
	periodMinute period = iota
	periodHour
	periodDays
	periodMonth
	periodYear
)

type interval struct {
	period   period
	weekdays map[time.Weekday]bool
	dom      int
	month    time.Month
	hour     int
	minute   int
	loc      *time.Location
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseInterval(expr string, opts Options, defaultTZ string) (Schedule, error) {
	tz := opts.Timezone
	if tz == "" {
		tz = defaultTZ
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return nil, err
	}

	hour, minute, err := parseClock(opts.Time)
	if err != nil {
		return nil, err
	}

	iv := &interval{hour: hour, minute: minute, loc: loc}
	name := strings.ToLower(strings.TrimPrefix(expr, "$."))

	dayAllowed := false
	switch name {
	case "minutely":
		iv.period = periodMinute
	case "hourly":
		iv.period = periodHour
	case "daily":
		iv.period = periodDays
	case "weekdays":
		iv.period = periodDays
		iv.weekdays = weekdaySet(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
	case "weekends":
		iv.period = periodDays
		iv.weekdays = weekdaySet(time.Saturday, time.Sunday)
	case "weekly":
		dayAllowed = true
		iv.period = periodDays
		day := time.Sunday
		if opts.Day != "" {
			d, ok := parseWeekday(opts.Day)
			if !ok {
				return nil, fmt.Errorf("%w: day %q is not a weekday name", ErrInvalidSchedule, opts.Day)
			}
			day = d
		}
		iv.weekdays = weekdaySet(day)
	case "monthly":
		dayAllowed = true
		iv.period = periodMonth
		iv.dom = 1
		if opts.Day != "" {
			n, err := strconv.Atoi(opts.Day)
			if err != nil || n < 1 || n > 31 {
				return nil, fmt.Errorf("%w: day %q must be 1-31", ErrInvalidSchedule, opts.Day)
			}
			iv.dom = n
		}
	case "yearly":
		dayAllowed = true
		iv.period = periodYear
		iv.month, iv.dom = time.January, 1
		if opts.Day != "" {
			m, d, err := parseMonthDay(opts.Day)
			if err != nil {
				return nil, err
			}
			iv.month, iv.dom = m, d
		}
	default:
		day, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown interval %s", ErrInvalidSchedule, expr)
		}
		iv.period = periodDays
		iv.weekdays = weekdaySet(day)
	}

	if opts.Day != "" && !dayAllowed {
		return nil, fmt.Errorf("%w: day is only valid for $.Weekly, $.Monthly and $.Yearly", ErrInvalidSchedule)
	}
	return iv, nil
}

func weekdaySet(days ...time.Weekday) map[time.Weekday]bool {
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		set[d] = true
	}
	return set
}

func parseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(s)
	if d, ok := weekdayNames[s]; ok {
		return d, true
	}
	if len(s) == 3 {
		for name, d := range weekdayNames {
			if strings.HasPrefix(name, s) {
				return d, true
			}
		}
	}
	return 0, false
}

func parseClock(s string) (int, int, error) {
	if s == "" {
		return 0, 0, nil
	}
	hh, mm, ok := strings.Cut(s, ":")
	h, herr := strconv.Atoi(hh)
	m, merr := strconv.Atoi(mm)
	if !ok || herr != nil || merr != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidSchedule, s)
	}
	return h, m, nil
}

func parseMonthDay(s string) (time.Month, int, error) {
	mm, dd, ok := strings.Cut(s, "-")
	m, merr := strconv.Atoi(mm)
	d, derr := strconv.Atoi(dd)
	if !ok || merr != nil || derr != nil || m < 1 || m > 12 || d < 1 || d > daysIn(time.Month(m), 2024) {
		return 0, 0, fmt.Errorf("%w: day %q must be MM-DD", ErrInvalidSchedule, s)
	}
	return time.Month(m), d, nil
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func (iv *interval) Next(t time.Time) time.Time {
	local := t.In(iv.loc)

	switch iv.period {
	case periodMinute:
		return local.Truncate(time.Minute).Add(time.Minute).UTC()
	case periodHour:
		c := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), iv.minute, 0, 0, iv.loc)
		for !c.After(t) {
			c = c.Add(time.Hour)
		}
		return c.UTC()
	}

	for i := 0; i < maxSearchDays; i++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+i, 0, 0, 0, 0, iv.loc)
		if !iv.matches(day) {
			continue
		}
		c := time.Date(day.Year(), day.Month(), day.Day(), iv.hour, iv.minute, 0, 0, iv.loc)
		if c.After(t) {
			return c.UTC()
		}
	}
	return time.Time{}
}

// matches reports whether the calendar day carries an occurrence. A monthly
// day past the end of a month falls on its last day.
func (iv *interval) matches(day time.Time) bool {
	switch iv.period {
	case periodMonth:
		return day.Day() == min(iv.dom, daysIn(day.Month(), day.Year()))
	case periodYear:
		return day.Month() == iv.month && day.Day() == iv.dom
	}
	if iv.weekdays != nil {
		return iv.weekdays[day.Weekday()]
	}
	return true
}
