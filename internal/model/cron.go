package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCron validates a 5-field cron expression (or an @macro) and returns
// the interval between its next two firings.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, fmt.Errorf("empty cron expression")
	}

	var schedule cron.Schedule
	var err error
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		schedule, err = parser5.Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next1 := schedule.Next(time.Now())
	next2 := schedule.Next(next1)
	return next2.Sub(next1), nil
}

var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseISODuration parses durations like P1D, PT5M or P1DT2H30M.
// Only integer day/hour/minute/second components are supported.
func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "" || dur == "P" || dur == "PT" {
		return 0, ErrISOFormat
	}
	m := isoDurationRx.FindStringSubmatch(dur)
	if m == nil {
		return 0, ErrISOFormat
	}

	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	var seen bool
	for i, unit := range units {
		part := m[i+1]
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %q: %w", part, err)
		}
		total += time.Duration(n) * unit
		seen = true
	}
	if !seen {
		return 0, ErrISOFormat
	}
	return total, nil
}

// Interval resolves a Schedule section to a concrete interval, for logging
// and for tests; gocron consumes the raw fields.
func (s *Schedule) Interval() (time.Duration, error) {
	if s == nil {
		return 0, errors.New("schedule is nil")
	}
	switch {
	case s.Cron != nil && *s.Cron != "":
		return ParseCron(*s.Cron)
	case s.Duration != nil && *s.Duration != "":
		return ParseISODuration(*s.Duration)
	default:
		return 0, errors.New("both cron and duration are empty")
	}
}
