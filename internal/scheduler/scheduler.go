// Package scheduler decides when a newly created job becomes eligible to run.
package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// InputKey is the job input field holding the optional deferred start time.
const InputKey = "scheduled_at"

var (
	ErrInvalidFormat = errors.New("invalid date-time format")
	ErrNotInFuture   = errors.New("scheduled_at must be in the future")
)

// Accepts "YYYY-MM-DD[T ]HH:MM[:SS[.ffffff]]" with an optional "Z" or ±HH[:MM] offset.
var reDateTime = regexp.MustCompile(
	`^(\d{4})-(\d{1,2})-(\d{1,2})[T ](\d{1,2}):(\d{1,2})` +
		`(?::(\d{1,2})(?:[.,](\d{1,9}))?)?\s*(Z|[+-]\d{2}(?::?\d{2})?)?$`)

// Scheduler computes eligibility times. Naive timestamps are read in loc, and
// "now" is taken from the injected clock.
type Scheduler struct {
	loc *time.Location
	now func() time.Time
}

// New creates a Scheduler that interprets naive timestamps in loc.
func New(loc *time.Location) *Scheduler {
	return NewWithClock(loc, time.Now)
}

// NewWithClock creates a Scheduler with an injectable clock (for testing).
func NewWithClock(loc *time.Location, now func() time.Time) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{loc: loc, now: now}
}

// Location returns the zone naive timestamps are interpreted in.
func (s *Scheduler) Location() *time.Location { return s.loc }

// EligibleAt returns the instant a job with the given input may first run.
// delayed is false when the input carries no scheduled_at, in which case the
// job is eligible now. An error means the job must fail without dispatch.
func (s *Scheduler) EligibleAt(input map[string]any) (at time.Time, delayed bool, err error) {
	now := s.now().In(s.loc)

	raw, ok := input[InputKey]
	if !ok || raw == nil {
		return now, false, nil
	}
	str, ok := raw.(string)
	if !ok {
		return time.Time{}, false, fmt.Errorf("%w: scheduled_at must be a string, got %v", ErrInvalidFormat, raw)
	}
	if strings.TrimSpace(str) == "" {
		return now, false, nil
	}

	eta, err := s.Parse(str)
	if err != nil {
		return time.Time{}, false, err
	}
	if !eta.After(now) {
		return time.Time{}, false, fmt.Errorf("%w: %s is not after %s",
			ErrNotInFuture, eta.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	return eta, true, nil
}

// Parse reads an ISO-8601-like date-time. Values without an offset are taken
// to be in the scheduler's zone.
func (s *Scheduler) Parse(value string) (time.Time, error) {
	m := reDateTime.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidFormat, value)
	}

	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	second := 0
	if m[6] != "" {
		second, _ = strconv.Atoi(m[6])
	}
	nsec := 0
	if m[7] != "" {
		frac := (m[7] + "000000000")[:9]
		nsec, _ = strconv.Atoi(frac)
	}

	loc := s.loc
	if m[8] != "" {
		var err error
		loc, err = parseOffset(m[8])
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidFormat, value)
		}
	}

	t := time.Date(year, time.Month(month), day, hour, minute, second, nsec, loc)
	// time.Date normalizes out-of-range fields; reject instead of rolling over.
	if t.Year() != year || int(t.Month()) != month || t.Day() != day ||
		t.Hour() != hour || t.Minute() != minute || t.Second() != second {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidFormat, value)
	}
	return t, nil
}

func parseOffset(tz string) (*time.Location, error) {
	if tz == "Z" {
		return time.UTC, nil
	}
	sign := 1
	if tz[0] == '-' {
		sign = -1
	}
	digits := strings.ReplaceAll(tz[1:], ":", "")
	hours, err := strconv.Atoi(digits[:2])
	if err != nil {
		return nil, err
	}
	minutes := 0
	if len(digits) == 4 {
		if minutes, err = strconv.Atoi(digits[2:]); err != nil {
			return nil, err
		}
	}
	if hours > 23 || minutes > 59 {
		return nil, fmt.Errorf("offset out of range: %s", tz)
	}
	return time.FixedZone(tz, sign*(hours*3600+minutes*60)), nil
}
