// Package timewindow maps UTC instants onto a parish's civil calendar and
// decides whether a tick falls on the configured daily send time.
package timewindow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // zone rules without a system zoneinfo
)

// ErrInvalidTimezone is returned for zone names that are neither IANA nor UTC±N.
var ErrInvalidTimezone = errors.New("invalid timezone")

// DateKeyLayout is the civil date format used as the dedup unit.
const DateKeyLayout = "2006-01-02"

// Parts are the civil calendar fields of an instant in one zone.
type Parts struct {
	Year    int
	Month   time.Month
	Day     int
	Hour    int
	Minute  int
	Weekday time.Weekday
	DateKey string
}

// Local renders nowUTC in tz. The DateKey only changes when the civil date
// changes, never when DST moves the UTC offset.
func Local(nowUTC time.Time, tz string) (Parts, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return Parts{}, err
	}

	t := nowUTC.In(loc)
	return Parts{
		Year:    t.Year(),
		Month:   t.Month(),
		Day:     t.Day(),
		Hour:    t.Hour(),
		Minute:  t.Minute(),
		Weekday: t.Weekday(),
		DateKey: t.Format(DateKeyLayout),
	}, nil
}

// LoadLocation resolves an IANA zone name or a legacy fixed offset such as
// "UTC-5", "UTC+5:30" or "GMT+2". An empty name is UTC.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}

	if loc, ok, err := legacyOffset(tz); ok {
		return loc, err
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, tz)
	}
	return loc, nil
}

// legacyOffset handles the pre-migration UTC±N strings without consulting the
// zone database. ok is false when tz does not look like a legacy offset.
func legacyOffset(tz string) (loc *time.Location, ok bool, err error) {
	upper := strings.ToUpper(tz)

	var rest string
	switch {
	case strings.HasPrefix(upper, "UTC"):
		rest = upper[3:]
	case strings.HasPrefix(upper, "GMT"):
		rest = upper[3:]
	default:
		return nil, false, nil
	}

	if rest == "" {
		return time.FixedZone(upper, 0), true, nil
	}
	if rest[0] != '+' && rest[0] != '-' {
		return nil, false, nil
	}

	sign := 1
	if rest[0] == '-' {
		sign = -1
	}

	hoursPart, minutesPart, hasMinutes := strings.Cut(rest[1:], ":")
	hours, err := strconv.Atoi(hoursPart)
	if err != nil || hours < 0 || hours > 14 {
		return nil, true, fmt.Errorf("%w: %q", ErrInvalidTimezone, tz)
	}

	minutes := 0
	if hasMinutes {
		minutes, err = strconv.Atoi(minutesPart)
		if err != nil || minutes < 0 || minutes > 59 {
			return nil, true, fmt.Errorf("%w: %q", ErrInvalidTimezone, tz)
		}
	}

	offset := sign * (hours*3600 + minutes*60)
	return time.FixedZone(upper, offset), true, nil
}
