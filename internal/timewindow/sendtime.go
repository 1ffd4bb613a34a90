package timewindow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SendTime is a local wall-clock time of day.
type SendTime struct {
	Hour   int
	Minute int
}

// DefaultSendTime is used whenever the configured time is missing or invalid.
var DefaultSendTime = SendTime{Hour: 9, Minute: 0}

// ParseSendTime parses "HH:MM" (or "H:MM"). Anything else yields DefaultSendTime.
func ParseSendTime(s string) SendTime {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(h) == 0 || len(h) > 2 || len(m) != 2 {
		return DefaultSendTime
	}

	hour, err := strconv.Atoi(h)
	if err != nil {
		return DefaultSendTime
	}
	minute, err := strconv.Atoi(m)
	if err != nil {
		return DefaultSendTime
	}

	st := SendTime{Hour: hour, Minute: minute}
	if !st.Valid() {
		return DefaultSendTime
	}
	return st
}

// Valid reports whether the time is within 00:00-23:59.
func (s SendTime) Valid() bool {
	return s.Hour >= 0 && s.Hour < 24 && s.Minute >= 0 && s.Minute < 60
}

func (s SendTime) String() string {
	return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
}

// MatchesSendTime compares the local hour and minute of a tick against the
// configured send time. There is no rounding: with ticks of one hour or
// coarser only the hour is compared, otherwise hour and minute must both match.
func MatchesSendTime(nowHour, nowMinute int, at SendTime, tick time.Duration) bool {
	if !at.Valid() {
		at = DefaultSendTime
	}
	if tick >= time.Hour {
		return nowHour == at.Hour
	}
	return nowHour == at.Hour && nowMinute == at.Minute
}

// On returns the wall-clock time at which s actually occurs on the civil date
// of p in tz. A send time inside a spring-forward gap moves to the end of the
// gap, so 02:30 in America/New_York on 2025-03-09 runs at 03:30.
func (s SendTime) On(p Parts, tz string) SendTime {
	if !s.Valid() {
		s = DefaultSendTime
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return s
	}

	t := time.Date(p.Year, p.Month, p.Day, s.Hour, s.Minute, 0, 0, loc)
	if t.Hour() != s.Hour || t.Minute() != s.Minute {
		_, offset := t.Zone()
		wall := time.Date(p.Year, p.Month, p.Day, s.Hour, s.Minute, 0, 0, time.UTC)
		if alt := wall.Add(-time.Duration(offset) * time.Second).In(loc); alt.After(t) {
			t = alt
		}
	}
	return SendTime{Hour: t.Hour(), Minute: t.Minute()}
}

// NextRunPreview describes when the next daily send happens for a zone,
// e.g. "Today at 3:00 PM" or "Tomorrow at 9:00 AM".
func NextRunPreview(tz, hhmm string, nowUTC time.Time) (string, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return "", err
	}

	at := ParseSendTime(hhmm)
	now := nowUTC.In(loc)
	target := time.Date(now.Year(), now.Month(), now.Day(), at.Hour, at.Minute, 0, 0, loc)

	day := "Today"
	if !target.After(now) {
		target = time.Date(now.Year(), now.Month(), now.Day()+1, at.Hour, at.Minute, 0, 0, loc)
		day = "Tomorrow"
	}

	return day + " at " + target.Format("3:04 PM"), nil
}
