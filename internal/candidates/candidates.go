// Package candidates decides which roster members are due a scheduled
// notification on a given civil date. Evaluation is pure: it takes the
// roster and the already-sent set and performs no I/O.
package candidates

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/timewindow"
)

// Kind is a scheduled notification type
type Kind string

const (
	KindBirthday     Kind = "birthday"
	KindAnniversary  Kind = "anniversary"
	KindWeeklyDigest Kind = "weekly_digest"
)

// Kinds lists every kind in evaluation order.
var Kinds = []Kind{KindBirthday, KindAnniversary, KindWeeklyDigest}

// Date is the civil date being evaluated in the parish's zone.
type Date struct {
	Year    int
	Month   time.Month
	Day     int
	Weekday time.Weekday
	Key     string
}

// DateOf converts local calendar parts into a Date.
func DateOf(p timewindow.Parts) Date {
	return Date{Year: p.Year, Month: p.Month, Day: p.Day, Weekday: p.Weekday, Key: p.DateKey}
}

func (d Date) leapYear() bool {
	y := d.Year
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

// SentKey identifies a send already completed for the evaluated date.
type SentKey struct {
	RecipientID uuid.UUID
	Kind        Kind
}

// SentSet holds the sends already logged for the evaluated date.
type SentSet map[SentKey]struct{}

// NewSentSet builds a set from send log rows of one date.
func NewSentSet(logs []db.SendLog) SentSet {
	s := make(SentSet, len(logs))
	for _, l := range logs {
		s.Add(l.RecipientID, Kind(l.Kind))
	}
	return s
}

func (s SentSet) Add(recipientID uuid.UUID, kind Kind) {
	s[SentKey{RecipientID: recipientID, Kind: kind}] = struct{}{}
}

func (s SentSet) Has(recipientID uuid.UUID, kind Kind) bool {
	_, ok := s[SentKey{RecipientID: recipientID, Kind: kind}]
	return ok
}

// KindStatus explains one kind's eligibility for one member.
type KindStatus struct {
	DateMatches   bool `json:"date_matches"`
	OptedIn       bool `json:"opted_in"`
	AlreadySent   bool `json:"already_sent"`
	SendableToday bool `json:"sendable_today"`
}

// Record is the evaluation of one membership.
type Record struct {
	Membership    db.Membership       `json:"membership"`
	HasAddress    bool                `json:"has_address"`
	Kinds         map[Kind]KindStatus `json:"kinds"`
	EligibleToday bool                `json:"eligible_today"`
}

// Sendable returns the kinds that should be dispatched, in evaluation order.
func (r Record) Sendable() []Kind {
	var out []Kind
	for _, k := range Kinds {
		if r.Kinds[k].SendableToday {
			out = append(out, k)
		}
	}
	return out
}

// Totals aggregates a roster evaluation. OptedIn and MissingAddress count
// members; AlreadySent, DateMatched and Sendable count (member, kind) pairs.
type Totals struct {
	OptedIn        int `json:"opted_in"`
	MissingAddress int `json:"missing_address"`
	AlreadySent    int `json:"already_sent"`
	DateMatched    int `json:"date_matched"`
	Sendable       int `json:"sendable"`
}

// Result is the evaluation of a whole roster.
type Result struct {
	Records []Record `json:"records"`
	Totals  Totals   `json:"totals"`
}

// Engine evaluates rosters of one parish.
type Engine struct {
	// DigestWeekday is the local weekday of the weekly digest. Nil disables it.
	DigestWeekday *time.Weekday
}

// NewEngine configures an engine from a parish's settings.
func NewEngine(p db.Parish) Engine {
	var e Engine
	if p.DigestWeekday != nil && *p.DigestWeekday >= 0 && *p.DigestWeekday <= 6 {
		wd := time.Weekday(*p.DigestWeekday)
		e.DigestWeekday = &wd
	}
	return e
}

// Evaluate computes a Record per membership for date.
func (e Engine) Evaluate(roster []db.Membership, date Date, sent SentSet) Result {
	res := Result{Records: make([]Record, 0, len(roster))}

	for _, m := range roster {
		rec := Record{
			Membership: m,
			HasAddress: strings.TrimSpace(m.Address) != "",
			Kinds:      make(map[Kind]KindStatus, len(Kinds)),
		}
		if !rec.HasAddress {
			res.Totals.MissingAddress++
		}

		optedInAny := false
		for _, k := range Kinds {
			st := KindStatus{
				DateMatches: e.dateMatches(m, k, date),
				OptedIn:     optedIn(m, k),
				AlreadySent: sent.Has(m.ID, k),
			}
			st.SendableToday = st.DateMatches && st.OptedIn && rec.HasAddress && !st.AlreadySent
			rec.Kinds[k] = st

			if st.OptedIn {
				optedInAny = true
			}
			if st.DateMatches {
				res.Totals.DateMatched++
			}
			if st.AlreadySent {
				res.Totals.AlreadySent++
			}
			if st.SendableToday {
				res.Totals.Sendable++
				rec.EligibleToday = true
			}
		}
		if optedInAny {
			res.Totals.OptedIn++
		}

		res.Records = append(res.Records, rec)
	}

	return res
}

func (e Engine) dateMatches(m db.Membership, k Kind, date Date) bool {
	switch k {
	case KindBirthday:
		return monthDayMatches(m.BirthMonth, m.BirthDay, date)
	case KindAnniversary:
		return monthDayMatches(m.AnniversaryMonth, m.AnniversaryDay, date)
	case KindWeeklyDigest:
		return e.DigestWeekday != nil && *e.DigestWeekday == date.Weekday
	}
	return false
}

func optedIn(m db.Membership, k Kind) bool {
	switch k {
	case KindBirthday:
		return m.BirthdayOptIn
	case KindAnniversary:
		return m.AnniversaryOptIn
	case KindWeeklyDigest:
		return m.DigestOptIn
	}
	return false
}

// monthDayMatches treats Feb 29 as Feb 28 outside leap years.
func monthDayMatches(month, day *int, date Date) bool {
	if month == nil || day == nil {
		return false
	}
	if time.Month(*month) == date.Month && *day == date.Day {
		return true
	}
	return *month == 2 && *day == 29 &&
		date.Month == time.February && date.Day == 28 && !date.leapYear()
}
