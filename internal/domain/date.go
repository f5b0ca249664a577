package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Date is a calendar date stored as the integer YYYYMMDD. The zero value
// means "no date" and is persisted as NULL.
type Date int

// NewDate builds a Date from its Gregorian components.
func NewDate(year int, month time.Month, day int) Date {
	return Date(year*10000 + int(month)*100 + day)
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, m, d)
}

// Today returns the current date in the Taipei market timezone.
func Today() Date {
	return DateOf(time.Now().In(Taipei))
}

// Taipei is the exchange timezone. It falls back to a fixed UTC+8 zone when
// the tz database is unavailable.
var Taipei = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		return time.FixedZone("CST", 8*60*60)
	}
	return loc
}()

// ParseDate accepts "2006-01-02", "2006/01/02" or "20060102".
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if len(s) == 8 && !strings.ContainsAny(s, "-/") {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("parsing date %q: %w", s, err)
		}
		d := Date(n)
		if !d.Valid() {
			return 0, fmt.Errorf("parsing date %q: out of range", s)
		}
		return d, nil
	}
	s = strings.ReplaceAll(s, "/", "-")
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return 0, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// MustParseDate is ParseDate for literals; it panics on malformed input.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) Year() int          { return int(d) / 10000 }
func (d Date) Month() time.Month  { return time.Month(int(d) / 100 % 100) }
func (d Date) Day() int           { return int(d) % 100 }
func (d Date) IsZero() bool       { return d == 0 }
func (d Date) Int() int           { return int(d) }
func (d Date) Before(o Date) bool { return d < o }
func (d Date) After(o Date) bool  { return d > o }

// Valid reports whether d names a real calendar day.
func (d Date) Valid() bool {
	if d <= 0 {
		return false
	}
	return DateOf(d.Time()) == d
}

// Time returns midnight UTC of d.
func (d Date) Time() time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

// AddDays returns d shifted by n calendar days.
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

func (d Date) Weekday() time.Weekday { return d.Time().Weekday() }

// IsWeekend reports whether d falls on a Saturday or Sunday.
func (d Date) IsWeekend() bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// ISOWeek returns the ISO 8601 year and week number of d.
func (d Date) ISOWeek() (year, week int) {
	return d.Time().ISOWeek()
}

// String renders d as YYYY-MM-DD, or "" for the zero date.
func (d Date) String() string {
	if d == 0 {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year(), int(d.Month()), d.Day())
}

// Compact renders d as YYYYMMDD, the format most upstream query strings use.
func (d Date) Compact() string {
	return fmt.Sprintf("%08d", int(d))
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = 0
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DaysBetween returns the number of calendar days from a to b.
func DaysBetween(a, b Date) int {
	return int(b.Time().Sub(a.Time()).Hours() / 24)
}

// MinDate returns the earlier of two non-zero dates; a zero operand is
// ignored.
func MinDate(a, b Date) Date {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	}
	return b
}

// MaxDate returns the later of two dates.
func MaxDate(a, b Date) Date {
	if a > b {
		return a
	}
	return b
}
