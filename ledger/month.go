package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - a civil calendar day
// =============================================================================

const (
	DateLayout  = "2006-01-02"
	MonthLayout = "2006-01"
)

// Date is a calendar day. The wrapped time is always midnight UTC so that
// month arithmetic never depends on the caller's timezone.
type Date struct {
	Time time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf drops the clock part of t, keeping t's own calendar day.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return Date{Time: t}, nil
}

func (d Date) Year() int          { return d.Time.Year() }
func (d Date) Day() int           { return d.Time.Day() }
func (d Date) IsZero() bool       { return d.Time.IsZero() }
func (d Date) Before(o Date) bool { return d.Time.Before(o.Time) }
func (d Date) After(o Date) bool  { return d.Time.After(o.Time) }
func (d Date) Equal(o Date) bool  { return d.Time.Equal(o.Time) }
func (d Date) AddDays(n int) Date { return Date{Time: d.Time.AddDate(0, 0, n)} }
func (d Date) String() string     { return d.Time.Format(DateLayout) }
func (d Date) Month() Month       { return Month{Year: d.Time.Year(), Month: d.Time.Month()} }

// =============================================================================
// MONTH - accounting period
// =============================================================================

// Month is a (year, 1-12) pair. It is the accounting period of the engine.
type Month struct {
	Year  int
	Month time.Month
}

func NewMonth(year int, month time.Month) Month {
	return Month{Year: year, Month: month}
}

// MonthOf returns the calendar month containing t, in t's own location.
func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Month: t.Month()}
}

// ParseMonth parses the canonical YYYY-MM form.
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse(MonthLayout, s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q (use YYYY-MM): %w", s, err)
	}
	return Month{Year: t.Year(), Month: t.Month()}, nil
}

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

func (m Month) IsZero() bool { return m.Year == 0 && m.Month == 0 }

// AddMonths moves n calendar months, carrying into the year.
func (m Month) AddMonths(n int) Month {
	idx := m.Year*12 + int(m.Month) - 1 + n
	return Month{Year: idx / 12, Month: time.Month(idx%12 + 1)}
}

func (m Month) Next() Month { return m.AddMonths(1) }
func (m Month) Prev() Month { return m.AddMonths(-1) }

func (m Month) index() int { return m.Year*12 + int(m.Month) - 1 }

func (m Month) Before(o Month) bool { return m.index() < o.index() }
func (m Month) After(o Month) bool  { return m.index() > o.index() }

// First returns the first day of the month.
func (m Month) First() Date { return NewDate(m.Year, m.Month, 1) }

// Last returns the last day of the month.
func (m Month) Last() Date { return m.Next().First().AddDays(-1) }

// Range returns the inclusive date range covering the month.
func (m Month) Range() DateRange { return DateRange{From: m.First(), To: m.Last()} }

// Contains reports whether d falls inside the month.
func (m Month) Contains(d Date) bool { return d.Month() == m }

// =============================================================================
// DATE RANGE
// =============================================================================

// DateRange is inclusive on both ends.
type DateRange struct {
	From Date
	To   Date
}

func (r DateRange) Contains(d Date) bool {
	return !d.Before(r.From) && !d.After(r.To)
}

func (r DateRange) String() string {
	return "[" + r.From.String() + ", " + r.To.String() + "]"
}
