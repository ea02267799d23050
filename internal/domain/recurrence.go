package domain

import (
	"errors"
	"fmt"
	"time"
)

// MaxDueDates bounds expansion of a rule. Rules without an end date are cut
// here, so callers must expand again as time moves on.
const MaxDueDates = 2000

var ErrInvalidRule = errors.New("invalid rule")

// Rule is the recurrence of a medicine: when it starts, when it ends and how
// often it repeats. CustomInterval is only read for FrequencyCustom.
type Rule struct {
	StartDate      Date
	EndDate        Date
	NoEndDate      bool
	Frequency      Frequency
	CustomInterval int
}

func invalidRule(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, reason)
}

func (r Rule) Validate() error {
	if r.StartDate.IsZero() {
		return invalidRule("start date is required")
	}
	if !r.Frequency.Valid() {
		return invalidRule("unsupported frequency")
	}
	if r.Frequency == FrequencyCustom && r.CustomInterval < 1 {
		return invalidRule("custom interval must be at least 1")
	}
	if !r.NoEndDate {
		if r.EndDate.IsZero() {
			return invalidRule("end date is required")
		}
		if r.EndDate.Before(r.StartDate) {
			return invalidRule("end date is before start date")
		}
	}
	return nil
}

// Interval is the rule's step in days for day-based frequencies and 0 for
// monthly rules.
func (r Rule) Interval() int {
	switch r.Frequency {
	case FrequencyDaily:
		return 1
	case FrequencyWeekly:
		return 7
	case FrequencyCustom:
		return r.CustomInterval
	}
	return 0
}

// Expand lists the dates the rule is due on, in increasing order, starting
// at the start date and ending at the end date inclusive or after
// MaxDueDates dates, whichever comes first.
func Expand(r Rule) ([]Date, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	capHint := MaxDueDates
	if !r.NoEndDate {
		if n := estimateCount(r); n < capHint {
			capHint = n
		}
	}

	return r.expandAt(r.StartDate, capHint), nil
}

// ExpandFrom lists due dates like Expand, but begins at the last due date on
// or before from. The MaxDueDates bound then counts from there, so a rule that
// started long ago still yields its upcoming dates. A from before the start
// date expands from the start.
func ExpandFrom(r Rule, from Date) ([]Date, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if !from.After(r.StartDate) {
		return Expand(r)
	}

	anchor := r.anchorOnOrBefore(from)
	if !r.NoEndDate && anchor.After(r.EndDate) {
		return []Date{}, nil
	}
	capHint := MaxDueDates
	if !r.NoEndDate {
		if n := estimateCount(Rule{StartDate: anchor, EndDate: r.EndDate, Frequency: r.Frequency, CustomInterval: r.CustomInterval}); n < capHint {
			capHint = n
		}
	}
	return r.expandAt(anchor, capHint), nil
}

// anchorOnOrBefore returns the last due date of the rule on or before d,
// ignoring the end date. d must not be before the start date.
func (r Rule) anchorOnOrBefore(d Date) Date {
	if r.Frequency == FrequencyMonthly {
		months := (d.Year-r.StartDate.Year)*12 + int(d.Month-r.StartDate.Month)
		anchor := r.monthlyOccurrence(months)
		if anchor.After(d) {
			anchor = r.monthlyOccurrence(months - 1)
		}
		return anchor
	}
	step := r.Interval()
	days := daysBetween(r.StartDate, d)
	return r.StartDate.AddDays(days / step * step)
}

// monthlyOccurrence is the due date n months after the start, clamped to the
// month's last day.
func (r Rule) monthlyOccurrence(n int) Date {
	first := NewDate(r.StartDate.Year, r.StartDate.Month+time.Month(n), 1)
	day := r.StartDate.Day
	if last := daysIn(first.Year, first.Month); day > last {
		day = last
	}
	return Date{Year: first.Year, Month: first.Month, Day: day}
}

func (r Rule) expandAt(d Date, capHint int) []Date {
	out := make([]Date, 0, capHint)
	for r.NoEndDate || !d.After(r.EndDate) {
		out = append(out, d)
		if len(out) >= MaxDueDates {
			break
		}
		d = r.next(d)
	}
	return out
}

func (r Rule) next(d Date) Date {
	if r.Frequency == FrequencyMonthly {
		return addMonthClamped(d, r.StartDate.Day)
	}
	return d.AddDays(r.Interval())
}

// addMonthClamped moves d one calendar month forward and lands on wantDay, or
// the month's last day when the month is shorter than wantDay.
func addMonthClamped(d Date, wantDay int) Date {
	year, month := d.Year, d.Month+1
	if month > 12 {
		year++
		month = 1
	}
	day := wantDay
	if last := daysIn(year, month); day > last {
		day = last
	}
	return Date{Year: year, Month: month, Day: day}
}

func daysBetween(a, b Date) int {
	return int(b.utc().Sub(a.utc()).Hours() / 24)
}

func estimateCount(r Rule) int {
	days := daysBetween(r.StartDate, r.EndDate) + 1
	if step := r.Interval(); step > 0 {
		return days/step + 1
	}
	return days/28 + 1
}
