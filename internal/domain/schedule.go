package domain

import (
	"fmt"
	"slices"
	"time"
)

type DecisionKind string

const (
	DecisionNone      DecisionKind = "none"
	DecisionRepeating DecisionKind = "repeating"
	DecisionOneShot   DecisionKind = "one_shot"
)

type RepeatKind string

const (
	RepeatDaily   RepeatKind = "daily"
	RepeatWeekly  RepeatKind = "weekly"
	RepeatMonthly RepeatKind = "monthly"
)

// NoneReason tells the caller why nothing should be scheduled.
type NoneReason string

const (
	ReasonPermissionDenied NoneReason = "permission_denied"
	ReasonCourseEnded      NoneReason = "course_ended"
	ReasonNoOccurrence     NoneReason = "no_occurrence"
)

// Capabilities describe the repeating triggers the notification platform
// supports natively.
type Capabilities struct {
	MonthlyRepeat bool
}

// Decision is how a medicine's reminder should be triggered.
//
// Repeating decisions use Repeat and Time, plus Weekday for weekly and
// DayOfMonth for monthly repeats. One-shot decisions use Date and At.
// Next is the first occurrence the trigger covers, when there is one.
// Zone names the location repeating triggers fire in.
type Decision struct {
	Kind       DecisionKind
	Reason     NoneReason
	Repeat     RepeatKind
	Time       TimeOfDay
	Weekday    time.Weekday
	DayOfMonth int
	Zone       string
	Date       Date
	At         time.Time
	Next       time.Time
}

func (d Decision) IsNone() bool {
	return d.Kind == DecisionNone || d.Kind == ""
}

// PermissionDenied reports whether the decision was suppressed because the
// user has not allowed notifications.
func (d Decision) PermissionDenied() bool {
	return d.IsNone() && d.Reason == ReasonPermissionDenied
}

// Key fingerprints the trigger. Two decisions with the same key schedule the
// same platform trigger, so repeating keys carry the zone they fire in.
func (d Decision) Key() string {
	switch d.Kind {
	case DecisionRepeating:
		zone := d.Zone
		if zone == "" {
			zone = time.UTC.String()
		}
		switch d.Repeat {
		case RepeatWeekly:
			return fmt.Sprintf("repeating:weekly:%s:%d:%s", zone, d.Weekday, d.Time)
		case RepeatMonthly:
			return fmt.Sprintf("repeating:monthly:%s:%d:%s", zone, d.DayOfMonth, d.Time)
		default:
			return fmt.Sprintf("repeating:daily:%s:%s", zone, d.Time)
		}
	case DecisionOneShot:
		return "one_shot:" + d.At.Format(time.RFC3339)
	default:
		return ""
	}
}

func noneDecision(reason NoneReason) Decision {
	return Decision{Kind: DecisionNone, Reason: reason}
}

type ScheduleInput struct {
	Rule     Rule
	DueDates []Date
	Time     TimeOfDay
	Now      time.Time
	Location *time.Location

	TakenToday        bool
	PermissionGranted bool
	// TakenReschedule selects the path used right after the user marks
	// today's dose as taken.
	TakenReschedule bool
	Capabilities    Capabilities
}

// Decide picks the trigger for one medicine. It has no side effects and
// returns the same decision for the same input.
func Decide(in ScheduleInput) (Decision, error) {
	if err := in.Rule.Validate(); err != nil {
		return Decision{}, err
	}
	if !in.Time.Valid() {
		return Decision{}, invalidRule("invalid time of day")
	}
	if !in.PermissionGranted {
		return noneDecision(ReasonPermissionDenied), nil
	}

	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	now := in.Now.In(loc).Truncate(time.Minute)
	rule := in.Rule

	var end time.Time
	if !rule.NoEndDate {
		end = rule.EndDate.At(in.Time, loc)
		if !now.Before(end) {
			return noneDecision(ReasonCourseEnded), nil
		}
	}

	if in.TakenReschedule || in.TakenToday {
		return decideAfterTaken(in, now, end, loc), nil
	}

	first, second := nextOccurrences(in.DueDates, in.Time, now, end, loc, Date{})
	if first.IsZero() {
		return noneDecision(ReasonNoOccurrence), nil
	}
	if second.IsZero() {
		return oneShot(first, in.Time, loc), nil
	}

	start := rule.StartDate.At(in.Time, loc)
	startedToday := DateOf(now) == rule.StartDate
	interval := rule.Interval()

	switch {
	case (startedToday || !now.Before(start)) && rule.Frequency != FrequencyMonthly && interval == 1:
		return Decision{
			Kind:   DecisionRepeating,
			Repeat: RepeatDaily,
			Time:   in.Time,
			Zone:   loc.String(),
			Next:   first.At(in.Time, loc),
		}, nil
	case rule.Frequency != FrequencyMonthly && interval == 7:
		return Decision{
			Kind:    DecisionRepeating,
			Repeat:  RepeatWeekly,
			Time:    in.Time,
			Weekday: rule.StartDate.Weekday(),
			Zone:    loc.String(),
			Next:    first.At(in.Time, loc),
		}, nil
	case rule.Frequency == FrequencyMonthly && in.Capabilities.MonthlyRepeat:
		return Decision{
			Kind:       DecisionRepeating,
			Repeat:     RepeatMonthly,
			Time:       in.Time,
			DayOfMonth: rule.StartDate.Day,
			Zone:       loc.String(),
			Next:       first.At(in.Time, loc),
		}, nil
	default:
		return oneShot(first, in.Time, loc), nil
	}
}

// decideAfterTaken skips today's occurrence, which the user already took,
// and targets the next one with a single trigger.
func decideAfterTaken(in ScheduleInput, now, end time.Time, loc *time.Location) Decision {
	next, _ := nextOccurrences(in.DueDates, in.Time, now, end, loc, DateOf(now))
	if next.IsZero() {
		return noneDecision(ReasonNoOccurrence)
	}
	return oneShot(next, in.Time, loc)
}

func oneShot(d Date, tod TimeOfDay, loc *time.Location) Decision {
	at := d.At(tod, loc)
	return Decision{
		Kind: DecisionOneShot,
		Time: tod,
		Date: d,
		At:   at,
		Next: at,
	}
}

// nextOccurrences returns the first two due dates whose instant is strictly
// after now and not after end (when end is set). A non-zero skip date is
// never returned.
func nextOccurrences(dates []Date, tod TimeOfDay, now, end time.Time, loc *time.Location, skip Date) (Date, Date) {
	var found []Date
	for _, d := range dates {
		if !skip.IsZero() && d == skip {
			continue
		}
		at := d.At(tod, loc)
		if !at.After(now) {
			continue
		}
		if !end.IsZero() && at.After(end) {
			break
		}
		found = append(found, d)
		if len(found) == 2 {
			break
		}
	}
	switch len(found) {
	case 0:
		return Date{}, Date{}
	case 1:
		return found[0], Date{}
	default:
		return found[0], found[1]
	}
}

// ReconcilePlan is what the caller must do to make the platform match a
// decision. Cancel, when set, must run before Schedule.
type ReconcilePlan struct {
	Cancel   string
	Schedule bool
	Keep     bool
	// Lapsed is set when the recorded identifier is no longer live on the
	// platform, e.g. a one-shot that fired or a platform that dropped it.
	Lapsed bool
	// Forget is set when the stored record no longer describes a live trigger.
	Forget bool
}

// PlanReconcile compares the recorded trigger of a medicine against the
// platform's live identifiers and the current decision.
func PlanReconcile(record *NotificationRecord, live []string, d Decision) ReconcilePlan {
	var plan ReconcilePlan

	present := false
	if record != nil && record.Identifier != "" {
		present = slices.Contains(live, record.Identifier)
		plan.Lapsed = !present
	}

	if d.IsNone() {
		if present {
			plan.Cancel = record.Identifier
		}
		plan.Forget = record != nil
		return plan
	}

	if present && record.TriggerKey == d.Key() {
		plan.Keep = true
		return plan
	}
	if present {
		plan.Cancel = record.Identifier
	}
	plan.Schedule = true
	plan.Forget = record != nil
	return plan
}
