package domain

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

var nineAM = TimeOfDay{Hour: 9, Minute: 0}

func scheduleInput(t *testing.T, rule Rule, now time.Time) ScheduleInput {
	t.Helper()
	dates, err := Expand(rule)
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	return ScheduleInput{
		Rule:              rule,
		DueDates:          dates,
		Time:              nineAM,
		Now:               now,
		Location:          time.UTC,
		PermissionGranted: true,
	}
}

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestDecide_TriggerSelection(t *testing.T) {
	dailyRule := Rule{StartDate: NewDate(2025, 1, 1), EndDate: NewDate(2025, 1, 10), Frequency: FrequencyDaily}

	tests := []struct {
		name string
		rule Rule
		now  time.Time
		caps Capabilities
		want Decision
	}{
		{
			name: "daily course in progress repeats daily",
			rule: dailyRule,
			now:  utc(2025, 1, 3, 8, 0),
			want: Decision{Kind: DecisionRepeating, Repeat: RepeatDaily, Time: nineAM, Zone: "UTC", Next: utc(2025, 1, 3, 9, 0)},
		},
		{
			name: "daily course starting today after dose time repeats daily",
			rule: Rule{StartDate: NewDate(2025, 1, 3), EndDate: NewDate(2025, 1, 10), Frequency: FrequencyDaily},
			now:  utc(2025, 1, 3, 10, 0),
			want: Decision{Kind: DecisionRepeating, Repeat: RepeatDaily, Time: nineAM, Zone: "UTC", Next: utc(2025, 1, 4, 9, 0)},
		},
		{
			name: "custom interval of one repeats daily",
			rule: Rule{StartDate: NewDate(2025, 1, 1), NoEndDate: true, Frequency: FrequencyCustom, CustomInterval: 1},
			now:  utc(2025, 1, 3, 8, 0),
			want: Decision{Kind: DecisionRepeating, Repeat: RepeatDaily, Time: nineAM, Zone: "UTC", Next: utc(2025, 1, 3, 9, 0)},
		},
		{
			name: "daily course starting in the future fires once on the start date",
			rule: Rule{StartDate: NewDate(2025, 1, 10), EndDate: NewDate(2025, 1, 20), Frequency: FrequencyDaily},
			now:  utc(2025, 1, 3, 8, 0),
			want: Decision{Kind: DecisionOneShot, Time: nineAM, Date: NewDate(2025, 1, 10), At: utc(2025, 1, 10, 9, 0), Next: utc(2025, 1, 10, 9, 0)},
		},
		{
			name: "weekly repeats on the start weekday",
			rule: Rule{StartDate: NewDate(2025, 1, 1), NoEndDate: true, Frequency: FrequencyWeekly},
			now:  utc(2025, 1, 2, 8, 0),
			want: Decision{Kind: DecisionRepeating, Repeat: RepeatWeekly, Time: nineAM, Weekday: time.Wednesday, Zone: "UTC", Next: utc(2025, 1, 8, 9, 0)},
		},
		{
			name: "custom interval of seven repeats weekly",
			rule: Rule{StartDate: NewDate(2025, 1, 1), NoEndDate: true, Frequency: FrequencyCustom, CustomInterval: 7},
			now:  utc(2025, 1, 2, 8, 0),
			want: Decision{Kind: DecisionRepeating, Repeat: RepeatWeekly, Time: nineAM, Weekday: time.Wednesday, Zone: "UTC", Next: utc(2025, 1, 8, 9, 0)},
		},
		{
			name: "monthly repeats when the platform supports it",
			rule: Rule{StartDate: NewDate(2025, 1, 31), NoEndDate: true, Frequency: FrequencyMonthly},
			now:  utc(2025, 2, 1, 8, 0),
			caps: Capabilities{MonthlyRepeat: true},
			want: Decision{Kind: DecisionRepeating, Repeat: RepeatMonthly, Time: nineAM, DayOfMonth: 31, Zone: "UTC", Next: utc(2025, 2, 28, 9, 0)},
		},
		{
			name: "monthly fires once when the platform cannot repeat monthly",
			rule: Rule{StartDate: NewDate(2025, 1, 31), NoEndDate: true, Frequency: FrequencyMonthly},
			now:  utc(2025, 2, 1, 8, 0),
			want: Decision{Kind: DecisionOneShot, Time: nineAM, Date: NewDate(2025, 2, 28), At: utc(2025, 2, 28, 9, 0), Next: utc(2025, 2, 28, 9, 0)},
		},
		{
			name: "other custom intervals fire once",
			rule: Rule{StartDate: NewDate(2025, 1, 1), EndDate: NewDate(2025, 1, 10), Frequency: FrequencyCustom, CustomInterval: 3},
			now:  utc(2025, 1, 2, 8, 0),
			want: Decision{Kind: DecisionOneShot, Time: nineAM, Date: NewDate(2025, 1, 4), At: utc(2025, 1, 4, 9, 0), Next: utc(2025, 1, 4, 9, 0)},
		},
		{
			name: "last occurrence fires once",
			rule: dailyRule,
			now:  utc(2025, 1, 10, 8, 59),
			want: Decision{Kind: DecisionOneShot, Time: nineAM, Date: NewDate(2025, 1, 10), At: utc(2025, 1, 10, 9, 0), Next: utc(2025, 1, 10, 9, 0)},
		},
		{
			name: "exhausted occurrences schedule nothing",
			rule: Rule{StartDate: NewDate(2025, 1, 1), EndDate: NewDate(2025, 1, 10), Frequency: FrequencyCustom, CustomInterval: 5},
			now:  utc(2025, 1, 7, 8, 0),
			want: Decision{Kind: DecisionNone, Reason: ReasonNoOccurrence},
		},
		{
			name: "ended course schedules nothing",
			rule: dailyRule,
			now:  utc(2025, 1, 10, 9, 0),
			want: Decision{Kind: DecisionNone, Reason: ReasonCourseEnded},
		},
		{
			name: "seconds are ignored when checking the end",
			rule: dailyRule,
			now:  time.Date(2025, 1, 10, 9, 0, 30, 0, time.UTC),
			want: Decision{Kind: DecisionNone, Reason: ReasonCourseEnded},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := scheduleInput(t, tt.rule, tt.now)
			in.Capabilities = tt.caps
			got, err := Decide(in)
			if err != nil {
				t.Fatalf("Decide error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("decision = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecide_EndedCourseIgnoresFrequency(t *testing.T) {
	for _, f := range []Frequency{FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyCustom} {
		rule := Rule{StartDate: NewDate(2025, 1, 1), EndDate: NewDate(2025, 3, 1), Frequency: f, CustomInterval: 2}
		in := scheduleInput(t, rule, utc(2025, 4, 1, 0, 0))
		in.Capabilities = Capabilities{MonthlyRepeat: true}
		got, err := Decide(in)
		if err != nil {
			t.Fatalf("Decide(%s) error: %v", f, err)
		}
		if !got.IsNone() || got.Reason != ReasonCourseEnded {
			t.Fatalf("Decide(%s) = %+v, want none/course_ended", f, got)
		}
	}
}

func TestDecide_PermissionDenied(t *testing.T) {
	in := scheduleInput(t, Rule{StartDate: NewDate(2025, 1, 1), NoEndDate: true, Frequency: FrequencyDaily}, utc(2025, 1, 3, 8, 0))
	in.PermissionGranted = false

	got, err := Decide(in)
	if err != nil {
		t.Fatalf("Decide error: %v", err)
	}
	if !got.PermissionDenied() {
		t.Fatalf("decision = %+v, want permission denied", got)
	}
}

func TestDecide_InvalidRule(t *testing.T) {
	_, err := Decide(ScheduleInput{
		Rule:              Rule{StartDate: NewDate(2025, 1, 1), NoEndDate: true, Frequency: FrequencyCustom},
		Time:              nineAM,
		Now:               utc(2025, 1, 1, 0, 0),
		PermissionGranted: true,
	})
	if !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("err = %v, want %v", err, ErrInvalidRule)
	}

	_, err = Decide(ScheduleInput{
		Rule:              Rule{StartDate: NewDate(2025, 1, 1), NoEndDate: true, Frequency: FrequencyDaily},
		Time:              TimeOfDay{Hour: 25},
		Now:               utc(2025, 1, 1, 0, 0),
		PermissionGranted: true,
	})
	if !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("err = %v, want %v", err, ErrInvalidRule)
	}
}

func TestDecide_TakenReschedule(t *testing.T) {
	rule := Rule{StartDate: NewDate(2025, 1, 1), EndDate: NewDate(2025, 1, 10), Frequency: FrequencyDaily}

	tests := []struct {
		name     string
		rule     Rule
		now      time.Time
		wantDate Date
		wantNone bool
	}{
		{
			name:     "taken before the dose time skips today",
			rule:     rule,
			now:      utc(2025, 1, 3, 8, 0),
			wantDate: NewDate(2025, 1, 4),
		},
		{
			name:     "taken after the dose time targets tomorrow",
			rule:     rule,
			now:      utc(2025, 1, 3, 10, 0),
			wantDate: NewDate(2025, 1, 4),
		},
		{
			name:     "weekly taken today targets next week",
			rule:     Rule{StartDate: NewDate(2025, 1, 1), NoEndDate: true, Frequency: FrequencyWeekly},
			now:      utc(2025, 1, 8, 7, 0),
			wantDate: NewDate(2025, 1, 15),
		},
		{
			name:     "last dose taken leaves nothing to schedule",
			rule:     rule,
			now:      utc(2025, 1, 10, 7, 0),
			wantNone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := scheduleInput(t, tt.rule, tt.now)
			in.TakenReschedule = true
			in.TakenToday = true
			in.Capabilities = Capabilities{MonthlyRepeat: true}

			got, err := Decide(in)
			if err != nil {
				t.Fatalf("Decide error: %v", err)
			}
			if got.Kind == DecisionRepeating {
				t.Fatalf("taken reschedule returned a repeating decision: %+v", got)
			}
			if tt.wantNone {
				if !got.IsNone() || got.Reason != ReasonNoOccurrence {
					t.Fatalf("decision = %+v, want none/no_occurrence", got)
				}
				return
			}
			if got.Kind != DecisionOneShot || got.Date != tt.wantDate {
				t.Fatalf("decision = %+v, want one-shot on %s", got, tt.wantDate)
			}
		})
	}
}

func TestDecide_TakenTodayUsesTakenPath(t *testing.T) {
	in := scheduleInput(t, Rule{StartDate: NewDate(2025, 1, 1), NoEndDate: true, Frequency: FrequencyDaily}, utc(2025, 1, 3, 8, 0))
	in.TakenToday = true

	got, err := Decide(in)
	if err != nil {
		t.Fatalf("Decide error: %v", err)
	}
	if got.Kind != DecisionOneShot || got.Date != NewDate(2025, 1, 4) {
		t.Fatalf("decision = %+v, want one-shot on 2025-01-04", got)
	}
}

func TestDecide_Idempotent(t *testing.T) {
	in := scheduleInput(t, Rule{StartDate: NewDate(2025, 1, 31), NoEndDate: true, Frequency: FrequencyMonthly}, utc(2025, 3, 1, 12, 0))

	first, err := Decide(in)
	if err != nil {
		t.Fatalf("Decide error: %v", err)
	}
	second, err := Decide(in)
	if err != nil {
		t.Fatalf("Decide error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("decisions differ: %+v vs %+v", first, second)
	}
	if first.Key() != second.Key() {
		t.Fatalf("keys differ: %q vs %q", first.Key(), second.Key())
	}
}

func TestDecide_LocalTimeAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("LoadLocation error: %v", err)
	}

	rule := Rule{StartDate: NewDate(2025, 3, 28), EndDate: NewDate(2025, 4, 5), Frequency: FrequencyCustom, CustomInterval: 2}
	in := scheduleInput(t, rule, time.Date(2025, 3, 29, 9, 30, 0, 0, loc))
	in.Location = loc

	got, err := Decide(in)
	if err != nil {
		t.Fatalf("Decide error: %v", err)
	}
	if got.Kind != DecisionOneShot || got.Date != NewDate(2025, 3, 30) {
		t.Fatalf("decision = %+v, want one-shot on 2025-03-30", got)
	}
	if local := got.At.In(loc); local.Hour() != 9 || local.Minute() != 0 {
		t.Fatalf("local trigger time = %v, want 09:00", local)
	}
}

func TestDecisionKey(t *testing.T) {
	tests := []struct {
		d    Decision
		want string
	}{
		{Decision{Kind: DecisionRepeating, Repeat: RepeatDaily, Time: nineAM}, "repeating:daily:UTC:09:00"},
		{Decision{Kind: DecisionRepeating, Repeat: RepeatDaily, Time: nineAM, Zone: "Europe/London"}, "repeating:daily:Europe/London:09:00"},
		{Decision{Kind: DecisionRepeating, Repeat: RepeatWeekly, Time: nineAM, Weekday: time.Friday, Zone: "Asia/Tokyo"}, "repeating:weekly:Asia/Tokyo:5:09:00"},
		{Decision{Kind: DecisionRepeating, Repeat: RepeatMonthly, Time: nineAM, DayOfMonth: 31, Zone: "UTC"}, "repeating:monthly:UTC:31:09:00"},
		{Decision{Kind: DecisionOneShot, At: utc(2025, 1, 4, 9, 0)}, "one_shot:2025-01-04T09:00:00Z"},
		{Decision{Kind: DecisionNone}, ""},
	}
	for _, tt := range tests {
		if got := tt.d.Key(); got != tt.want {
			t.Fatalf("Key() = %q, want %q", got, tt.want)
		}
	}
}

func TestDecide_RepeatingKeyFollowsZone(t *testing.T) {
	rule := Rule{StartDate: NewDate(2025, 1, 1), NoEndDate: true, Frequency: FrequencyDaily}

	decide := func(zone string) Decision {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			t.Fatalf("LoadLocation(%q) error: %v", zone, err)
		}
		in := scheduleInput(t, rule, utc(2025, 6, 1, 3, 0))
		in.Location = loc
		d, err := Decide(in)
		if err != nil {
			t.Fatalf("Decide error: %v", err)
		}
		if d.Kind != DecisionRepeating || d.Zone != zone {
			t.Fatalf("decision = %+v, want repeating in %s", d, zone)
		}
		return d
	}

	newYork := decide("America/New_York")
	london := decide("Europe/London")
	if newYork.Key() == london.Key() {
		t.Fatalf("keys match across zones: %q", newYork.Key())
	}

	record := &NotificationRecord{Identifier: "ny", TriggerKey: newYork.Key()}
	plan := PlanReconcile(record, []string{"ny"}, london)
	if plan.Keep || plan.Cancel != "ny" || !plan.Schedule {
		t.Fatalf("plan = %+v, want the New York trigger replaced", plan)
	}
}

func TestPlanReconcile(t *testing.T) {
	daily := Decision{Kind: DecisionRepeating, Repeat: RepeatDaily, Time: nineAM}
	once := Decision{Kind: DecisionOneShot, At: utc(2025, 1, 4, 9, 0)}
	none := Decision{Kind: DecisionNone, Reason: ReasonCourseEnded}

	record := &NotificationRecord{Identifier: "n1", TriggerKey: daily.Key()}

	tests := []struct {
		name   string
		record *NotificationRecord
		live   []string
		d      Decision
		want   ReconcilePlan
	}{
		{
			name: "nothing recorded schedules",
			d:    daily,
			want: ReconcilePlan{Schedule: true},
		},
		{
			name:   "live trigger with the same key is kept",
			record: record,
			live:   []string{"n0", "n1"},
			d:      daily,
			want:   ReconcilePlan{Keep: true},
		},
		{
			name:   "changed decision cancels before scheduling",
			record: record,
			live:   []string{"n1"},
			d:      once,
			want:   ReconcilePlan{Cancel: "n1", Schedule: true, Forget: true},
		},
		{
			name:   "zone change cancels before scheduling",
			record: record,
			live:   []string{"n1"},
			d:      Decision{Kind: DecisionRepeating, Repeat: RepeatDaily, Time: nineAM, Zone: "Europe/London"},
			want:   ReconcilePlan{Cancel: "n1", Schedule: true, Forget: true},
		},
		{
			name:   "lapsed identifier is rescheduled without cancel",
			record: record,
			live:   []string{"n2"},
			d:      daily,
			want:   ReconcilePlan{Schedule: true, Lapsed: true, Forget: true},
		},
		{
			name:   "none cancels the live trigger",
			record: record,
			live:   []string{"n1"},
			d:      none,
			want:   ReconcilePlan{Cancel: "n1", Forget: true},
		},
		{
			name:   "none with a lapsed trigger only forgets",
			record: record,
			d:      none,
			want:   ReconcilePlan{Lapsed: true, Forget: true},
		},
		{
			name: "none with nothing recorded does nothing",
			d:    none,
			want: ReconcilePlan{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PlanReconcile(tt.record, tt.live, tt.d)
			if got != tt.want {
				t.Fatalf("plan = %+v, want %+v", got, tt.want)
			}
		})
	}
}
