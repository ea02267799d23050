package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"medreminder/internal/domain"
)

var ErrNothingToSchedule = errors.New("decision has no trigger")

// scheduleFor turns a decision into a cron schedule. The boolean reports
// whether the schedule fires only once.
func scheduleFor(d domain.Decision, loc *time.Location) (cron.Schedule, bool, error) {
	if loc == nil {
		loc = time.UTC
	}

	switch d.Kind {
	case domain.DecisionRepeating:
		var spec string
		switch d.Repeat {
		case domain.RepeatDaily:
			spec = fmt.Sprintf("CRON_TZ=%s %d %d * * *", loc, d.Time.Minute, d.Time.Hour)
		case domain.RepeatWeekly:
			spec = fmt.Sprintf("CRON_TZ=%s %d %d * * %d", loc, d.Time.Minute, d.Time.Hour, int(d.Weekday))
		case domain.RepeatMonthly:
			if d.DayOfMonth < 1 || d.DayOfMonth > 31 {
				return nil, false, fmt.Errorf("invalid day of month %d", d.DayOfMonth)
			}
			// Cron skips months without the day; later days clamp instead.
			if d.DayOfMonth > 28 {
				return monthlyClamped{day: d.DayOfMonth, tod: d.Time, loc: loc}, false, nil
			}
			spec = fmt.Sprintf("CRON_TZ=%s %d %d %d * *", loc, d.Time.Minute, d.Time.Hour, d.DayOfMonth)
		default:
			return nil, false, fmt.Errorf("unsupported repeat %q", d.Repeat)
		}
		s, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, false, err
		}
		return s, false, nil

	case domain.DecisionOneShot:
		if d.At.IsZero() {
			return nil, false, ErrNothingToSchedule
		}
		return once{at: d.At}, true, nil
	}
	return nil, false, ErrNothingToSchedule
}

// once fires a single time at a fixed instant.
type once struct {
	at time.Time
}

func (o once) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

// monthlyClamped fires on day of every month, or on the last day of months
// that are shorter.
type monthlyClamped struct {
	day int
	tod domain.TimeOfDay
	loc *time.Location
}

func (m monthlyClamped) Next(t time.Time) time.Time {
	local := t.In(m.loc)
	month := domain.NewDate(local.Year(), local.Month(), 1)
	for i := 0; i < 3; i++ {
		at := m.occurrence(month.Year, month.Month)
		if at.After(t) {
			return at
		}
		month = domain.NewDate(month.Year, month.Month+1, 1)
	}
	return time.Time{}
}

func (m monthlyClamped) occurrence(year int, month time.Month) time.Time {
	day := m.day
	if last := domain.NewDate(year, month+1, 1).AddDays(-1).Day; day > last {
		day = last
	}
	return domain.NewDate(year, month, day).At(m.tod, m.loc)
}
