package domain

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCustom  Frequency = "custom"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyCustom:
		return true
	}
	return false
}

// rank orders frequencies for listing: daily < weekly < monthly < custom.
func (f Frequency) rank() int {
	switch f {
	case FrequencyDaily:
		return 1
	case FrequencyWeekly:
		return 2
	case FrequencyMonthly:
		return 3
	case FrequencyCustom:
		return 4
	}
	return 5
}

type Medicine struct {
	bun.BaseModel `bun:"table:medicines"`

	ID             uuid.UUID `bun:"id,pk,type:uuid"`
	UserID         string    `bun:"user_id,notnull"`
	Name           string    `bun:"name,notnull"`
	Time           TimeOfDay `bun:"time_of_day,notnull,type:text"`
	Frequency      Frequency `bun:"frequency,notnull"`
	CustomInterval int       `bun:"custom_interval,notnull"`
	StartDate      Date      `bun:"start_date,notnull,type:date"`
	EndDate        Date      `bun:"end_date,nullzero,type:date"`
	NoEndDate      bool      `bun:"no_end_date,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
	UpdatedAt      time.Time `bun:"updated_at,notnull"`
}

func (m *Medicine) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if m.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			m.ID = id
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if m.UpdatedAt.IsZero() {
			m.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		m.UpdatedAt = now
	}
	return nil
}

func (m Medicine) Rule() Rule {
	return Rule{
		StartDate:      m.StartDate,
		EndDate:        m.EndDate,
		NoEndDate:      m.NoEndDate,
		Frequency:      m.Frequency,
		CustomInterval: m.CustomInterval,
	}
}

// FrequencyLabel is the human readable repetition, e.g. "Weekly" or "Every 3 days".
func FrequencyLabel(f Frequency, interval int) string {
	switch f {
	case FrequencyDaily:
		return "Daily"
	case FrequencyWeekly:
		return "Weekly"
	case FrequencyMonthly:
		return "Monthly"
	case FrequencyCustom:
		if interval == 1 {
			return "Every 1 day"
		}
		return "Every " + strconv.Itoa(interval) + " days"
	}
	return ""
}

type NotificationRecord struct {
	bun.BaseModel `bun:"table:notification_records"`

	MedicineID uuid.UUID `bun:"medicine_id,pk,type:uuid"`
	UserID     string    `bun:"user_id,notnull"`
	Identifier string    `bun:"identifier,notnull"`
	TriggerKey string    `bun:"trigger_key,notnull"`
	UpdatedAt  time.Time `bun:"updated_at,notnull"`
}

type TakenDose struct {
	bun.BaseModel `bun:"table:taken_doses"`

	MedicineID uuid.UUID `bun:"medicine_id,pk,type:uuid"`
	TakenOn    Date      `bun:"taken_on,pk,type:date"`
	UserID     string    `bun:"user_id,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}

type Profile struct {
	bun.BaseModel `bun:"table:user_profiles"`

	UserID               string    `bun:"user_id,pk"`
	TimeZone             string    `bun:"time_zone,notnull"`
	NotificationsEnabled bool      `bun:"notifications_enabled,notnull"`
	TelegramChatID       int64     `bun:"telegram_chat_id,nullzero"`
	UpdatedAt            time.Time `bun:"updated_at,notnull"`
}

// Location resolves the profile's zone, falling back to UTC for an empty zone.
func (p Profile) Location() (*time.Location, error) {
	if p.TimeZone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(p.TimeZone)
}
