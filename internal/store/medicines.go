package store

import (
	"context"

	"github.com/google/uuid"

	"medreminder/internal/domain"
)

// TakenRetentionDays is how many days of taken marks survive the daily prune.
const TakenRetentionDays = 30

type MedicineRepository interface {
	Create(ctx context.Context, m domain.Medicine) (domain.Medicine, error)
	Update(ctx context.Context, m domain.Medicine) (domain.Medicine, error)
	Get(ctx context.Context, userID string, medicineID uuid.UUID) (domain.Medicine, error)
	List(ctx context.Context, userID string) ([]domain.Medicine, error)
	Delete(ctx context.Context, userID string, medicineID uuid.UUID) error
	DeleteAll(ctx context.Context, userID string) (int, error)

	SetTaken(ctx context.Context, userID string, medicineID uuid.UUID, on domain.Date, taken bool) error
	TakenOn(ctx context.Context, userID string, on domain.Date) (map[uuid.UUID]bool, error)
	PruneTaken(ctx context.Context, before domain.Date) (int, error)

	NotificationRecords(ctx context.Context, userID string) (map[uuid.UUID]domain.NotificationRecord, error)
	SaveNotificationRecord(ctx context.Context, rec domain.NotificationRecord) error
	DeleteNotificationRecord(ctx context.Context, userID string, medicineID uuid.UUID) error
}

type ProfileRepository interface {
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)
	UpsertProfile(ctx context.Context, p domain.Profile) (domain.Profile, error)
	ListProfiles(ctx context.Context) ([]domain.Profile, error)
}
