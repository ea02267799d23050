package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"medreminder/internal/domain"
	"medreminder/internal/store"
)

type MedicineRepo struct {
	db *bun.DB
}

func NewMedicineRepo(db *bun.DB) *MedicineRepo {
	return &MedicineRepo{db: db}
}

func (r *MedicineRepo) Create(ctx context.Context, m domain.Medicine) (domain.Medicine, error) {
	var out domain.Medicine
	err := r.InUserTransaction(ctx, m.UserID, func(ctx context.Context, tx bun.Tx) error {
		if m.ID != uuid.Nil {
			var existing domain.Medicine
			err := tx.NewSelect().
				Model(&existing).
				Where("id = ?", m.ID).
				Limit(1).
				Scan(ctx)
			switch {
			case err == nil:
				if !sameMedicine(existing, m) {
					return store.ErrIdempotencyConflict
				}
				out = existing
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}
		}

		row := m
		if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
			// The id is held by another user's row.
			if isUniqueViolation(err) {
				return store.ErrIdempotencyConflict
			}
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		return domain.Medicine{}, err
	}
	return out, nil
}

func (r *MedicineRepo) Update(ctx context.Context, m domain.Medicine) (domain.Medicine, error) {
	var out domain.Medicine
	err := r.InUserTransaction(ctx, m.UserID, func(ctx context.Context, tx bun.Tx) error {
		row := m
		res, err := tx.NewUpdate().
			Model(&row).
			Column("name", "time_of_day", "frequency", "custom_interval", "start_date", "end_date", "no_end_date", "updated_at").
			Where("id = ?", m.ID).
			Where("user_id = ?", m.UserID).
			Returning("*").
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrNotFound
		}
		out = row
		return nil
	})
	if err != nil {
		return domain.Medicine{}, err
	}
	return out, nil
}

func (r *MedicineRepo) Get(ctx context.Context, userID string, medicineID uuid.UUID) (domain.Medicine, error) {
	var m domain.Medicine
	err := r.db.NewSelect().
		Model(&m).
		Where("user_id = ?", userID).
		Where("id = ?", medicineID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Medicine{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Medicine{}, err
	}
	return m, nil
}

func (r *MedicineRepo) List(ctx context.Context, userID string) ([]domain.Medicine, error) {
	var rows []domain.Medicine
	err := r.db.NewSelect().
		Model(&rows).
		Where("user_id = ?", userID).
		OrderExpr("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *MedicineRepo) Delete(ctx context.Context, userID string, medicineID uuid.UUID) error {
	return r.InUserTransaction(ctx, userID, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*domain.Medicine)(nil)).
			Where("user_id = ?", userID).
			Where("id = ?", medicineID).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (r *MedicineRepo) DeleteAll(ctx context.Context, userID string) (int, error) {
	var deleted int
	err := r.InUserTransaction(ctx, userID, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*domain.Medicine)(nil)).
			Where("user_id = ?", userID).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = int(affected)
		return nil
	})
	return deleted, err
}

func (r *MedicineRepo) SetTaken(ctx context.Context, userID string, medicineID uuid.UUID, on domain.Date, taken bool) error {
	if !taken {
		_, err := r.db.NewDelete().
			Model((*domain.TakenDose)(nil)).
			Where("user_id = ?", userID).
			Where("medicine_id = ?", medicineID).
			Where("taken_on = ?", on).
			Exec(ctx)
		return err
	}

	row := domain.TakenDose{
		MedicineID: medicineID,
		TakenOn:    on,
		UserID:     userID,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := r.db.NewInsert().
		Model(&row).
		On("CONFLICT (medicine_id, taken_on) DO NOTHING").
		Exec(ctx)
	return err
}

func (r *MedicineRepo) TakenOn(ctx context.Context, userID string, on domain.Date) (map[uuid.UUID]bool, error) {
	var rows []domain.TakenDose
	err := r.db.NewSelect().
		Model(&rows).
		Where("user_id = ?", userID).
		Where("taken_on = ?", on).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]bool, len(rows))
	for _, row := range rows {
		out[row.MedicineID] = true
	}
	return out, nil
}

func (r *MedicineRepo) PruneTaken(ctx context.Context, before domain.Date) (int, error) {
	res, err := r.db.NewDelete().
		Model((*domain.TakenDose)(nil)).
		Where("taken_on < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (r *MedicineRepo) NotificationRecords(ctx context.Context, userID string) (map[uuid.UUID]domain.NotificationRecord, error) {
	var rows []domain.NotificationRecord
	err := r.db.NewSelect().
		Model(&rows).
		Where("user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]domain.NotificationRecord, len(rows))
	for _, row := range rows {
		out[row.MedicineID] = row
	}
	return out, nil
}

func (r *MedicineRepo) SaveNotificationRecord(ctx context.Context, rec domain.NotificationRecord) error {
	row := rec
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.NewInsert().
		Model(&row).
		On("CONFLICT (medicine_id) DO UPDATE").
		Set("identifier = EXCLUDED.identifier").
		Set("trigger_key = EXCLUDED.trigger_key").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if isForeignKeyViolation(err) {
		return store.ErrNotFound
	}
	return err
}

func (r *MedicineRepo) DeleteNotificationRecord(ctx context.Context, userID string, medicineID uuid.UUID) error {
	_, err := r.db.NewDelete().
		Model((*domain.NotificationRecord)(nil)).
		Where("user_id = ?", userID).
		Where("medicine_id = ?", medicineID).
		Exec(ctx)
	return err
}

func (r *MedicineRepo) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	var p domain.Profile
	err := r.db.NewSelect().
		Model(&p).
		Where("user_id = ?", userID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Profile{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Profile{}, err
	}
	return p, nil
}

func (r *MedicineRepo) UpsertProfile(ctx context.Context, p domain.Profile) (domain.Profile, error) {
	row := p
	row.UpdatedAt = time.Now().UTC()
	_, err := r.db.NewInsert().
		Model(&row).
		On("CONFLICT (user_id) DO UPDATE").
		Set("time_zone = EXCLUDED.time_zone").
		Set("notifications_enabled = EXCLUDED.notifications_enabled").
		Set("telegram_chat_id = EXCLUDED.telegram_chat_id").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return domain.Profile{}, err
	}
	return row, nil
}

func (r *MedicineRepo) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	var rows []domain.Profile
	err := r.db.NewSelect().
		Model(&rows).
		OrderExpr("user_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// InUserTransaction runs fn in a transaction holding the user's advisory
// lock, so writes for one user never interleave.
func (r *MedicineRepo) InUserTransaction(ctx context.Context, userID string, fn func(ctx context.Context, tx bun.Tx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}
		return fn(ctx, tx)
	})
}

func lockUser(ctx context.Context, tx bun.Tx, userID string) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", userID).Exec(ctx)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// sameMedicine reports whether a replayed create carries the same content as
// the stored row.
func sameMedicine(existing, replay domain.Medicine) bool {
	return existing.UserID == replay.UserID &&
		existing.Name == replay.Name &&
		existing.Time == replay.Time &&
		existing.Frequency == replay.Frequency &&
		existing.CustomInterval == replay.CustomInterval &&
		existing.StartDate == replay.StartDate &&
		existing.EndDate == replay.EndDate &&
		existing.NoEndDate == replay.NoEndDate
}
