package medicines

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"medreminder/internal/domain"
	"medreminder/internal/store"
)

const (
	reminderBody = "It's time to take this medicine!"

	// maxCalendarDays bounds one Calendar request.
	maxCalendarDays = 366
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// Notifier is the notification platform reminders are scheduled on.
type Notifier interface {
	Schedule(ctx context.Context, req Request) (string, error)
	Cancel(ctx context.Context, id string) error
	ScheduledIDs(ctx context.Context, userID string) ([]string, error)
}

// Request describes one trigger handed to the Notifier.
type Request struct {
	UserID     string
	MedicineID uuid.UUID
	Title      string
	Body       string
	Decision   domain.Decision
	Location   *time.Location
}

type Options struct {
	Capabilities domain.Capabilities
	// DefaultLocation applies to users whose profile has no time zone.
	DefaultLocation *time.Location
	Logger          *slog.Logger
	Now             func() time.Time
}

type Service struct {
	repo     store.MedicineRepository
	profiles store.ProfileRepository
	notifier Notifier

	capabilities    domain.Capabilities
	defaultLocation *time.Location
	log             *slog.Logger
	now             func() time.Time

	locks userLocks
}

func NewService(repo store.MedicineRepository, profiles store.ProfileRepository, notifier Notifier, opts Options) *Service {
	s := &Service{
		repo:            repo,
		profiles:        profiles,
		notifier:        notifier,
		capabilities:    opts.Capabilities,
		defaultLocation: opts.DefaultLocation,
		log:             opts.Logger,
		now:             opts.Now,
	}
	if s.defaultLocation == nil {
		s.defaultLocation = time.UTC
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type CreateInput struct {
	UserID         string
	Name           string
	Time           domain.TimeOfDay
	Frequency      domain.Frequency
	CustomInterval int
	StartDate      domain.Date
	EndDate        domain.Date
	NoEndDate      bool
	IdempotencyKey string
}

func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Medicine, error) {
	m, err := buildMedicine(in)
	if err != nil {
		return domain.Medicine{}, err
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if len(key) > 256 {
			return domain.Medicine{}, validationError("idempotency_key too long")
		}
		m.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("medreminder:create_medicine:"+in.UserID+":"+key))
	}

	unlock, err := s.locks.lock(ctx, m.UserID)
	if err != nil {
		return domain.Medicine{}, err
	}
	defer unlock()

	created, err := s.repo.Create(ctx, m)
	if err != nil {
		return domain.Medicine{}, err
	}

	if err := s.syncOne(ctx, created, false); err != nil {
		s.log.Warn("schedule after create failed",
			slog.String("user_id", created.UserID),
			slog.String("medicine_id", created.ID.String()),
			slog.Any("err", err),
		)
	}
	return created, nil
}

type UpdateInput struct {
	ID uuid.UUID
	CreateInput
}

// Update replaces a medicine. The existing reminder is cancelled and today's
// taken mark is cleared before the medicine is scheduled again.
func (s *Service) Update(ctx context.Context, in UpdateInput) (domain.Medicine, error) {
	if in.ID == uuid.Nil {
		return domain.Medicine{}, validationError("medicine_id is required")
	}
	m, err := buildMedicine(in.CreateInput)
	if err != nil {
		return domain.Medicine{}, err
	}
	m.ID = in.ID

	unlock, err := s.locks.lock(ctx, m.UserID)
	if err != nil {
		return domain.Medicine{}, err
	}
	defer unlock()

	updated, err := s.repo.Update(ctx, m)
	if err != nil {
		return domain.Medicine{}, err
	}

	env, err := s.loadEnv(ctx, updated.UserID)
	if err != nil {
		return domain.Medicine{}, err
	}
	if err := s.cancelRecorded(ctx, env, updated.ID); err != nil {
		return domain.Medicine{}, err
	}
	if err := s.repo.SetTaken(ctx, updated.UserID, updated.ID, env.today, false); err != nil {
		return domain.Medicine{}, err
	}
	delete(env.taken, updated.ID)

	if _, err := s.apply(ctx, env, updated, false); err != nil {
		s.log.Warn("schedule after update failed",
			slog.String("user_id", updated.UserID),
			slog.String("medicine_id", updated.ID.String()),
			slog.Any("err", err),
		)
	}
	return updated, nil
}

func buildMedicine(in CreateInput) (domain.Medicine, error) {
	if in.UserID == "" {
		return domain.Medicine{}, validationError("user_id is required")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Medicine{}, validationError("name is required")
	}
	if !in.Time.Valid() {
		return domain.Medicine{}, validationError("invalid time_of_day")
	}

	m := domain.Medicine{
		UserID:         in.UserID,
		Name:           name,
		Time:           in.Time,
		Frequency:      in.Frequency,
		CustomInterval: in.CustomInterval,
		StartDate:      in.StartDate,
		EndDate:        in.EndDate,
		NoEndDate:      in.NoEndDate,
	}
	if m.Frequency != domain.FrequencyCustom {
		m.CustomInterval = 0
	}
	if m.NoEndDate {
		m.EndDate = domain.Date{}
	}
	if err := m.Rule().Validate(); err != nil {
		return domain.Medicine{}, validationError(err.Error())
	}
	return m, nil
}

func (s *Service) Get(ctx context.Context, userID string, medicineID uuid.UUID) (domain.Medicine, error) {
	if userID == "" {
		return domain.Medicine{}, validationError("user_id is required")
	}
	if medicineID == uuid.Nil {
		return domain.Medicine{}, validationError("medicine_id is required")
	}
	return s.repo.Get(ctx, userID, medicineID)
}

// List returns the user's medicines in the requested order. An empty order
// selects the listing order.
func (s *Service) List(ctx context.Context, userID string, order domain.Order) ([]domain.Medicine, error) {
	if userID == "" {
		return nil, validationError("user_id is required")
	}
	switch order {
	case "":
		order = domain.OrderListing
	case domain.OrderListing, domain.OrderByTime:
	default:
		return nil, validationError("unsupported order")
	}

	ms, err := s.repo.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	order.Sort(ms)
	return ms, nil
}

func (s *Service) Delete(ctx context.Context, userID string, medicineID uuid.UUID) error {
	if userID == "" {
		return validationError("user_id is required")
	}
	if medicineID == uuid.Nil {
		return validationError("medicine_id is required")
	}

	unlock, err := s.locks.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	env, err := s.loadEnv(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.cancelRecorded(ctx, env, medicineID); err != nil {
		return err
	}
	return s.repo.Delete(ctx, userID, medicineID)
}

// DeleteAll removes every medicine of the user and cancels every reminder
// scheduled for them, recorded or not.
func (s *Service) DeleteAll(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, validationError("user_id is required")
	}

	unlock, err := s.locks.lock(ctx, userID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	live, err := s.notifier.ScheduledIDs(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, id := range live {
		if err := s.notifier.Cancel(ctx, id); err != nil {
			return 0, err
		}
	}
	return s.repo.DeleteAll(ctx, userID)
}

func (s *Service) DueDates(ctx context.Context, userID string, medicineID uuid.UUID) ([]domain.Date, error) {
	m, err := s.Get(ctx, userID, medicineID)
	if err != nil {
		return nil, err
	}
	return domain.Expand(m.Rule())
}

type DueMedicine struct {
	Medicine domain.Medicine
	Taken    bool
	Label    string
}

type Day struct {
	Date      domain.Date
	Medicines []DueMedicine
}

// Today lists the medicines due on the user's local date in time order.
func (s *Service) Today(ctx context.Context, userID string) (Day, error) {
	if userID == "" {
		return Day{}, validationError("user_id is required")
	}
	env, err := s.loadEnv(ctx, userID)
	if err != nil {
		return Day{}, err
	}
	days, err := s.days(ctx, env, env.today, env.today)
	if err != nil {
		return Day{}, err
	}
	return days[0], nil
}

// Calendar lists, for every date in [from, to], the medicines due that day in
// time order. Taken flags are only reported for the user's current date.
func (s *Service) Calendar(ctx context.Context, userID string, from, to domain.Date) ([]Day, error) {
	if userID == "" {
		return nil, validationError("user_id is required")
	}
	if from.IsZero() || to.IsZero() {
		return nil, validationError("from and to are required")
	}
	if to.Before(from) {
		return nil, validationError("to must not be before from")
	}
	if from.AddDays(maxCalendarDays - 1).Before(to) {
		return nil, validationError(fmt.Sprintf("calendar range is limited to %d days", maxCalendarDays))
	}

	env, err := s.loadEnv(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.days(ctx, env, from, to)
}

func (s *Service) days(ctx context.Context, env userEnv, from, to domain.Date) ([]Day, error) {
	ms, err := s.repo.List(ctx, env.profile.UserID)
	if err != nil {
		return nil, err
	}
	domain.SortByTime(ms)

	byDate := make(map[domain.Date][]DueMedicine)
	for _, m := range ms {
		dates, err := domain.ExpandFrom(m.Rule(), from)
		if err != nil {
			s.log.Warn("skipping medicine with invalid rule",
				slog.String("medicine_id", m.ID.String()),
				slog.Any("err", err),
			)
			continue
		}
		i, _ := slices.BinarySearchFunc(dates, from, domain.Date.Compare)
		for ; i < len(dates) && !dates[i].After(to); i++ {
			d := dates[i]
			byDate[d] = append(byDate[d], DueMedicine{
				Medicine: m,
				Taken:    d == env.today && env.taken[m.ID],
				Label:    domain.FrequencyLabel(m.Frequency, m.CustomInterval),
			})
		}
	}

	var out []Day
	for d := from; !d.After(to); d = d.AddDays(1) {
		out = append(out, Day{Date: d, Medicines: byDate[d]})
	}
	return out, nil
}

// SetTaken marks today's dose of a medicine as taken or not taken and moves
// its reminder accordingly.
func (s *Service) SetTaken(ctx context.Context, userID string, medicineID uuid.UUID, taken bool) (domain.Decision, error) {
	if userID == "" {
		return domain.Decision{}, validationError("user_id is required")
	}
	unlock, err := s.locks.lock(ctx, userID)
	if err != nil {
		return domain.Decision{}, err
	}
	defer unlock()

	m, err := s.Get(ctx, userID, medicineID)
	if err != nil {
		return domain.Decision{}, err
	}
	env, err := s.loadEnv(ctx, userID)
	if err != nil {
		return domain.Decision{}, err
	}
	if err := s.repo.SetTaken(ctx, userID, medicineID, env.today, taken); err != nil {
		return domain.Decision{}, err
	}
	env.taken[medicineID] = taken

	return s.apply(ctx, env, m, taken)
}

type Report struct {
	PermissionDenied bool
	Scheduled        int
	Kept             int
	Cancelled        int
	Lapsed           int
	Failed           int
}

// Reconcile brings the user's scheduled reminders in line with their
// medicines. Identifiers scheduled for the user but owned by no medicine are
// cancelled.
func (s *Service) Reconcile(ctx context.Context, userID string) (Report, error) {
	if userID == "" {
		return Report{}, validationError("user_id is required")
	}
	unlock, err := s.locks.lock(ctx, userID)
	if err != nil {
		return Report{}, err
	}
	defer unlock()

	return s.reconcileUser(ctx, userID)
}

func (s *Service) reconcileUser(ctx context.Context, userID string) (Report, error) {
	env, err := s.loadEnv(ctx, userID)
	if err != nil {
		return Report{}, err
	}
	ms, err := s.repo.List(ctx, userID)
	if err != nil {
		return Report{}, err
	}

	var report Report
	var errs []error
	owned := make(map[string]bool, len(env.records))
	for _, m := range ms {
		if rec, ok := env.records[m.ID]; ok {
			owned[rec.Identifier] = true
		}
		out, err := s.reconcile(ctx, env, m, false)
		report.add(out)
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("medicine %s: %w", m.ID, err))
		}
	}

	for _, id := range env.live {
		if owned[id] {
			continue
		}
		if err := s.notifier.Cancel(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("orphan %s: %w", id, err))
			continue
		}
		report.Cancelled++
	}

	s.log.Info("reconciled",
		slog.String("user_id", userID),
		slog.Bool("permission_denied", report.PermissionDenied),
		slog.Int("scheduled", report.Scheduled),
		slog.Int("kept", report.Kept),
		slog.Int("cancelled", report.Cancelled),
		slog.Int("lapsed", report.Lapsed),
		slog.Int("failed", report.Failed),
	)
	return report, errors.Join(errs...)
}

// ReconcileAll reconciles every user with a profile and returns how many
// users were reconciled without error.
func (s *Service) ReconcileAll(ctx context.Context) (int, error) {
	profiles, err := s.profiles.ListProfiles(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	ok := 0
	for _, p := range profiles {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := s.Reconcile(ctx, p.UserID); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", p.UserID, err))
			continue
		}
		ok++
	}
	return ok, errors.Join(errs...)
}

// PruneTaken drops taken marks older than the retention window.
func (s *Service) PruneTaken(ctx context.Context) (int, error) {
	before := domain.DateIn(s.now(), s.defaultLocation).AddDays(-store.TakenRetentionDays)
	return s.repo.PruneTaken(ctx, before)
}

type ProfileInput struct {
	UserID               string
	TimeZone             string
	NotificationsEnabled bool
	TelegramChatID       int64
}

// SetProfile stores the user's settings and reconciles their reminders,
// since zone and permission both change every decision.
func (s *Service) SetProfile(ctx context.Context, in ProfileInput) (domain.Profile, Report, error) {
	if in.UserID == "" {
		return domain.Profile{}, Report{}, validationError("user_id is required")
	}
	tz := strings.TrimSpace(in.TimeZone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return domain.Profile{}, Report{}, validationError("invalid time_zone")
		}
	}
	if in.TelegramChatID < 0 {
		return domain.Profile{}, Report{}, validationError("invalid telegram_chat_id")
	}

	unlock, err := s.locks.lock(ctx, in.UserID)
	if err != nil {
		return domain.Profile{}, Report{}, err
	}
	defer unlock()

	p, err := s.profiles.UpsertProfile(ctx, domain.Profile{
		UserID:               in.UserID,
		TimeZone:             tz,
		NotificationsEnabled: in.NotificationsEnabled,
		TelegramChatID:       in.TelegramChatID,
	})
	if err != nil {
		return domain.Profile{}, Report{}, err
	}

	report, err := s.reconcileUser(ctx, in.UserID)
	if err != nil {
		s.log.Warn("reconcile after profile change failed",
			slog.String("user_id", in.UserID),
			slog.Any("err", err),
		)
	}
	return p, report, nil
}

// GetProfile returns the stored profile, or the defaults for a user that has
// never saved one.
func (s *Service) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	if userID == "" {
		return domain.Profile{}, validationError("user_id is required")
	}
	p, err := s.profiles.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Profile{UserID: userID}, nil
	}
	return p, err
}

// userEnv is the per-user state a scheduling pass works from.
type userEnv struct {
	profile domain.Profile
	loc     *time.Location
	now     time.Time
	today   domain.Date
	live    []string
	records map[uuid.UUID]domain.NotificationRecord
	taken   map[uuid.UUID]bool
}

func (s *Service) loadEnv(ctx context.Context, userID string) (userEnv, error) {
	p, err := s.GetProfile(ctx, userID)
	if err != nil {
		return userEnv{}, err
	}
	loc := s.defaultLocation
	if p.TimeZone != "" {
		l, err := p.Location()
		if err != nil {
			s.log.Warn("unknown profile time zone, using default",
				slog.String("user_id", userID),
				slog.String("time_zone", p.TimeZone),
			)
		} else {
			loc = l
		}
	}

	now := s.now().In(loc)
	today := domain.DateIn(now, loc)

	live, err := s.notifier.ScheduledIDs(ctx, userID)
	if err != nil {
		return userEnv{}, err
	}
	records, err := s.repo.NotificationRecords(ctx, userID)
	if err != nil {
		return userEnv{}, err
	}
	taken, err := s.repo.TakenOn(ctx, userID, today)
	if err != nil {
		return userEnv{}, err
	}
	if records == nil {
		records = make(map[uuid.UUID]domain.NotificationRecord)
	}
	if taken == nil {
		taken = make(map[uuid.UUID]bool)
	}

	return userEnv{
		profile: p,
		loc:     loc,
		now:     now,
		today:   today,
		live:    live,
		records: records,
		taken:   taken,
	}, nil
}

func (s *Service) syncOne(ctx context.Context, m domain.Medicine, takenReschedule bool) error {
	env, err := s.loadEnv(ctx, m.UserID)
	if err != nil {
		return err
	}
	_, err = s.apply(ctx, env, m, takenReschedule)
	return err
}

func (s *Service) apply(ctx context.Context, env userEnv, m domain.Medicine, takenReschedule bool) (domain.Decision, error) {
	out, err := s.reconcile(ctx, env, m, takenReschedule)
	return out.decision, err
}

func (s *Service) cancelRecorded(ctx context.Context, env userEnv, medicineID uuid.UUID) error {
	rec, ok := env.records[medicineID]
	if !ok {
		return nil
	}
	if slices.Contains(env.live, rec.Identifier) {
		if err := s.notifier.Cancel(ctx, rec.Identifier); err != nil {
			return err
		}
	}
	if err := s.repo.DeleteNotificationRecord(ctx, env.profile.UserID, medicineID); err != nil {
		return err
	}
	delete(env.records, medicineID)
	return nil
}

type outcome struct {
	decision  domain.Decision
	scheduled bool
	kept      bool
	cancelled bool
	lapsed    bool
}

func (r *Report) add(o outcome) {
	if o.decision.PermissionDenied() {
		r.PermissionDenied = true
	}
	if o.scheduled {
		r.Scheduled++
	}
	if o.kept {
		r.Kept++
	}
	if o.cancelled {
		r.Cancelled++
	}
	if o.lapsed {
		r.Lapsed++
	}
}

// reconcile decides the trigger of one medicine and performs at most one
// cancel and one schedule on the notifier to match it.
func (s *Service) reconcile(ctx context.Context, env userEnv, m domain.Medicine, takenReschedule bool) (outcome, error) {
	var out outcome

	dates, err := domain.ExpandFrom(m.Rule(), env.today)
	if err != nil {
		return out, err
	}
	decision, err := domain.Decide(domain.ScheduleInput{
		Rule:              m.Rule(),
		DueDates:          dates,
		Time:              m.Time,
		Now:               env.now,
		Location:          env.loc,
		TakenToday:        env.taken[m.ID],
		PermissionGranted: env.profile.NotificationsEnabled,
		TakenReschedule:   takenReschedule,
		Capabilities:      s.capabilities,
	})
	if err != nil {
		return out, err
	}
	out.decision = decision

	var record *domain.NotificationRecord
	if rec, ok := env.records[m.ID]; ok {
		record = &rec
	}
	plan := domain.PlanReconcile(record, env.live, decision)

	log := s.log.With(
		slog.String("user_id", m.UserID),
		slog.String("medicine_id", m.ID.String()),
	)
	if plan.Lapsed {
		out.lapsed = true
		log.Info("recorded reminder no longer scheduled", slog.String("identifier", record.Identifier))
	}
	if plan.Keep {
		out.kept = true
		return out, nil
	}

	if plan.Cancel != "" {
		if err := s.notifier.Cancel(ctx, plan.Cancel); err != nil {
			return out, err
		}
		out.cancelled = true
	}

	if !plan.Schedule {
		if plan.Forget {
			if err := s.repo.DeleteNotificationRecord(ctx, m.UserID, m.ID); err != nil {
				return out, err
			}
			delete(env.records, m.ID)
		}
		if decision.IsNone() {
			log.Debug("no reminder scheduled", slog.String("reason", string(decision.Reason)))
		}
		return out, nil
	}

	id, err := s.notifier.Schedule(ctx, Request{
		UserID:     m.UserID,
		MedicineID: m.ID,
		Title:      m.Name,
		Body:       reminderBody,
		Decision:   decision,
		Location:   env.loc,
	})
	if err != nil {
		return out, err
	}
	out.scheduled = true

	rec := domain.NotificationRecord{
		MedicineID: m.ID,
		UserID:     m.UserID,
		Identifier: id,
		TriggerKey: decision.Key(),
		UpdatedAt:  s.now().UTC(),
	}
	if err := s.repo.SaveNotificationRecord(ctx, rec); err != nil {
		// The medicine went away underneath us; drop the trigger as well.
		if errors.Is(err, store.ErrNotFound) {
			_ = s.notifier.Cancel(ctx, id)
		}
		return out, err
	}
	env.records[m.ID] = rec
	log.Debug("reminder scheduled",
		slog.String("identifier", id),
		slog.String("trigger", rec.TriggerKey),
	)
	return out, nil
}
