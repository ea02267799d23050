package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"medreminder/internal/domain"
	"medreminder/internal/service/medicines"
	"medreminder/internal/store"
)

type MedicinesServer struct {
	svc medicinesService
	log *slog.Logger
}

type medicinesService interface {
	Create(ctx context.Context, in medicines.CreateInput) (domain.Medicine, error)
	Update(ctx context.Context, in medicines.UpdateInput) (domain.Medicine, error)
	Get(ctx context.Context, userID string, medicineID uuid.UUID) (domain.Medicine, error)
	Delete(ctx context.Context, userID string, medicineID uuid.UUID) error
	DeleteAll(ctx context.Context, userID string) (int, error)
	List(ctx context.Context, userID string, order domain.Order) ([]domain.Medicine, error)
	DueDates(ctx context.Context, userID string, medicineID uuid.UUID) ([]domain.Date, error)
	Today(ctx context.Context, userID string) (medicines.Day, error)
	Calendar(ctx context.Context, userID string, from, to domain.Date) ([]medicines.Day, error)
	SetTaken(ctx context.Context, userID string, medicineID uuid.UUID, taken bool) (domain.Decision, error)
	Reconcile(ctx context.Context, userID string) (medicines.Report, error)
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)
	SetProfile(ctx context.Context, in medicines.ProfileInput) (domain.Profile, medicines.Report, error)
}

func NewMedicinesServer(svc medicinesService, log *slog.Logger) *MedicinesServer {
	if log == nil {
		log = slog.Default()
	}
	return &MedicinesServer{
		svc: svc,
		log: log.With(slog.String("component", "grpc.medicines")),
	}
}

// invalidArgument is a request that could not be decoded.
type invalidArgument struct {
	msg string
}

func (e *invalidArgument) Error() string {
	return e.msg
}

func badRequest(format string, args ...any) error {
	return &invalidArgument{msg: fmt.Sprintf(format, args...)}
}

// toStatus maps service errors onto gRPC codes and logs them at the level
// the code deserves.
func toStatus(log *slog.Logger, op string, err error, attrs ...any) error {
	var vErr *medicines.ValidationError
	var bad *invalidArgument
	switch {
	case errors.As(err, &bad):
		log.Warn("invalid request", append([]any{slog.String("reason", bad.msg)}, attrs...)...)
		return status.Error(codes.InvalidArgument, bad.msg)
	case errors.As(err, &vErr):
		log.Warn("invalid request", append([]any{slog.Any("err", err)}, attrs...)...)
		return status.Error(codes.InvalidArgument, vErr.Error())
	case errors.Is(err, domain.ErrInvalidRule):
		log.Warn("invalid rule", append([]any{slog.Any("err", err)}, attrs...)...)
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrNotFound):
		log.Info("medicine not found", attrs...)
		return status.Error(codes.NotFound, "medicine not found")
	case errors.Is(err, store.ErrIdempotencyConflict):
		log.Info("idempotency conflict", attrs...)
		return status.Error(codes.FailedPrecondition, "This request key was already used for a different medicine. Try again.")
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn(op+" timed out", attrs...)
		return status.Error(codes.DeadlineExceeded, "request timed out")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	}
	log.Error(op+" failed", append([]any{slog.Any("err", err)}, attrs...)...)
	return status.Error(codes.Internal, "internal error")
}

func (s *MedicinesServer) CreateMedicine(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "CreateMedicine"))
	f := fieldsOf(req)

	in, err := createInput(f)
	if err != nil {
		return nil, toStatus(log, "medicine create", err, slog.String("user_id", f.str("user_id")))
	}
	in.IdempotencyKey = idempotencyKey(ctx)

	m, err := s.svc.Create(ctx, in)
	if err != nil {
		return nil, toStatus(log, "medicine create", err, slog.String("user_id", in.UserID))
	}

	log.Info("medicine created",
		slog.String("medicine_id", m.ID.String()),
		slog.String("user_id", m.UserID),
		slog.String("frequency", string(m.Frequency)),
	)
	return newStruct(map[string]any{"medicine": medicineValue(m)})
}

func (s *MedicinesServer) UpdateMedicine(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "UpdateMedicine"))
	f := fieldsOf(req)

	id, err := f.uuid("medicine_id")
	if err != nil {
		return nil, toStatus(log, "medicine update", err, slog.String("user_id", f.str("user_id")))
	}
	in, err := createInput(f)
	if err != nil {
		return nil, toStatus(log, "medicine update", err, slog.String("user_id", f.str("user_id")))
	}

	m, err := s.svc.Update(ctx, medicines.UpdateInput{ID: id, CreateInput: in})
	if err != nil {
		return nil, toStatus(log, "medicine update", err, slog.String("medicine_id", id.String()), slog.String("user_id", in.UserID))
	}

	log.Info("medicine updated", slog.String("medicine_id", m.ID.String()), slog.String("user_id", m.UserID))
	return newStruct(map[string]any{"medicine": medicineValue(m)})
}

func (s *MedicinesServer) GetMedicine(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "GetMedicine"))
	f := fieldsOf(req)
	userID := f.str("user_id")

	id, err := f.uuid("medicine_id")
	if err != nil {
		return nil, toStatus(log, "medicine get", err, slog.String("user_id", userID))
	}
	m, err := s.svc.Get(ctx, userID, id)
	if err != nil {
		return nil, toStatus(log, "medicine get", err, slog.String("medicine_id", id.String()), slog.String("user_id", userID))
	}
	return newStruct(map[string]any{"medicine": medicineValue(m)})
}

func (s *MedicinesServer) DeleteMedicine(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "DeleteMedicine"))
	f := fieldsOf(req)
	userID := f.str("user_id")

	id, err := f.uuid("medicine_id")
	if err != nil {
		return nil, toStatus(log, "medicine delete", err, slog.String("user_id", userID))
	}
	if err := s.svc.Delete(ctx, userID, id); err != nil {
		return nil, toStatus(log, "medicine delete", err, slog.String("medicine_id", id.String()), slog.String("user_id", userID))
	}

	log.Info("medicine deleted", slog.String("medicine_id", id.String()), slog.String("user_id", userID))
	return newStruct(map[string]any{})
}

func (s *MedicinesServer) DeleteAllMedicines(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "DeleteAllMedicines"))
	userID := fieldsOf(req).str("user_id")

	n, err := s.svc.DeleteAll(ctx, userID)
	if err != nil {
		return nil, toStatus(log, "medicines delete", err, slog.String("user_id", userID))
	}

	log.Info("medicines deleted", slog.String("user_id", userID), slog.Int("count", n))
	return newStruct(map[string]any{"deleted": n})
}

func (s *MedicinesServer) ListMedicines(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "ListMedicines"))
	f := fieldsOf(req)
	userID := f.str("user_id")

	ms, err := s.svc.List(ctx, userID, domain.Order(f.str("order")))
	if err != nil {
		return nil, toStatus(log, "medicines list", err, slog.String("user_id", userID))
	}

	out := make([]any, 0, len(ms))
	for _, m := range ms {
		out = append(out, medicineValue(m))
	}

	log.Debug("medicines listed", slog.String("user_id", userID), slog.Int("count", len(out)))
	return newStruct(map[string]any{"medicines": out})
}

func (s *MedicinesServer) ListDueDates(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "ListDueDates"))
	f := fieldsOf(req)
	userID := f.str("user_id")

	id, err := f.uuid("medicine_id")
	if err != nil {
		return nil, toStatus(log, "due dates list", err, slog.String("user_id", userID))
	}
	dates, err := s.svc.DueDates(ctx, userID, id)
	if err != nil {
		return nil, toStatus(log, "due dates list", err, slog.String("medicine_id", id.String()), slog.String("user_id", userID))
	}

	out := make([]any, 0, len(dates))
	for _, d := range dates {
		out = append(out, d.String())
	}
	return newStruct(map[string]any{
		"dates":     out,
		"truncated": len(dates) == domain.MaxDueDates,
	})
}

func (s *MedicinesServer) ListToday(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "ListToday"))
	userID := fieldsOf(req).str("user_id")

	day, err := s.svc.Today(ctx, userID)
	if err != nil {
		return nil, toStatus(log, "today list", err, slog.String("user_id", userID))
	}
	return newStruct(dayValue(day, true))
}

func (s *MedicinesServer) ListCalendar(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "ListCalendar"))
	f := fieldsOf(req)
	userID := f.str("user_id")

	from, err := f.date("from")
	if err != nil {
		return nil, toStatus(log, "calendar list", err, slog.String("user_id", userID))
	}
	to, err := f.date("to")
	if err != nil {
		return nil, toStatus(log, "calendar list", err, slog.String("user_id", userID))
	}

	days, err := s.svc.Calendar(ctx, userID, from, to)
	if err != nil {
		return nil, toStatus(log, "calendar list", err, slog.String("user_id", userID))
	}

	out := make([]any, 0, len(days))
	for _, d := range days {
		out = append(out, dayValue(d, false))
	}
	return newStruct(map[string]any{"days": out})
}

func (s *MedicinesServer) SetTaken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "SetTaken"))
	f := fieldsOf(req)
	userID := f.str("user_id")

	id, err := f.uuid("medicine_id")
	if err != nil {
		return nil, toStatus(log, "taken update", err, slog.String("user_id", userID))
	}
	taken := f.boolean("taken")

	d, err := s.svc.SetTaken(ctx, userID, id, taken)
	if err != nil {
		return nil, toStatus(log, "taken update", err, slog.String("medicine_id", id.String()), slog.String("user_id", userID))
	}

	log.Info("taken updated",
		slog.String("medicine_id", id.String()),
		slog.String("user_id", userID),
		slog.Bool("taken", taken),
		slog.String("trigger", d.Key()),
	)
	return newStruct(map[string]any{"decision": decisionValue(d)})
}

func (s *MedicinesServer) Reconcile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "Reconcile"))
	userID := fieldsOf(req).str("user_id")

	report, err := s.svc.Reconcile(ctx, userID)
	if err != nil {
		return nil, toStatus(log, "reconcile", err, slog.String("user_id", userID))
	}
	return newStruct(map[string]any{"report": reportValue(report)})
}

func (s *MedicinesServer) GetProfile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "GetProfile"))
	userID := fieldsOf(req).str("user_id")

	p, err := s.svc.GetProfile(ctx, userID)
	if err != nil {
		return nil, toStatus(log, "profile get", err, slog.String("user_id", userID))
	}
	return newStruct(map[string]any{"profile": profileValue(p)})
}

func (s *MedicinesServer) SetProfile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "SetProfile"))
	f := fieldsOf(req)
	userID := f.str("user_id")

	chatID, err := f.int64("telegram_chat_id")
	if err != nil {
		return nil, toStatus(log, "profile update", err, slog.String("user_id", userID))
	}

	p, report, err := s.svc.SetProfile(ctx, medicines.ProfileInput{
		UserID:               userID,
		TimeZone:             f.str("time_zone"),
		NotificationsEnabled: f.boolean("notifications_enabled"),
		TelegramChatID:       chatID,
	})
	if err != nil {
		return nil, toStatus(log, "profile update", err, slog.String("user_id", userID))
	}

	log.Info("profile updated",
		slog.String("user_id", userID),
		slog.String("time_zone", p.TimeZone),
		slog.Bool("notifications_enabled", p.NotificationsEnabled),
	)
	return newStruct(map[string]any{
		"profile": profileValue(p),
		"report":  reportValue(report),
	})
}

func idempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("idempotency-key")
	if len(values) == 0 {
		values = md.Get("x-idempotency-key")
	}
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func createInput(f fields) (medicines.CreateInput, error) {
	tod, err := domain.ParseTimeOfDay(f.str("time"))
	if err != nil {
		return medicines.CreateInput{}, badRequest("time must be HH:MM")
	}
	start, err := f.date("start_date")
	if err != nil {
		return medicines.CreateInput{}, err
	}
	noEnd := f.boolean("no_end_date")
	var end domain.Date
	if !noEnd {
		if end, err = f.date("end_date"); err != nil {
			return medicines.CreateInput{}, err
		}
	}
	interval, err := f.int64("custom_interval")
	if err != nil {
		return medicines.CreateInput{}, err
	}

	return medicines.CreateInput{
		UserID:         f.str("user_id"),
		Name:           f.str("name"),
		Time:           tod,
		Frequency:      domain.Frequency(f.str("frequency")),
		CustomInterval: int(interval),
		StartDate:      start,
		EndDate:        end,
		NoEndDate:      noEnd,
	}, nil
}

// fields reads typed values out of a request struct. Missing keys read as
// zero values.
type fields struct {
	m map[string]*structpb.Value
}

func fieldsOf(s *structpb.Struct) fields {
	return fields{m: s.GetFields()}
}

func (f fields) str(key string) string {
	return strings.TrimSpace(f.m[key].GetStringValue())
}

func (f fields) boolean(key string) bool {
	return f.m[key].GetBoolValue()
}

func (f fields) int64(key string) (int64, error) {
	v, ok := f.m[key]
	if !ok {
		return 0, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return 0, nil
	}
	n, isNumber := v.GetKind().(*structpb.Value_NumberValue)
	if !isNumber {
		return 0, badRequest("%s must be a number", key)
	}
	if n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > 1<<53 {
		return 0, badRequest("%s must be an integer", key)
	}
	return int64(n.NumberValue), nil
}

func (f fields) uuid(key string) (uuid.UUID, error) {
	id, err := uuid.Parse(f.str(key))
	if err != nil {
		return uuid.Nil, badRequest("%s must be a UUID", key)
	}
	return id, nil
}

func (f fields) date(key string) (domain.Date, error) {
	d, err := domain.ParseDate(f.str(key))
	if err != nil {
		return domain.Date{}, badRequest("%s must be a date (YYYY-MM-DD)", key)
	}
	return d, nil
}

func newStruct(v map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	return s, nil
}

func medicineValue(m domain.Medicine) map[string]any {
	return map[string]any{
		"id":              m.ID.String(),
		"user_id":         m.UserID,
		"name":            m.Name,
		"time":            m.Time.String(),
		"frequency":       string(m.Frequency),
		"custom_interval": m.CustomInterval,
		"frequency_label": domain.FrequencyLabel(m.Frequency, m.CustomInterval),
		"start_date":      m.StartDate.String(),
		"end_date":        m.EndDate.String(),
		"no_end_date":     m.NoEndDate,
		"created_at":      formatTime(m.CreatedAt),
		"updated_at":      formatTime(m.UpdatedAt),
	}
}

func dayValue(d medicines.Day, withMedicines bool) map[string]any {
	items := make([]any, 0, len(d.Medicines))
	for _, dm := range d.Medicines {
		if withMedicines {
			items = append(items, map[string]any{
				"medicine": medicineValue(dm.Medicine),
				"taken":    dm.Taken,
			})
			continue
		}
		items = append(items, dm.Medicine.ID.String())
	}
	if withMedicines {
		return map[string]any{"date": d.Date.String(), "medicines": items}
	}
	return map[string]any{"date": d.Date.String(), "medicine_ids": items}
}

func decisionValue(d domain.Decision) map[string]any {
	return map[string]any{
		"kind":    string(d.Kind),
		"reason":  string(d.Reason),
		"trigger": d.Key(),
		"zone":    d.Zone,
		"next":    formatTime(d.Next),
	}
}

func reportValue(r medicines.Report) map[string]any {
	return map[string]any{
		"permission_denied": r.PermissionDenied,
		"scheduled":         r.Scheduled,
		"kept":              r.Kept,
		"cancelled":         r.Cancelled,
		"lapsed":            r.Lapsed,
		"failed":            r.Failed,
	}
}

func profileValue(p domain.Profile) map[string]any {
	return map[string]any{
		"user_id":               p.UserID,
		"time_zone":             p.TimeZone,
		"notifications_enabled": p.NotificationsEnabled,
		"telegram_chat_id":      p.TelegramChatID,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
