package notify

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"medreminder/internal/service/medicines"
)

const defaultDeliveryTimeout = 15 * time.Second

// Reminder is one fired trigger on its way to the user.
type Reminder struct {
	ID         string
	UserID     string
	MedicineID uuid.UUID
	Title      string
	Body       string
	FiredAt    time.Time
}

type Deliverer interface {
	Deliver(ctx context.Context, r Reminder) error
}

type entry struct {
	cronID  cron.EntryID
	once    bool
	request medicines.Request
}

// CronNotifier keeps reminder triggers as in-memory cron entries. Entries do
// not survive a restart; the periodic reconcile schedules them again.
type CronNotifier struct {
	cron    *cron.Cron
	deliver Deliverer
	log     *slog.Logger
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

func NewCronNotifier(deliver Deliverer, log *slog.Logger) *CronNotifier {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "notifier"))
	cl := cronLogger{log: log}
	return &CronNotifier{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		deliver: deliver,
		log:     log,
		timeout: defaultDeliveryTimeout,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

func (n *CronNotifier) Start() {
	n.cron.Start()
	n.log.Info("notifier started")
}

// Stop halts the scheduler. The returned context is done once running
// deliveries have finished.
func (n *CronNotifier) Stop() context.Context {
	ctx := n.cron.Stop()
	n.log.Info("notifier stopped")
	return ctx
}

func (n *CronNotifier) Schedule(ctx context.Context, req medicines.Request) (string, error) {
	sched, once, err := scheduleFor(req.Decision, req.Location)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()

	n.mu.Lock()
	defer n.mu.Unlock()

	cronID := n.cron.Schedule(sched, cron.FuncJob(func() { n.fire(id) }))
	n.entries[id] = entry{cronID: cronID, once: once, request: req}

	n.log.Debug("reminder scheduled",
		slog.String("identifier", id),
		slog.String("user_id", req.UserID),
		slog.String("medicine_id", req.MedicineID.String()),
		slog.String("trigger", req.Decision.Key()),
	)
	return id, nil
}

// Cancel removes a trigger. Unknown identifiers are ignored.
func (n *CronNotifier) Cancel(ctx context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	e, ok := n.entries[id]
	if !ok {
		return nil
	}
	delete(n.entries, id)
	n.cron.Remove(e.cronID)
	return nil
}

func (n *CronNotifier) ScheduledIDs(ctx context.Context, userID string) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var ids []string
	for id, e := range n.entries {
		if e.request.UserID == userID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (n *CronNotifier) fire(id string) {
	n.mu.Lock()
	e, ok := n.entries[id]
	if ok && e.once {
		delete(n.entries, id)
		n.cron.Remove(e.cronID)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	r := Reminder{
		ID:         id,
		UserID:     e.request.UserID,
		MedicineID: e.request.MedicineID,
		Title:      e.request.Title,
		Body:       e.request.Body,
		FiredAt:    n.now(),
	}
	if err := n.deliver.Deliver(ctx, r); err != nil {
		n.log.Error("reminder delivery failed",
			slog.String("identifier", id),
			slog.String("user_id", r.UserID),
			slog.String("medicine_id", r.MedicineID.String()),
			slog.Any("err", err),
		)
	}
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append([]any{slog.Any("err", err)}, keysAndValues...)...)
}
