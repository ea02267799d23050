package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultRefreshSpec = "@every 15m"
	DefaultPruneSpec   = "30 3 * * *"
)

// Maintainer is the work the periodic jobs drive.
type Maintainer interface {
	ReconcileAll(ctx context.Context) (int, error)
	PruneTaken(ctx context.Context) (int, error)
}

type Config struct {
	RefreshSpec string
	PruneSpec   string
	Timeout     time.Duration
}

// Runner re-expands every user's reminders on a schedule, so open-ended
// rules and triggers lost on restart are scheduled again.
type Runner struct {
	cron    *cron.Cron
	target  Maintainer
	log     *slog.Logger
	cfg     Config
	started bool
}

func NewRunner(target Maintainer, log *slog.Logger, cfg Config) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RefreshSpec == "" {
		cfg.RefreshSpec = DefaultRefreshSpec
	}
	if cfg.PruneSpec == "" {
		cfg.PruneSpec = DefaultPruneSpec
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Runner{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		target: target,
		log:    log.With(slog.String("component", "jobs")),
		cfg:    cfg,
	}
}

// Start registers the jobs, runs one refresh right away and starts the
// scheduler.
func (r *Runner) Start() error {
	if _, err := r.cron.AddFunc(r.cfg.RefreshSpec, r.refresh); err != nil {
		return fmt.Errorf("refresh spec %q: %w", r.cfg.RefreshSpec, err)
	}
	if _, err := r.cron.AddFunc(r.cfg.PruneSpec, r.prune); err != nil {
		return fmt.Errorf("prune spec %q: %w", r.cfg.PruneSpec, err)
	}

	go r.refresh()
	r.cron.Start()
	r.started = true
	r.log.Info("jobs started",
		slog.String("refresh_spec", r.cfg.RefreshSpec),
		slog.String("prune_spec", r.cfg.PruneSpec),
	)
	return nil
}

func (r *Runner) Stop() context.Context {
	if !r.started {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return r.cron.Stop()
}

func (r *Runner) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	n, err := r.target.ReconcileAll(ctx)
	if err != nil {
		r.log.Error("reminder refresh failed", slog.Int("users", n), slog.Any("err", err))
		return
	}
	r.log.Info("reminders refreshed", slog.Int("users", n), slog.Duration("took", time.Since(start)))
}

func (r *Runner) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	n, err := r.target.PruneTaken(ctx)
	if err != nil {
		r.log.Error("taken prune failed", slog.Any("err", err))
		return
	}
	r.log.Info("taken marks pruned", slog.Int("rows", n))
}
