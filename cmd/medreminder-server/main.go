package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"gopkg.in/telebot.v3"

	"medreminder/internal/config"
	"medreminder/internal/domain"
	"medreminder/internal/jobs"
	"medreminder/internal/notify"
	"medreminder/internal/service/medicines"
	"medreminder/internal/store/postgres"
	grpcTransport "medreminder/internal/transport/grpc"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", "medreminder-server"),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", "medreminder-server"),
	)
	slog.SetDefault(log)

	log.Info("starting",
		slog.String("grpc_addr", cfg.GRPCAddr()),
		slog.String("log_level", cfg.LogLevel),
		slog.String("time_zone", cfg.TimeZone),
		slog.Bool("monthly_repeat", cfg.MonthlyRepeat),
	)

	loc, err := cfg.Location()
	if err != nil {
		log.Error("time zone load failed", slog.Any("err", err), slog.String("time_zone", cfg.TimeZone))
		os.Exit(1)
	}

	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
	openCtx, cancelOpen := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	db, err := postgres.Open(openCtx, cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		SlowQuery:       cfg.DBSlowQuery,
		Logger:          log,
	})
	cancelOpen()
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		os.Exit(1)
	}
	defer func() {
		if err := postgres.Close(db); err != nil {
			log.Warn("database close failed", slog.Any("err", err))
		}
	}()

	repo := postgres.NewMedicineRepo(db)

	var deliverer notify.Deliverer = notify.NewLogDeliverer(log)
	var bot *telebot.Bot
	if cfg.TelegramToken != "" {
		bot, err = telebot.NewBot(telebot.Settings{
			Token:  cfg.TelegramToken,
			Poller: &telebot.LongPoller{Timeout: cfg.TelegramPollTimeout},
			OnError: func(err error, c telebot.Context) {
				log.Warn("telegram handler failed", slog.Any("err", err))
			},
		})
		if err != nil {
			log.Error("telegram bot init failed", slog.Any("err", err))
			os.Exit(1)
		}
		notify.RegisterBotHandlers(bot)
		go bot.Start()
		deliverer = notify.NewTelegramDeliverer(bot, repo, deliverer)
		log.Info("telegram delivery enabled")
	}

	notifier := notify.NewCronNotifier(deliverer, log)
	notifier.Start()

	svc := medicines.NewService(repo, repo, notifier, medicines.Options{
		Capabilities:    domain.Capabilities{MonthlyRepeat: cfg.MonthlyRepeat},
		DefaultLocation: loc,
		Logger:          log,
	})

	runner := jobs.NewRunner(svc, log, jobs.Config{
		RefreshSpec: cfg.RefreshSpec,
		PruneSpec:   cfg.PruneSpec,
		Timeout:     cfg.JobTimeout,
	})
	if err := runner.Start(); err != nil {
		log.Error("jobs start failed", slog.Any("err", err))
		os.Exit(1)
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(defaultRequestTimeoutInterceptor(cfg.GRPCRequestTimeout)),
	)
	grpcTransport.RegisterMedicinesServiceServer(grpcServer, grpcTransport.NewMedicinesServer(svc, log))

	lis, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", cfg.GRPCAddr()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()

	log.Info("grpc server started", slog.String("grpc_addr", cfg.GRPCAddr()))

	failed := false
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdown(log, grpcServer, cfg.ShutdownTimeout)
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("grpc server stopped with error", slog.Any("err", err))
			failed = true
		}
	}

	if bot != nil {
		bot.Stop()
	}
	waitStopped(log, "jobs", runner.Stop(), cfg.ShutdownTimeout)
	waitStopped(log, "notifier", notifier.Stop(), cfg.ShutdownTimeout)

	if failed {
		_ = postgres.Close(db)
		os.Exit(1)
	}
}

func defaultRequestTimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}

func shutdown(log *slog.Logger, s *grpc.Server, timeout time.Duration) {
	log.Info("shutting down grpc server", slog.Duration("timeout", timeout))

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		log.Info("grpc server stopped")
	case <-timer.C:
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}

// waitStopped waits for running cron jobs to finish after Stop.
func waitStopped(log *slog.Logger, name string, done context.Context, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done.Done():
		log.Info(name + " stopped")
	case <-timer.C:
		log.Warn(name+" shutdown timed out", slog.Duration("timeout", timeout))
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
