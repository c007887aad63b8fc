package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/penbosso/IntLearn-sub000/cmd/intlearn/cli"
	"github.com/penbosso/IntLearn-sub000/internal/app"
	jobmetrics "github.com/penbosso/IntLearn-sub000/internal/jobs"
	"github.com/penbosso/IntLearn-sub000/internal/ledger"
	"github.com/penbosso/IntLearn-sub000/internal/platform/cache"
	"github.com/penbosso/IntLearn-sub000/internal/shared"
	"github.com/penbosso/IntLearn-sub000/jobs"
)

func main() {
	trigger := flag.String("trigger", "", "enqueue the named job (ledger:integrity, ledger:close_settled, idempotency:cleanup) and exit")
	stats := flag.Bool("stats", false, "print default queue statistics and exit")
	flag.Parse()

	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	if cfg.RedisAddr == "" {
		logger.Error("worker requires REDIS_ADDR")
		os.Exit(1)
	}

	if *trigger != "" || *stats {
		if err := runCLI(ctx, cfg.RedisAddr, *trigger, *stats); err != nil {
			logger.Error("jobs cli", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	if cfg.StoreBackend == app.StoreMemory {
		logger.Warn("worker is using a private in-memory store; jobs will not see server data")
	}
	metrics := jobmetrics.NewMetrics(nil)
	store, closeStore, err := app.OpenStore(ctx, app.StoreParams{Config: cfg, Logger: logger, Redis: redisClient})
	if err != nil {
		logger.Error("open document store", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	ledgerService := ledger.NewService(ledger.NewRepository(store), shared.NewAuditLogger(store))
	ledgerService.WithLogger(logger)
	ledgerService.WithCache(cache.NewVersioned(redisClient, "ledger:liquidity", cfg.LiquidityCacheTTL))

	integrity := jobs.NewLedgerIntegrityJob(ledgerService, logger, metrics)
	closeSettled := jobs.NewCloseSettledJob(ledgerService, logger, metrics)
	cleanup := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(store), logger, metrics)

	schedule, err := jobs.DefaultSchedule(cfg.IntegrityConcurrency)
	if err != nil {
		logger.Error("build schedule", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.JobConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerIntegrity, Handler: integrity.Handle},
			{Type: jobs.TaskLedgerCloseSettled, Handler: closeSettled.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanup.Handle},
		},
		Cron: schedule,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.Int("concurrency", cfg.JobConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func runCLI(ctx context.Context, redisAddr, trigger string, stats bool) error {
	c, err := cli.NewJobsCLI(redisAddr)
	if err != nil {
		return err
	}
	defer c.Close()

	if trigger != "" {
		info, err := c.Trigger(ctx, trigger)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	}
	if stats {
		s, err := c.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry)
	}
	return nil
}
