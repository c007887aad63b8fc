package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/penbosso/IntLearn-sub000/internal/app"
	"github.com/penbosso/IntLearn-sub000/internal/audit"
	audithttp "github.com/penbosso/IntLearn-sub000/internal/audit/http"
	"github.com/penbosso/IntLearn-sub000/internal/auth"
	"github.com/penbosso/IntLearn-sub000/internal/events"
	"github.com/penbosso/IntLearn-sub000/internal/gamification"
	"github.com/penbosso/IntLearn-sub000/internal/ledger"
	"github.com/penbosso/IntLearn-sub000/internal/observability"
	"github.com/penbosso/IntLearn-sub000/internal/platform/cache"
	"github.com/penbosso/IntLearn-sub000/internal/shared"
	"github.com/penbosso/IntLearn-sub000/internal/study"
	"github.com/penbosso/IntLearn-sub000/internal/users"
	"github.com/penbosso/IntLearn-sub000/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
	metrics := observability.NewMetrics()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable; running without cache and shared feed", slog.Any("error", err))
			redisClient = nil
		} else {
			defer func() {
				if err := redisClient.Close(); err != nil {
					logger.Warn("redis close", slog.Any("error", err))
				}
			}()
		}
	}

	store, closeStore, err := app.OpenStore(ctx, app.StoreParams{
		Config:     cfg,
		Logger:     logger,
		Redis:      redisClient,
		OnConflict: metrics.ObserveConflict,
	})
	if err != nil {
		logger.Error("open document store", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	var publisher ledger.EventPublisher = events.NopPublisher{Logger: logger}
	if cfg.AMQPURL != "" {
		producer, err := events.Dial(cfg.AMQPURL, logger)
		if err != nil {
			logger.Warn("amqp unavailable; ledger events disabled", slog.Any("error", err))
		} else {
			publisher = producer
			defer func() {
				if err := producer.Close(); err != nil {
					logger.Warn("amqp close", slog.Any("error", err))
				}
			}()
		}
	}

	ledgerService := ledger.NewService(ledger.NewRepository(store), shared.NewAuditLogger(store))
	ledgerService.WithLogger(logger)
	ledgerService.WithEvents(publisher)
	ledgerService.WithMetrics(metrics)
	if redisClient != nil {
		liquidity := cache.NewVersioned(redisClient, "ledger:liquidity", cfg.LiquidityCacheTTL)
		if err := liquidity.ListenForInvalidation(ctx); err != nil {
			logger.Warn("liquidity cache invalidation listener", slog.Any("error", err))
		}
		ledgerService.WithCache(liquidity)
	}

	var jobHandler *jobs.Handler
	if redisClient != nil {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	} else {
		jobHandler = jobs.NewHandler(nil, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		Verifier:            auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		LedgerHandler:       ledger.NewHandler(logger, ledgerService, shared.NewIdempotencyStore(store)),
		GamificationHandler: gamification.NewHandler(logger, gamification.NewService(store, logger)),
		StudyHandler:        study.NewHandler(logger, study.NewService(store, logger)),
		UsersHandler:        users.NewHandler(logger, users.NewService(store, logger)),
		AuditHandler:        audithttp.NewHandler(logger, audit.NewService(store)),
		JobHandler:          jobHandler,
		Metrics:             metrics,
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("store", cfg.StoreBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
