package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/khatwa/khatwa-backend/internal/config"
	"github.com/khatwa/khatwa-backend/internal/database"
	"github.com/khatwa/khatwa-backend/internal/handler"
	"github.com/khatwa/khatwa-backend/internal/logger"
	"github.com/khatwa/khatwa-backend/internal/monitoring"
	"github.com/khatwa/khatwa-backend/internal/objectstore"
	"github.com/khatwa/khatwa-backend/internal/repository"
	"github.com/khatwa/khatwa-backend/internal/router"
	"github.com/khatwa/khatwa-backend/internal/service"
	"github.com/khatwa/khatwa-backend/internal/validator"
	"github.com/khatwa/khatwa-backend/internal/worker"
	"github.com/rs/zerolog"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting Khatwa Backend")

	validator.Setup()
	monitoring.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Connect to MinIO ──────────────────────────────────────────────
	minioClient, err := database.NewMinioClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MinIO")
	}

	// ─── Initialize Repositories ───────────────────────────────────────
	userRepo := repository.NewUserRepository(pool)
	examRepo := repository.NewExamRepository(pool)
	sessionRepo := repository.NewExamSessionRepository(pool)
	storageRepo := repository.NewStorageRepository(pool)
	paperCache := repository.NewExamPaperCache(rdb, cfg.ExamPaperTTL)
	progressCache := repository.NewExamProgressCache(rdb)
	copyLocks := repository.NewRedisLocker(rdb)
	objects := objectstore.NewMinioStore(minioClient, cfg.MinioCourseBucket, cfg.MinioPersonalBucket)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, userRepo)
	examService := service.NewExamService(examRepo, paperCache, log)
	sessionService := service.NewExamSessionService(examService, sessionRepo, progressCache, service.ExamSessionOptions{
		TickInterval:     cfg.ExamTickInterval,
		FinishedStateTTL: cfg.FinishedStateTTL,
	}, log)
	storageService := service.NewStorageService(storageRepo, objects, copyLocks, service.StorageOptions{
		QuotaBytes:   cfg.StudentQuotaBytes,
		MinFreeBytes: cfg.MinCopyFreeBytes,
		LockTTL:      cfg.CopyLockTTL,
		MaxAttempts:  cfg.CopyMaxAttempts,
		RetryBase:    cfg.CopyRetryBase,
		PendingTTL:   cfg.PendingReservationTTL,
	}, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:        handler.NewAuthHandler(authService, log),
		ExamSession: handler.NewExamSessionHandler(sessionService, log),
		Storage:     handler.NewStorageHandler(storageService, cfg.MaxUploadBytes, log),
		WS:          handler.NewWSHandler(sessionService, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	answerWorker := worker.NewAnswerWorker(sessionRepo, rdb, log)
	submissionWorker := worker.NewSubmissionWorker(sessionRepo, rdb, log)
	reservationReaper := worker.NewReservationReaper(storageService, cfg.ReservationReapEvery, log)

	workers.Add(3)
	go func() {
		defer workers.Done()
		answerWorker.Start(workerCtx)
	}()
	go func() {
		defer workers.Done()
		submissionWorker.Start(workerCtx)
	}()
	go func() {
		defer workers.Done()
		reservationReaper.Start(workerCtx)
	}()

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all published papers before accepting traffic so the first
	// wave of session starts does not stampede the database.
	if err := examService.PrewarmAllCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg)

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout). Open exam streams
	// are hijacked connections and are closed with the process.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for the queues to drain.
	workerCancel()
	workers.Wait()

	log.Info().Int("live_sessions", sessionService.LiveSessions()).Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
