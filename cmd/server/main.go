package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"uploadfinalizer/internal/auth"
	"uploadfinalizer/internal/blobstore"
	"uploadfinalizer/internal/config"
	"uploadfinalizer/internal/database"
	"uploadfinalizer/internal/httpapi"
	"uploadfinalizer/internal/imageproc"
	"uploadfinalizer/internal/kv"
	"uploadfinalizer/internal/logger"
	"uploadfinalizer/internal/observability"
	"uploadfinalizer/internal/ports"
	"uploadfinalizer/internal/retry"
	"uploadfinalizer/internal/uploads"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger.Init("uploadfinalizer", cfg.Env, logger.ParseLevelFromEnv())
	log := logger.L()

	shutdownOTel, err := observability.InitOTel(context.Background(), "uploadfinalizer-api")
	if err != nil {
		log.Warn("failed to initialize OpenTelemetry", "error", err)
	} else {
		defer func() {
			if err := shutdownOTel(context.Background()); err != nil {
				log.Warn("error shutting down OpenTelemetry", "error", err)
			}
		}()
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		panic(err)
	}
	defer db.Close()
	log.Info("connected to PostgreSQL")

	auth.InitClerk()

	blobStore, err := blobstore.NewStore(blobstore.S3Config{
		AccountID:       cfg.S3AccountID,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		PublicURL:       cfg.S3PublicURL,
	})
	if err != nil {
		log.Error("failed to initialize object storage", "error", err)
		panic(err)
	}

	metadataBackend := kv.NewPostgresStore[uploads.UploadRecord](db, "upload_metadata")
	jobBackend := kv.NewPostgresStore[uploads.FinalizeJob](db, "finalize_jobs")
	jobIndexBackend := kv.NewPostgresStore[uploads.JobIndex](db, "finalize_job_index")

	metadataStore := uploads.NewUploadMetadataStore(metadataBackend, cfg.MetadataKeyPrefix)
	jobStore := uploads.NewJobStore(jobBackend, jobIndexBackend, cfg.JobKeyPrefix)
	objectStore := uploads.NewUploadObjectStore(blobStore, cfg.S3Bucket, cfg.StagingKeyPrefix, cfg.FinalKeyPrefix)
	processor := imageproc.NewProcessor()
	clock := ports.RealClock{}

	orchestrator := uploads.NewUploadOrchestrator(metadataStore, jobStore, objectStore, processor, clock, cfg.PresignExpirySeconds)

	workerCfg := uploads.WorkerConfig{
		Concurrency:    cfg.WorkerConcurrency,
		CapacityPollMs: cfg.CapacityPollMs,
		DrainPollMs:    cfg.DrainPollMs,
		LeaseDuration:  cfg.LeaseDuration(),
		IdleBackoff: retry.ExponentialPolicy{
			Base: time.Duration(cfg.IdleBackoffBaseMs) * time.Millisecond,
			Min:  time.Duration(cfg.IdleBackoffBaseMs) * time.Millisecond,
			Max:  time.Duration(cfg.IdleBackoffMaxMs) * time.Millisecond,
		},
		JobRetryDelay: retry.ExponentialPolicy{
			Base: time.Duration(cfg.JobRetryBaseDelayMs) * time.Millisecond,
			Min:  time.Duration(cfg.JobRetryBaseDelayMs) * time.Millisecond,
			Max:  time.Duration(cfg.JobRetryMaxDelayMs) * time.Millisecond,
		},
		MaxJobAttempts:     cfg.MaxJobAttempts,
		IORetryMaxAttempts: cfg.IORetryMaxAttempts,
		IORetryDelay: retry.ExponentialPolicy{
			Base: time.Duration(cfg.IORetryBaseDelayMs) * time.Millisecond,
			Min:  time.Duration(cfg.IORetryBaseDelayMs) * time.Millisecond,
			Max:  time.Duration(cfg.IORetryBaseDelayMs*10) * time.Millisecond,
		},
		IORetryMaxElapsed: cfg.IORetryMaxElapsed(),
	}
	worker := uploads.NewUploadFinalizationWorker(orchestrator, jobStore, clock, workerCfg, log)
	worker.Start()

	handlers := httpapi.NewHandlers(orchestrator, jobStore, worker, clock, db)
	router := httpapi.NewRouter(handlers)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("failed to start server", "error", err)
			panic(err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	worker.Stop(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server exited")
}
