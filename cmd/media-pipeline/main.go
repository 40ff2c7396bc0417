package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	mediahandler "github.com/aliskhannn/media-pipeline/internal/api/handlers/media"
	uploadhandler "github.com/aliskhannn/media-pipeline/internal/api/handlers/upload"
	"github.com/aliskhannn/media-pipeline/internal/api/router"
	"github.com/aliskhannn/media-pipeline/internal/api/server"
	"github.com/aliskhannn/media-pipeline/internal/cache"
	"github.com/aliskhannn/media-pipeline/internal/cdn"
	"github.com/aliskhannn/media-pipeline/internal/config"
	"github.com/aliskhannn/media-pipeline/internal/infra/kafka/consumer"
	"github.com/aliskhannn/media-pipeline/internal/infra/kafka/producer"
	filemsg "github.com/aliskhannn/media-pipeline/internal/kafka/handlers/file"
	"github.com/aliskhannn/media-pipeline/internal/queue"
	filerepo "github.com/aliskhannn/media-pipeline/internal/repository/file"
	sessionrepo "github.com/aliskhannn/media-pipeline/internal/repository/session"
	"github.com/aliskhannn/media-pipeline/internal/service/process"
	uploadsvc "github.com/aliskhannn/media-pipeline/internal/service/upload"
	"github.com/aliskhannn/media-pipeline/internal/storage/s3"
	"github.com/aliskhannn/media-pipeline/internal/transform"
)

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad("./config/config.yml")

	// Connect to PostgreSQL (master and slaves).
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	// Collect slave DSNs for replica connections.
	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	// Retry strategy for Kafka and other external calls.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	// Blob storage (MinIO) with both buckets bootstrapped.
	blobs, err := s3.New(ctx,
		cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.UseSSL,
		cfg.Storage.PublicBucket, cfg.Storage.PrivateBucket,
	)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
	}

	// Redis cache for resolved URLs, metadata and negative markers.
	c, err := cache.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	signer := cdn.New(cfg.CDN.Domain, cfg.CDN.Secret)

	// Repositories, Kafka producer, transform engine.
	sessions := sessionrepo.NewRepository(db)
	files := filerepo.NewRepository(db)
	p := producer.New(&cfg.Kafka, strategy)
	engine := transform.NewEngine(
		cfg.Processing.DefaultQuality,
		cfg.Processing.MaxWidth,
		cfg.Processing.MaxHeight,
		cfg.Processing.FontPath,
	)

	// Job queue with the orchestrator's handlers registered.
	jobs := queue.New("media", queue.DefaultPolicy())
	orchestrator := process.NewOrchestrator(process.Config{
		MaxDownloadBytes: cfg.Processing.MaxDownloadBytes,
		ReconcileAge:     cfg.Processing.ReconcileAge,
	}, files, blobs, c, engine, signer, jobs)
	orchestrator.Register(jobs)
	jobs.Start(ctx, cfg.Worker.Concurrency)

	// Upload session manager.
	uploads := uploadsvc.NewService(uploadsvc.Config{
		PublicBucket:  cfg.Storage.PublicBucket,
		PrivateBucket: cfg.Storage.PrivateBucket,
		MaxChunkSize:  cfg.Upload.MaxChunkSize,
		MaxFileSize:   cfg.Upload.MaxFileSize,
		PresignTTL:    cfg.Upload.PresignTTL,
		SessionTTL:    cfg.Upload.SessionTTL,
	}, sessions, files, blobs, p, signer)

	// Kafka consumer feeding uploaded-file events into the job queue.
	uploadedHandler := filemsg.NewUploadedHandler(jobs)
	cons := consumer.New(&cfg.Kafka, strategy, uploadedHandler)

	var wg sync.WaitGroup
	wg.Add(1)
	go cons.Consume(ctx, &wg)

	// Maintenance loops: session expiry and pending-file reconciliation.
	go maintenance(ctx, cfg.Upload.CleanupEvery, "session cleanup", func(ctx context.Context) (int, error) {
		return uploads.CleanupExpired(ctx)
	})
	go maintenance(ctx, cfg.Processing.ReconcileEvery, "pending reconciliation", func(ctx context.Context) (int, error) {
		return orchestrator.ReconcilePending(ctx)
	})

	// HTTP server.
	uh := uploadhandler.NewHandler(uploads)
	mh := mediahandler.NewHandler(orchestrator, jobs)
	r := router.Setup(uh, mh)
	s := server.New(cfg.Server.HTTPPort, r)
	go func() {
		if err := s.ListenAndServe(); err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Wait for Kafka consumer goroutine to finish, then drain the queue.
	wg.Wait()
	jobs.Stop()

	// Graceful shutdown with timeout for HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	// Close master and slave databases.
	if err := db.Master.Close(); err != nil {
		zlog.Logger.Printf("failed to close master DB: %v", err)
	}
	for i, slave := range db.Slaves {
		if err := slave.Close(); err != nil {
			zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
		}
	}

	// Close Redis, Kafka producer and consumer clients.
	if err := c.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close redis client")
	}
	if err = p.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka producer client")
	}
	if err = cons.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka consumer client")
	}
}

// maintenance runs a sweep on a fixed interval until the context is canceled.
func maintenance(ctx context.Context, every time.Duration, name string, sweep func(context.Context) (int, error)) {
	if every <= 0 {
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sweep(ctx)
			if err != nil {
				zlog.Logger.Error().Err(err).Str("sweep", name).Msg("maintenance sweep failed")
				continue
			}
			if n > 0 {
				zlog.Logger.Info().Str("sweep", name).Int("affected", n).Msg("maintenance sweep done")
			}
		}
	}
}
