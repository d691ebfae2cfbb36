package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/pixelforge/thumbnailer/internal/api/handlers/image"
	"github.com/pixelforge/thumbnailer/internal/api/router"
	"github.com/pixelforge/thumbnailer/internal/api/server"
	"github.com/pixelforge/thumbnailer/internal/config"
	"github.com/pixelforge/thumbnailer/internal/queue"
	"github.com/pixelforge/thumbnailer/internal/queue/kafkaqueue"
	"github.com/pixelforge/thumbnailer/internal/queue/memqueue"
	"github.com/pixelforge/thumbnailer/internal/queue/pgqueue"
	imagerepo "github.com/pixelforge/thumbnailer/internal/repository/image"
	thumbrepo "github.com/pixelforge/thumbnailer/internal/repository/thumbnail"
	imagesvc "github.com/pixelforge/thumbnailer/internal/service/image"
	"github.com/pixelforge/thumbnailer/internal/storage/file"
	"github.com/pixelforge/thumbnailer/internal/storage/local"
	"github.com/pixelforge/thumbnailer/migrations"
)

// fileStorage is the storage surface shared by all backends.
type fileStorage interface {
	Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error)
	Load(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad("./config/config.yml")
	sizes := cfg.Thumbnails.MustParseSizes()

	// Connect to PostgreSQL (master and slaves).
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	// Apply schema migrations.
	if err := migrations.Up(db.Master); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to apply migrations")
	}

	// Initialize file storage.
	var storage fileStorage
	switch cfg.Storage.Backend {
	case "minio":
		storage, err = file.NewStorage(
			ctx,
			cfg.Storage.Minio.Endpoint,
			cfg.Storage.Minio.AccessKey,
			cfg.Storage.Minio.SecretKey,
			cfg.Storage.Minio.BucketName,
			cfg.Storage.Minio.UseSSL,
		)
	case "local":
		storage, err = local.NewStorage(cfg.Storage.Local.BaseDir)
	default:
		zlog.Logger.Fatal().Str("backend", cfg.Storage.Backend).Msg("unknown storage backend")
	}
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
	}

	// Retry strategy for Kafka and other external calls.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	// Initialize the task queue backend.
	var q queue.Queue
	switch cfg.Queue.Backend {
	case "postgres":
		q = pgqueue.New(db, cfg.Queue.RedeliveryDeadline)
	case "kafka":
		q = kafkaqueue.New(&cfg.Queue.Kafka, strategy)
	case "memory":
		q = memqueue.New(cfg.Queue.RedeliveryDeadline)
	default:
		zlog.Logger.Fatal().Str("backend", cfg.Queue.Backend).Msg("unknown queue backend")
	}

	// Initialize repositories, service, and the HTTP handler.
	images := imagerepo.NewRepository(db)
	thumbnails := thumbrepo.NewRepository(db)
	service := imagesvc.NewService(storage, q, images, thumbnails)
	handler := image.NewHandler(service, cfg.Upload, sizes, db.Master)

	r := router.Setup(handler)
	s := server.New(cfg.Server.HTTPPort, r)
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	zlog.Logger.Info().Str("addr", cfg.Server.HTTPPort).Msg("api started")

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

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

	// Close the queue client.
	if err := q.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close queue")
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
}
