package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ilkin0/resumable/internal/api/routes"
	"github.com/ilkin0/resumable/internal/cache"
	"github.com/ilkin0/resumable/internal/config"
	"github.com/ilkin0/resumable/internal/database"
	"github.com/ilkin0/resumable/internal/logger"
	custommiddleware "github.com/ilkin0/resumable/internal/middleware"
	"github.com/ilkin0/resumable/internal/repository"
	"github.com/ilkin0/resumable/internal/scheduler"
	"github.com/ilkin0/resumable/internal/service"
	"github.com/ilkin0/resumable/internal/storage"
	"github.com/ilkin0/resumable/internal/tracing"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(logger.New(cfg.Env, cfg.LogLevel))

	slog.Info("starting resumable upload service",
		slog.String("env", cfg.Env),
		slog.String("record_store", cfg.RecordStore),
		slog.String("blob_backend", cfg.BlobBackend),
	)

	shutdownTracer, err := tracing.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slog.Error("failed to shut down tracer", slog.String("error", err.Error()))
		}
	}()

	store, closeStore, err := newUploadStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	var statusCache service.StatusCache
	if cfg.Redis.Addr != "" {
		redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to initialize redis: %w", err)
		}
		defer redisClient.Close()
		statusCache = cache.NewStatusCache(redisClient, cfg.Redis.TTL)
		slog.Info("status cache enabled", slog.String("addr", cfg.Redis.Addr))
	}

	layout := storage.NewLayout(cfg.StagingPrefix, cfg.PermanentPrefix)

	uploadService := service.NewUploadService(store, blobs, service.Options{
		Layout:        layout,
		MaxChunkSize:  cfg.MaxChunkSize,
		MaxUploadSize: cfg.MaxUploadSize,
		Cache:         statusCache,
	})
	cleanupService := service.NewCleanupService(store, blobs, service.CleanupOptions{
		Layout:        layout,
		PendingTTL:    cfg.PendingTTL,
		ProcessingTTL: cfg.ProcessingTTL,
		Cache:         statusCache,
	})

	sched := scheduler.New(cleanupService, cfg.CleanupInterval)
	sched.Start(ctx)

	r := chi.NewRouter()

	r.Use(custommiddleware.CORS(cfg.AllowedOrigins))
	r.Use(logger.RequestID)
	r.Use(logger.RequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api/v1/uploads", routes.UploadRoutes(uploadService, custommiddleware.NewRateLimits(cfg.RateLimit)))

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           otelhttp.NewHandler(r, "http.server"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server starting",
			slog.String("port", cfg.ServerPort),
			slog.String("address", fmt.Sprintf("http://localhost:%s", cfg.ServerPort)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed on port %s: %w", cfg.ServerPort, err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	<-sched.Done()
	slog.Info("server stopped")
	return nil
}

func newUploadStore(ctx context.Context, cfg *config.Config) (service.UploadStore, func(), error) {
	if cfg.RecordStore == config.RecordStoreMemory {
		slog.Warn("using in-memory record store, uploads do not survive a restart")
		return repository.NewMemoryStore(), func() {}, nil
	}

	db, err := database.NewDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Pool.Close()
		return nil, nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	slog.Info("database initialized successfully")

	return database.NewUploadStore(db), db.Pool.Close, nil
}

func newBlobStore(ctx context.Context, cfg *config.Config) (storage.BlobStore, error) {
	switch cfg.BlobBackend {
	case config.BlobBackendDisk:
		store, err := storage.NewDiskStore(cfg.DiskRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize disk storage: %w", err)
		}
		slog.Info("disk storage initialized", slog.String("root", cfg.DiskRoot))
		return store, nil
	case config.BlobBackendMemory:
		slog.Warn("using in-memory blob store, staged chunks do not survive a restart")
		return storage.NewMemoryStore(), nil
	default:
		minioClient, err := storage.NewMinIOClient(ctx, cfg.MinIO)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize MinIO: %w", err)
		}
		slog.Info("minio client initialized successfully",
			slog.String("bucket", minioClient.BucketName),
		)
		return storage.NewMinIOStore(minioClient.Client, minioClient.BucketName), nil
	}
}
