package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mediagate/internal/observability"
	"mediagate/internal/server/api"
	"mediagate/internal/server/config"
	"mediagate/internal/server/database"
	"mediagate/internal/server/dispatcher"
	"mediagate/internal/server/events"
	"mediagate/internal/server/history"
	"mediagate/internal/server/ledger"
	"mediagate/internal/server/policy"
	"mediagate/internal/server/service"
	"mediagate/internal/server/settings"
	"mediagate/internal/server/storage"
	"mediagate/internal/server/transcoder"
	"mediagate/internal/server/users"
)

const eventBufferSize = 1000

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg := config.Load()
	if err := cfg.ApplyPolicyFile(); err != nil {
		fatal("failed to load policy file", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid configuration", err)
	}
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"store_driver", cfg.StoreDriver,
		"storage_driver", cfg.StorageDriver,
		"max_file_size_free", cfg.MaxFileSizeFree,
		"max_file_size_premium", cfg.MaxFileSizePremium,
		"free_cooldown", cfg.FreeCooldown,
		"max_concurrent_jobs", cfg.MaxConcurrentJobs,
		"worker_pool_size", cfg.WorkerPoolSize,
	)

	shutdownTracing, err := observability.InitTracing("mediagate", cfg.OTelExporter, cfg.OTelEndpoint)
	if err != nil {
		fatal("failed to initialize tracing", err)
	}

	ctx := context.Background()
	db, err := openStore(ctx, cfg)
	if err != nil {
		fatal("failed to open job store", err)
	}
	defer db.Close()
	slog.Info("job store ready", "driver", cfg.StoreDriver)

	files, err := openFiles(ctx, cfg)
	if err != nil {
		fatal("failed to initialize storage", err)
	}
	slog.Info("file storage initialized", "driver", cfg.StorageDriver)

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		fatal("failed to create temp dir", err)
	}

	limits := policy.LimitsFromConfig(cfg)
	prefs := settings.NewStore(db)
	directory := users.NewDirectory(db, prefs, cfg.PremiumUserIDs, limits)
	recorder := history.NewRecorder(db)
	jobs := ledger.New(db, recorder)
	evaluator := policy.NewEvaluator(jobs, directory, limits)
	bus := events.NewBus(eventBufferSize)

	// Jobs from a previous process can never finish; fail them before
	// accepting new work so they stop counting toward the ceiling.
	if _, err := jobs.Recover(ctx); err != nil {
		fatal("failed to recover interrupted jobs", err)
	}

	exec := transcoder.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath, files, cfg.TempDir)
	disp := dispatcher.New(evaluator, jobs, prefs, exec, dispatcher.Options{
		PoolSize: cfg.WorkerPoolSize,
		Timeout:  cfg.ProcessingTimeout,
		Observer: bus,
	})

	svc := service.NewJobService(service.Deps{
		Users:      directory,
		Settings:   prefs,
		History:    recorder,
		Ledger:     jobs,
		Evaluator:  evaluator,
		Dispatcher: disp,
		Events:     bus,
		Files:      files,
		DB:         db,
	}, cfg)

	// Start cleanup service
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	cleanup := storage.NewCleanupService(files, cfg.Retention, cfg.CleanupInterval)
	cleanup.Start(cleanupCtx)

	// Setup HTTP router
	handler := api.NewHandler(svc)
	e, limiter := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, then give running jobs the rest of the window
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := disp.Shutdown(shutdownCtx); err != nil {
		slog.Warn("jobs cancelled at shutdown", "error", err)
	}
	limiter.Stop()

	// Stop cleanup service
	cleanupCancel()
	cleanup.Wait()

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}

	slog.Info("server exited cleanly")
}

func openStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		slog.Warn("using in-memory job store; state is lost on restart")
		return database.NewMemoryStore(), nil
	case "sqlite":
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, err
		}
		slog.Info("database migrations complete")
		return database.NewPostgresStore(db), nil
	}
}

func openFiles(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	var files storage.Store
	switch cfg.StorageDriver {
	case "minio":
		m, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			CacheDir:  filepath.Join(cfg.TempDir, "cache"),
		})
		if err != nil {
			return nil, err
		}
		files = m
	default:
		files = storage.NewFileSystemStore(cfg.StoragePath)
	}
	if err := files.EnsureDir(ctx); err != nil {
		return nil, err
	}
	return files, nil
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
