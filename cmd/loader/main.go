// Package main provides the NYT batch loader service.
//
// The loader claims raw NYT API batch files dropped by the fetch jobs, projects them
// into documents and upserts them into the document store. Each collection runs under
// its own lock; collections run concurrently.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/zenbu-io/nytloader/internal/collection"
	"github.com/zenbu-io/nytloader/internal/config"
	"github.com/zenbu-io/nytloader/internal/loader"
	"github.com/zenbu-io/nytloader/internal/lock"
	"github.com/zenbu-io/nytloader/internal/notify"
	"github.com/zenbu-io/nytloader/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "nytloader"
)

// Process exit codes.
const (
	exitOK       = 0
	exitFatal    = 1
	exitFailures = 3
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	onceFlag := flag.Bool("once", false, "run a single pass even when LOADER_WAITING_FOR is set")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(exitOK)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, *onceFlag)

	stop()
	os.Exit(code)
}

func run(ctx context.Context, once bool) int {
	logLevel := config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)
	logger := newLogger(os.Stdout, logLevel)

	registry, err := collection.LoadRegistryFromEnv()
	if err != nil {
		logger.Error("Failed to load collection registry", slog.String("error", err.Error()))

		return exitFatal
	}

	if registry.LogsDir != "" {
		logFile, err := openLogFile(registry.LogsDir)
		if err != nil {
			logger.Error("Failed to open log file", slog.String("error", err.Error()))

			return exitFatal
		}

		defer func() {
			_ = logFile.Close()
		}()

		logger = newLogger(io.MultiWriter(os.Stdout, logFile), logLevel)
	}

	logger.Info("Starting loader",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("data_dir", registry.DataDir),
	)

	specs, err := registry.Select(config.GetEnvList("LOADER_COLLECTIONS"))
	if err != nil {
		logger.Error("Failed to select collections", slog.String("error", err.Error()))

		return exitFatal
	}

	loaderConfig := loader.LoadConfig()
	if err := loaderConfig.Validate(); err != nil {
		logger.Error("Invalid loader configuration", slog.String("error", err.Error()))

		return exitFatal
	}

	logger.Info("Loaded loader configuration",
		slog.Int("write_batch_size", loaderConfig.BatchSize),
		slog.Float64("write_rps", loaderConfig.WriteRPS),
		slog.Duration("lock_stale_after", loaderConfig.LockStaleAfter),
		slog.Duration("waiting_for", loaderConfig.WaitingFor),
	)

	store, err := openStore(ctx, storage.LoadConfig(), logger)
	if err != nil {
		logger.Error("Failed to open document store", slog.String("error", err.Error()))

		return exitFatal
	}

	defer func() {
		_ = store.Close()
	}()

	notifyConfig := notify.LoadConfig()
	if err := notifyConfig.Validate(); err != nil {
		logger.Error("Invalid notification configuration", slog.String("error", err.Error()))

		return exitFatal
	}

	publisher, err := notify.New(notifyConfig, logger)
	if err != nil {
		logger.Error("Failed to create outcome publisher", slog.String("error", err.Error()))

		return exitFatal
	}

	defer func() {
		_ = publisher.Close()
	}()

	locks, err := lock.NewManager(registry.LockDir,
		lock.WithStaleAfter(loaderConfig.LockStaleAfter),
		lock.WithLogger(logger),
	)
	if err != nil {
		logger.Error("Failed to create lock manager", slog.String("error", err.Error()))

		return exitFatal
	}

	writer := loader.NewWriter(store,
		loader.WithBatchSize(loaderConfig.BatchSize),
		loader.WithRateLimit(loaderConfig.WriteRPS),
		loader.WithWriterLogger(logger),
	)

	pipeline, err := loader.NewPipeline(locks, store,
		loader.WithWriter(writer),
		loader.WithPublisher(publisher),
		loader.WithLogger(logger),
	)
	if err != nil {
		logger.Error("Failed to create pipeline", slog.String("error", err.Error()))

		return exitFatal
	}

	code := exitOK

	for {
		summaries, err := pipeline.RunAll(ctx, specs)
		code = max(code, exitCode(summaries, err))

		if err != nil {
			logger.Error("Loader pass failed", slog.String("error", err.Error()))
		}

		if once || !loaderConfig.Loop() || ctx.Err() != nil {
			break
		}

		if !sleep(ctx, loaderConfig.WaitingFor) {
			break
		}
	}

	logger.Info("Loader stopped", slog.Int("exit_code", code))

	return code
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}

	path := filepath.Join(dir, name+".log")

	//nolint:gosec // path is built from operator configuration
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
}

// openStore connects the backend selected by cfg.Backend.
func openStore(ctx context.Context, cfg *storage.Config, logger *slog.Logger) (loader.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case storage.BackendPostgres:
		conn, err := storage.NewConnection(cfg)
		if err != nil {
			return nil, err
		}

		store, err := storage.NewPostgresStore(conn, logger)
		if err != nil {
			return nil, errors.Join(err, conn.Close())
		}

		logger.Info("Document store initialized",
			slog.String("backend", cfg.Backend),
			slog.String("database_url", cfg.MaskDatabaseURL()),
			slog.Int("database_max_open_conns", cfg.MaxOpenConns),
			slog.Int("database_max_idle_conns", cfg.MaxIdleConns),
			slog.Duration("database_conn_max_lifetime", cfg.ConnMaxLifetime),
			slog.Duration("database_conn_max_idle_time", cfg.ConnMaxIdleTime),
		)

		return store, nil
	case storage.BackendMongo:
		store, err := storage.NewMongoStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}

		logger.Info("Document store initialized",
			slog.String("backend", cfg.Backend),
			slog.String("mongo_url", cfg.MaskMongoURL()),
			slog.String("mongo_database", cfg.MongoDatabase),
		)

		return store, nil
	case storage.BackendMemory:
		logger.Warn("Using in-memory document store, nothing is persisted",
			slog.String("backend", cfg.Backend),
		)

		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownBackend, cfg.Backend)
	}
}

// exitCode maps one pass to a process exit code.
func exitCode(summaries []*loader.Summary, err error) int {
	if err != nil {
		return exitFatal
	}

	for _, s := range summaries {
		if s != nil && s.HasFailures() {
			return exitFailures
		}
	}

	return exitOK
}

// sleep waits for d and reports false if ctx was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
