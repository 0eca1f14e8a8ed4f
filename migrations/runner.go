package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type (
	// MigrationRunner is the set of commands the CLI dispatches to.
	MigrationRunner interface {
		// Up applies all pending migrations
		Up() error

		// Down rolls back the last migration
		Down() error

		// Status logs the current version, dirtiness and schema compatibility
		Status() error

		// Version logs the current version
		Version() error

		// Force marks version as applied and clean after a failed migration was fixed by hand
		Force(version int) error

		// Drop drops all tables (destructive operation)
		Drop() error

		// Close closes any open connections
		Close() error
	}

	// Runner implements MigrationRunner using golang-migrate over the embedded catalog.
	Runner struct {
		migrate *migrate.Migrate
		db      *sql.DB
		catalog *Catalog
		logger  *slog.Logger
	}

	// migrateLogger adapts migrate.Logger to slog.
	migrateLogger struct {
		logger *slog.Logger
	}
)

var _ migrate.Logger = (*migrateLogger)(nil)

// NewMigrationRunner validates the embedded catalog, connects, and prepares golang-migrate.
func NewMigrationRunner(cfg *Config, logger *slog.Logger) (*Runner, error) {
	logger.Info("Initializing migration runner", slog.Any("config", cfg))

	catalog := NewCatalog(nil)
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: cfg.MigrationTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(catalog.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: logger}

	logger.Info("Migration runner initialized", slog.Int("embedded_version", catalog.MaxVersion()))

	return &Runner{
		migrate: m,
		db:      db,
		catalog: catalog,
		logger:  logger,
	}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	if err := r.catalog.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No new migrations to apply")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}

	r.logger.Info("All migrations applied")

	return nil
}

// Down rolls back the last migration.
func (r *Runner) Down() error {
	if err := r.catalog.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) || errors.Is(err, fs.ErrNotExist) {
		r.logger.Info("No migrations to roll back")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}

	r.logger.Info("Last migration rolled back")

	return nil
}

// State returns the applied version and whether the last migration left it dirty.
// Version 0 means nothing has been applied.
func (r *Runner) State() (int, bool, error) {
	ver, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}

	return int(ver), dirty, nil // #nosec G115 - migration sequences are three digits
}

// Status logs the applied version against what this binary embeds.
func (r *Runner) Status() error {
	current, dirty, err := r.State()
	if err != nil {
		return err
	}

	embedded := r.catalog.MaxVersion()

	attrs := []any{
		slog.Int("database_version", current),
		slog.Int("embedded_version", embedded),
		slog.Bool("dirty", dirty),
	}

	switch {
	case dirty:
		r.logger.Warn("Migration state is dirty, fix the schema and run force", attrs...)
	case current == embedded:
		r.logger.Info("Schema up to date", attrs...)
	case current < embedded:
		r.logger.Info("Migrations pending", append(attrs, slog.Int("pending", embedded-current))...)
	default:
		r.logger.Warn("Database schema is newer than this migrator", attrs...)
	}

	return nil
}

// Version logs the applied version.
func (r *Runner) Version() error {
	current, dirty, err := r.State()
	if err != nil {
		return err
	}

	r.logger.Info("Current version", slog.Int("version", current), slog.Bool("dirty", dirty))

	return nil
}

// Force sets the recorded version without running any migration.
func (r *Runner) Force(version int) error {
	if version < 0 || version > r.catalog.MaxVersion() {
		return fmt.Errorf("force version %d outside 0..%d", version, r.catalog.MaxVersion())
	}

	if version == 0 {
		version = -1 // golang-migrate's NilVersion
	}

	if err := r.migrate.Force(version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}

	r.logger.Warn("Migration version forced", slog.Int("version", max(version, 0)))

	return nil
}

// Drop drops all tables.
func (r *Runner) Drop() error {
	if err := r.catalog.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	r.logger.Warn("Dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	return nil
}

// Close closes the migrate instance and the database connection.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = append(errs, fmt.Errorf("database connection close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return l.logger.Enabled(context.Background(), slog.LevelDebug)
}
