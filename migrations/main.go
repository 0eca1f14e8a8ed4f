// Package main provides the database migration CLI for the nytloader document store.
//
// Migrations are embedded in the binary and applied with golang-migrate, supporting
// up/down/status/version/force/drop commands.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Build-time version information, set with -ldflags.
var (
	Version   = "1.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	name      = "migrator"
)

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
		assumeYes   = flag.Bool("yes", false, "Do not ask for confirmation before drop")
	)

	flag.Parse()

	if *showVersion {
		printVersionInfo(os.Stdout)
		os.Exit(0)
	}

	if *showHelp || flag.NArg() == 0 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	runner, err := NewMigrationRunner(cfg, logger)
	if err != nil {
		logger.Error("Failed to create migration runner", slog.String("error", err.Error()))
		os.Exit(1)
	}

	confirm := func() bool {
		return *assumeYes || askConfirmation(os.Stdin, os.Stdout)
	}

	err = executeCommand(flag.Args(), runner, confirm)

	_ = runner.Close()

	if err != nil {
		logger.Error("Migration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// executeCommand dispatches args[0] to runner. confirm gates destructive commands.
func executeCommand(args []string, runner MigrationRunner, confirm func() bool) error {
	if len(args) == 0 {
		return fmt.Errorf("no command given")
	}

	switch args[0] {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "force":
		if len(args) != 2 {
			return fmt.Errorf("force requires exactly one version argument")
		}

		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid force version %q: %w", args[1], err)
		}

		return runner.Force(version)
	case "drop":
		if !confirm() {
			return nil
		}

		return runner.Drop()
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func askConfirmation(in io.Reader, out io.Writer) bool {
	_, _ = fmt.Fprint(out, "WARNING: This will drop all tables. Are you sure? (y/N): ")

	response, _ := bufio.NewReader(in).ReadString('\n')

	switch strings.ToLower(strings.TrimSpace(response)) {
	case "y", "yes":
		return true
	default:
		_, _ = fmt.Fprintln(out, "Operation cancelled.")

		return false
	}
}

func printVersionInfo(out io.Writer) {
	_, _ = fmt.Fprintf(out, "%s v%s\n", name, Version)
	_, _ = fmt.Fprintf(out, "Git Commit: %s\n", GitCommit)
	_, _ = fmt.Fprintf(out, "Build Time: %s\n", BuildTime)
	_, _ = fmt.Fprintf(out, "Embedded schema: v%03d\n", NewCatalog(nil).MaxVersion())
}

func printUsage(out io.Writer) {
	_, _ = fmt.Fprintf(out, `%s v%s - database migrations for the nytloader document store

USAGE:
    %s [OPTIONS] COMMAND [ARG]

COMMANDS:
    up              Apply all pending migrations
    down            Roll back the last migration
    status          Show applied and embedded schema versions
    version         Show the applied migration version
    force VERSION   Record VERSION as applied and clean (after a manual fix)
    drop            Drop all tables (asks for confirmation)

OPTIONS:
    -help      Show this help message
    -version   Show version information
    -yes       Skip the drop confirmation

ENVIRONMENT VARIABLES:
    DATABASE_URL     PostgreSQL connection string (REQUIRED)
    MIGRATION_TABLE  Migration tracking table (default: schema_migrations)
    LOG_LEVEL        debug, info, warn or error (default: info)
`, name, Version, name)
}
