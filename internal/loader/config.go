package loader

import (
	"errors"
	"fmt"
	"time"

	"github.com/zenbu-io/nytloader/internal/config"
)

const (
	defaultBatchSize      = 500
	defaultLockStaleAfter = 30 * time.Minute
)

// ErrInvalidConfig is returned when loader settings are out of range.
var ErrInvalidConfig = errors.New("invalid loader configuration")

// Config holds the run-time knobs of the pipeline.
type Config struct {
	BatchSize      int           // Records per store upsert call
	WriteRPS       float64       // Records per second across a writer, 0 disables throttling
	LockStaleAfter time.Duration // Age after which an untouched lock is broken
	WaitingFor     time.Duration // Pause between passes in loop mode, 0 runs a single pass
}

// LoadConfig loads loader configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		BatchSize:      config.GetEnvInt("WRITE_BATCH_SIZE", defaultBatchSize),
		WriteRPS:       config.GetEnvFloat("WRITE_RPS", 0),
		LockStaleAfter: config.GetEnvDuration("LOCK_STALE_AFTER", defaultLockStaleAfter),
		WaitingFor:     config.GetEnvDuration("LOADER_WAITING_FOR", 0),
	}
}

// Validate checks the configuration ranges.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: WRITE_BATCH_SIZE must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	}

	if c.WriteRPS < 0 {
		return fmt.Errorf("%w: WRITE_RPS cannot be negative, got %g", ErrInvalidConfig, c.WriteRPS)
	}

	if c.LockStaleAfter <= 0 {
		return fmt.Errorf("%w: LOCK_STALE_AFTER must be positive, got %s", ErrInvalidConfig, c.LockStaleAfter)
	}

	if c.WaitingFor < 0 {
		return fmt.Errorf("%w: LOADER_WAITING_FOR cannot be negative, got %s", ErrInvalidConfig, c.WaitingFor)
	}

	return nil
}

// Loop reports whether the loader should keep making passes.
func (c *Config) Loop() bool {
	return c.WaitingFor > 0
}
