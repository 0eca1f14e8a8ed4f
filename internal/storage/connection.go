// Package storage provides the document store backends for the loader: PostgreSQL,
// MongoDB, and an in-memory store for dry runs and tests.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const healthCheckTimeout = 5 * time.Second

var (
	// ErrNoDatabaseConnection is returned when a store is built without a connection.
	ErrNoDatabaseConnection = errors.New("no database connection")

	// ErrConnectionFailed is returned when the database cannot be reached at startup.
	ErrConnectionFailed = errors.New("database connection failed")
)

// Connection is a pooled PostgreSQL connection.
type Connection struct {
	*sql.DB
}

// NewConnection opens a pool from cfg and verifies it with a ping.
func NewConnection(cfg *Config) (*Connection, error) {
	if cfg.databaseURL == "" {
		return nil, ErrDatabaseURLEmpty
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn := &Connection{DB: db}

	if err := conn.HealthCheck(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.MaskDatabaseURL(), err)
	}

	return conn, nil
}

// HealthCheck pings the database within a short timeout.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNoDatabaseConnection
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	return c.PingContext(ctx)
}
