package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"

	"github.com/zenbu-io/nytloader/internal/loader"
)

var (
	// ErrDocumentStoreFailed is returned when a document upsert fails.
	ErrDocumentStoreFailed = errors.New("document storage failed")

	// ErrLedgerStoreFailed is returned when a run ledger entry cannot be written.
	ErrLedgerStoreFailed = errors.New("run ledger storage failed")

	_ loader.Store = (*PostgresStore)(nil)
)

const (
	upsertDocumentQuery = `
		INSERT INTO documents (collection, doc_key, body, source_file)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection, doc_key)
		DO UPDATE SET
			body = EXCLUDED.body,
			source_file = EXCLUDED.source_file,
			updated_at = CURRENT_TIMESTAMP
		RETURNING (xmax = 0) AS inserted
	`

	insertBatchRunQuery = `
		INSERT INTO batch_runs (
			run_id,
			collection,
			file_name,
			state,
			attempted,
			succeeded,
			failed,
			fingerprint,
			error,
			started_at,
			finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, collection, file_name)
		DO UPDATE SET
			state = EXCLUDED.state,
			attempted = EXCLUDED.attempted,
			succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed,
			fingerprint = EXCLUDED.fingerprint,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at
	`
)

// PostgresStore implements loader.Store on the documents and batch_runs tables.
//
// Every record is upserted by its own autocommit statement, so one bad record never
// rolls back the others.
type PostgresStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPostgresStore returns a store over conn.
func NewPostgresStore(conn *Connection, logger *slog.Logger) (*PostgresStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresStore{conn: conn, logger: logger}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}

	return nil
}

// HealthCheck implements loader.Store.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// Upsert implements loader.Store.
//
// Returns an operation-level error only for catastrophic failures (context cancelled,
// database connection lost). Records not committed by then carry an error in the
// per-record slice.
func (s *PostgresStore) Upsert(ctx context.Context, batch *loader.Batch) ([]error, error) {
	errs := make([]error, len(batch.Records))

	stmt, err := s.conn.PrepareContext(ctx, upsertDocumentQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: prepare upsert: %w", ErrDocumentStoreFailed, err)
	}

	defer func() {
		_ = stmt.Close()
	}()

	inserted := 0

	for i, record := range batch.Records {
		if ctx.Err() != nil {
			err := fmt.Errorf("%w: %w", ErrDocumentStoreFailed, ctx.Err())

			return failRemaining(errs, i, err), err
		}

		body, err := json.Marshal(record.Doc)
		if err != nil {
			errs[i] = fmt.Errorf("%w: marshal %s: %w", ErrDocumentStoreFailed, record.Key, err)

			continue
		}

		var isInsert bool

		err = stmt.QueryRowContext(ctx, batch.Target, record.Key, string(body), batch.SourceFile).Scan(&isInsert)
		if err != nil {
			errs[i] = fmt.Errorf("%w: %s: %w", ErrDocumentStoreFailed, record.Key, err)

			if isDatabaseConnectionError(err) {
				lost := fmt.Errorf("%w: database connection lost", ErrDocumentStoreFailed)

				return failRemaining(errs, i+1, lost), lost
			}

			continue
		}

		if isInsert {
			inserted++
		}
	}

	s.logger.Debug("Documents upserted",
		slog.String("target", batch.Target),
		slog.String("file", batch.SourceFile),
		slog.Int("records", len(batch.Records)),
		slog.Int("inserted", inserted),
	)

	return errs, nil
}

// RecordOutcome implements loader.Store.
func (s *PostgresStore) RecordOutcome(ctx context.Context, outcome *loader.Outcome) error {
	_, err := s.conn.ExecContext(ctx, insertBatchRunQuery,
		outcome.RunID,
		outcome.Collection,
		outcome.File,
		string(outcome.State),
		outcome.Result.Attempted,
		outcome.Result.Succeeded,
		outcome.Result.Failed,
		nullableString(outcome.Fingerprint),
		nullableString(outcome.Error),
		outcome.StartedAt,
		outcome.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %w", ErrLedgerStoreFailed, outcome.Collection, outcome.File, err)
	}

	return nil
}

// Document returns the stored body for (target, key).
func (s *PostgresStore) Document(ctx context.Context, target, key string) (map[string]any, bool, error) {
	var body []byte

	err := s.conn.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = $1 AND doc_key = $2`, target, key,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("%w: read %s/%s: %w", ErrDocumentStoreFailed, target, key, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, false, fmt.Errorf("%w: decode %s/%s: %w", ErrDocumentStoreFailed, target, key, err)
	}

	return doc, true, nil
}

// Count returns the number of documents in target.
func (s *PostgresStore) Count(ctx context.Context, target string) (int, error) {
	var n int

	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE collection = $1`, target).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count %s: %w", ErrDocumentStoreFailed, target, err)
	}

	return n, nil
}

// isDatabaseConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors.
// failRemaining marks errs[from:] with err, the records a stopped batch never reached.
func failRemaining(errs []error, from int, err error) []error {
	for i := from; i < len(errs); i++ {
		errs[i] = err
	}

	return errs
}

func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Class 08 = Connection Exception (08000, 08003, 08006, 08001, 08004)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

// nullableString maps "" to SQL NULL.
func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{Valid: false}
	}

	return sql.NullString{String: value, Valid: true}
}
