package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/zenbu-io/nytloader/internal/loader"
)

const (
	batchRunsCollection = "batch_runs"
	disconnectTimeout   = 5 * time.Second
)

var _ loader.Store = (*MongoStore)(nil)

// MongoStore implements loader.Store on a MongoDB database. Each target is a
// collection; the natural key is the document _id.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// NewMongoStore connects to cfg's MongoDB deployment and verifies it with a ping.
func NewMongoStore(ctx context.Context, cfg *Config, logger *slog.Logger) (*MongoStore, error) {
	if cfg.mongoURL == "" {
		return nil, ErrMongoURLEmpty
	}

	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	opts := options.Client().
		ApplyURI(cfg.mongoURL).
		SetConnectTimeout(timeout).
		SetMaxPoolSize(uint64(max(cfg.MaxOpenConns, 1))) //nolint:gosec

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.MaskMongoURL(), err)
	}

	store := &MongoStore{
		client: client,
		db:     client.Database(cfg.MongoDatabase),
		logger: logger,
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := store.HealthCheck(pingCtx); err != nil {
		_ = store.Close()

		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.MaskMongoURL(), err)
	}

	return store, nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	return s.client.Disconnect(ctx)
}

// HealthCheck implements loader.Store.
func (s *MongoStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	return s.client.Ping(ctx, readpref.Primary())
}

// Upsert implements loader.Store with one unordered bulk write of replace-upserts.
//
// Per-document write errors are mapped back to records by index. Any other bulk
// error fails the whole batch.
func (s *MongoStore) Upsert(ctx context.Context, batch *loader.Batch) ([]error, error) {
	errs := make([]error, len(batch.Records))
	if len(batch.Records) == 0 {
		return errs, nil
	}

	models := make([]mongo.WriteModel, len(batch.Records))

	for i, record := range batch.Records {
		doc := make(bson.M, len(record.Doc)+1)
		for k, v := range record.Doc {
			doc[k] = v
		}

		doc["_id"] = record.Key

		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: record.Key}}).
			SetReplacement(doc).
			SetUpsert(true)
	}

	result, err := s.db.Collection(batch.Target).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		var bulkErr mongo.BulkWriteException
		if !errors.As(err, &bulkErr) || bulkErr.WriteConcernError != nil || len(bulkErr.WriteErrors) == 0 {
			return nil, fmt.Errorf("%w: bulk write to %s: %w", ErrDocumentStoreFailed, batch.Target, err)
		}

		for _, writeErr := range bulkErr.WriteErrors {
			if writeErr.Index < 0 || writeErr.Index >= len(errs) {
				continue
			}

			errs[writeErr.Index] = fmt.Errorf("%w: %s: %s",
				ErrDocumentStoreFailed, batch.Records[writeErr.Index].Key, writeErr.Message)
		}
	}

	if result != nil {
		s.logger.Debug("Documents upserted",
			slog.String("target", batch.Target),
			slog.String("file", batch.SourceFile),
			slog.Int("records", len(batch.Records)),
			slog.Int64("inserted", result.UpsertedCount),
			slog.Int64("updated", result.ModifiedCount),
		)
	}

	return errs, nil
}

// RecordOutcome implements loader.Store.
func (s *MongoStore) RecordOutcome(ctx context.Context, outcome *loader.Outcome) error {
	id := outcome.RunID + "/" + outcome.Collection + "/" + outcome.File

	entry := bson.M{
		"_id":         id,
		"run_id":      outcome.RunID,
		"collection":  outcome.Collection,
		"file_name":   outcome.File,
		"state":       string(outcome.State),
		"attempted":   outcome.Result.Attempted,
		"succeeded":   outcome.Result.Succeeded,
		"failed":      outcome.Result.Failed,
		"fingerprint": outcome.Fingerprint,
		"error":       outcome.Error,
		"started_at":  outcome.StartedAt,
		"finished_at": outcome.FinishedAt,
	}

	_, err := s.db.Collection(batchRunsCollection).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: id}}, entry, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %w", ErrLedgerStoreFailed, outcome.Collection, outcome.File, err)
	}

	return nil
}

// Document returns the stored document for (target, key) without its _id.
func (s *MongoStore) Document(ctx context.Context, target, key string) (map[string]any, bool, error) {
	var doc bson.M

	err := s.db.Collection(target).FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("%w: read %s/%s: %w", ErrDocumentStoreFailed, target, key, err)
	}

	delete(doc, "_id")

	return doc, true, nil
}

// Count returns the number of documents in target.
func (s *MongoStore) Count(ctx context.Context, target string) (int, error) {
	n, err := s.db.Collection(target).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("%w: count %s: %w", ErrDocumentStoreFailed, target, err)
	}

	return int(n), nil
}
