// Package notify publishes finalized batch file outcomes to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/zenbu-io/nytloader/internal/loader"
)

var (
	_ loader.Publisher = (*KafkaPublisher)(nil)
	_ loader.Publisher = NoopPublisher{}
)

type (
	// messageWriter is the subset of *kafka.Writer the publisher uses.
	messageWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// KafkaPublisher writes one JSON message per outcome, keyed by collection/file so
	// every outcome of a file lands on the same partition.
	KafkaPublisher struct {
		writer messageWriter
		topic  string
		logger *slog.Logger
	}

	// NoopPublisher discards outcomes.
	NoopPublisher struct{}
)

// New returns a KafkaPublisher when cfg has brokers and a NoopPublisher otherwise.
func New(cfg *Config, logger *slog.Logger) (loader.Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !cfg.Enabled() {
		return NoopPublisher{}, nil
	}

	return NewKafkaPublisher(cfg, logger), nil
}

// NewKafkaPublisher builds a publisher over a kafka-go Writer for cfg.
func NewKafkaPublisher(cfg *Config, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           cfg.WriteTimeout,
	}

	return newKafkaPublisher(writer, cfg.Topic, logger)
}

func newKafkaPublisher(writer messageWriter, topic string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, topic: topic, logger: logger}
}

// Publish implements loader.Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, outcome *loader.Outcome) error {
	value, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome %s/%s: %w", outcome.Collection, outcome.File, err)
	}

	msg := kafka.Message{
		Key:   []byte(MessageKey(outcome)),
		Value: value,
		Time:  outcome.FinishedAt,
		Headers: []kafka.Header{
			{Key: "state", Value: []byte(outcome.State)},
			{Key: "run_id", Value: []byte(outcome.RunID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish outcome %s to %s: %w", msg.Key, p.topic, err)
	}

	p.logger.Debug("Outcome published",
		slog.String("topic", p.topic),
		slog.String("key", string(msg.Key)),
		slog.String("state", string(outcome.State)),
	)

	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// MessageKey is the partition key of an outcome message.
func MessageKey(outcome *loader.Outcome) string {
	return outcome.Collection + "/" + outcome.File
}

// Publish implements loader.Publisher.
func (NoopPublisher) Publish(context.Context, *loader.Outcome) error { return nil }

// Close implements loader.Publisher.
func (NoopPublisher) Close() error { return nil }
