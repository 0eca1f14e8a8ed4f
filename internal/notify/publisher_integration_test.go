package notify

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/zenbu-io/nytloader/internal/loader"
)

func setupKafka(ctx context.Context, t *testing.T, topic string) []string {
	t.Helper()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("nytloader-test"))
	require.NoError(t, err, "Failed to start kafka container")

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	require.NoError(t, err)

	defer func() {
		_ = conn.Close()
	}()

	controller, err := conn.Controller()
	require.NoError(t, err)

	controllerConn, err := kafka.DialContext(ctx, "tcp",
		net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)

	defer func() {
		_ = controllerConn.Close()
	}()

	require.NoError(t, controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))

	return brokers
}

func TestKafkaPublisherIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	const topic = "nytloader.outcomes.test"

	brokers := setupKafka(ctx, t, topic)

	publisher, err := New(&Config{Brokers: brokers, Topic: topic, WriteTimeout: 10 * time.Second}, quietLogger())
	require.NoError(t, err)

	outcome := testOutcome()
	require.NoError(t, publisher.Publish(ctx, outcome))
	require.NoError(t, publisher.Close())

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MaxBytes:  1 << 20,
	})

	defer func() {
		_ = reader.Close()
	}()

	msg, err := reader.ReadMessage(ctx)
	require.NoError(t, err)

	assert.Equal(t, MessageKey(outcome), string(msg.Key))

	var got loader.Outcome
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, outcome.File, got.File)
	assert.Equal(t, outcome.State, got.State)
	assert.Equal(t, outcome.Result, got.Result)
}
