package notify

import (
	"errors"
	"strings"
	"time"

	"github.com/zenbu-io/nytloader/internal/config"
)

const (
	defaultTopic        = "nytloader.outcomes"
	defaultWriteTimeout = 10 * time.Second
)

// ErrTopicEmpty is returned when brokers are configured without a topic.
var ErrTopicEmpty = errors.New("kafka topic cannot be empty")

// Config holds outcome notification settings. Publishing is disabled without brokers.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// LoadConfig loads notification configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Brokers:      config.GetEnvList("KAFKA_BROKERS"),
		Topic:        config.GetEnvStr("KAFKA_TOPIC", defaultTopic),
		WriteTimeout: config.GetEnvDuration("KAFKA_WRITE_TIMEOUT", defaultWriteTimeout),
	}
}

// Enabled reports whether any broker is configured.
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// Validate checks the configuration. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}

	if strings.TrimSpace(c.Topic) == "" {
		return ErrTopicEmpty
	}

	return nil
}
