package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenbu-io/nytloader/internal/loader"
)

const registryYAML = `
data_dir: %DATA%
logs_sub_dir: logs
collections:
  articles:
    payload_path: [response, docs]
    key_fields: [nyt_id]
    fields:
      - { source: _id, output: nyt_id }
      - { source: abstract, output: abstract }
`

func setupRun(t *testing.T) string {
	t.Helper()

	dataDir := t.TempDir()
	path := filepath.Join(dataDir, "loader.yaml")

	content := []byte(strings.ReplaceAll(registryYAML, "%DATA%", dataDir))
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("LOADER_CONFIG_PATH", path)
	t.Setenv("LOADER_DATA_DIR", "")
	t.Setenv("LOADER_COLLECTIONS", "")
	t.Setenv("LOADER_WAITING_FOR", "")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("LOG_LEVEL", "error")

	return dataDir
}

func dropBatch(t *testing.T, dataDir, name, content string) {
	t.Helper()

	dir := filepath.Join(dataDir, "articles", "input")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestRun_CleanPass(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dataDir := setupRun(t)
	dropBatch(t, dataDir, "a.json", `{"response":{"docs":[{"_id":"1","abstract":"x"}]}}`)

	code := run(context.Background(), true)

	assert.Equal(t, exitOK, code)
	assert.FileExists(t, filepath.Join(dataDir, "articles", "processed", "a.json"))
	assert.FileExists(t, filepath.Join(dataDir, "logs", "nytloader.log"))
}

func TestRun_FailedFileExitsWithFailureCode(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dataDir := setupRun(t)
	dropBatch(t, dataDir, "bad.json", `{"response":{"docs":"oops"}}`)

	code := run(context.Background(), true)

	assert.Equal(t, exitFailures, code)
	assert.FileExists(t, filepath.Join(dataDir, "articles", "failed", "bad.json"))
}

func TestRun_FatalConfiguration(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing registry", env: map[string]string{"LOADER_CONFIG_PATH": "/nonexistent/loader.yaml"}},
		{name: "unknown collection", env: map[string]string{"LOADER_COLLECTIONS": "movies"}},
		{name: "unknown backend", env: map[string]string{"STORE_BACKEND": "cassandra"}},
		{name: "invalid batch size", env: map[string]string{"WRITE_BATCH_SIZE": "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupRun(t)

			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			assert.Equal(t, exitFatal, run(context.Background(), true))
		})
	}
}

func TestExitCode(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	clean := &loader.Summary{Processed: 2}
	failed := &loader.Summary{Failed: 1}
	stuck := &loader.Summary{Stuck: 1}

	assert.Equal(t, exitOK, exitCode(nil, nil))
	assert.Equal(t, exitOK, exitCode([]*loader.Summary{clean, nil}, nil))
	assert.Equal(t, exitFailures, exitCode([]*loader.Summary{clean, failed}, nil))
	assert.Equal(t, exitFailures, exitCode([]*loader.Summary{stuck}, nil))
	assert.Equal(t, exitFatal, exitCode([]*loader.Summary{clean}, errors.New("boom")))
}

func TestSleep(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.True(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, sleep(ctx, time.Hour))
}
