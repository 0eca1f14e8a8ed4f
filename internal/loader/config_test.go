package loader_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenbu-io/nytloader/internal/loader"
)

func TestLoadConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		env  map[string]string
		want loader.Config
	}{
		{
			name: "defaults",
			env:  map[string]string{},
			want: loader.Config{BatchSize: 500, LockStaleAfter: 30 * time.Minute},
		},
		{
			name: "overrides",
			env: map[string]string{
				"WRITE_BATCH_SIZE":   "50",
				"WRITE_RPS":          "12.5",
				"LOCK_STALE_AFTER":   "5m",
				"LOADER_WAITING_FOR": "30s",
			},
			want: loader.Config{
				BatchSize:      50,
				WriteRPS:       12.5,
				LockStaleAfter: 5 * time.Minute,
				WaitingFor:     30 * time.Second,
			},
		},
		{
			name: "invalid values fall back to defaults",
			env: map[string]string{
				"WRITE_BATCH_SIZE": "many",
				"LOCK_STALE_AFTER": "soon",
			},
			want: loader.Config{BatchSize: 500, LockStaleAfter: 30 * time.Minute},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"WRITE_BATCH_SIZE", "WRITE_RPS", "LOCK_STALE_AFTER", "LOADER_WAITING_FOR"} {
				t.Setenv(key, "")
			}

			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg := loader.LoadConfig()
			assert.Equal(t, tt.want, *cfg)
			assert.Equal(t, tt.want.WaitingFor > 0, cfg.Loop())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := loader.Config{BatchSize: 10, LockStaleAfter: time.Minute}

	tests := []struct {
		name   string
		mutate func(c *loader.Config)
		ok     bool
	}{
		{name: "valid", mutate: func(*loader.Config) {}, ok: true},
		{name: "zero batch size", mutate: func(c *loader.Config) { c.BatchSize = 0 }},
		{name: "negative rps", mutate: func(c *loader.Config) { c.WriteRPS = -1 }},
		{name: "zero stale after", mutate: func(c *loader.Config) { c.LockStaleAfter = 0 }},
		{name: "negative waiting", mutate: func(c *loader.Config) { c.WaitingFor = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.ok {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, loader.ErrInvalidConfig)
		})
	}
}
