package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:     "expand single env var",
			input:    "password: ${TEST_REDIS_PASSWORD}",
			envVars:  map[string]string{"TEST_REDIS_PASSWORD": "hunter2"},
			expected: "password: hunter2",
		},
		{
			name:     "missing env var becomes empty",
			input:    "password: ${TEST_MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "password: ",
		},
		{
			name:     "static text untouched",
			input:    "addr: localhost:6379\npassword: ${TEST_PW}",
			envVars:  map[string]string{"TEST_PW": "pw"},
			expected: "addr: localhost:6379\npassword: pw",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.expected, expandEnvVars(tt.input))
		})
	}
}

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigMergesOverDefaults(t *testing.T) {
	t.Setenv("TEST_PIPELINE_REDIS_PW", "from-env")
	path := writeTempConfig(t, `
redis:
  addr: redis-prod:6379
  password: ${TEST_PIPELINE_REDIS_PW}

queue:
  workers: 8

feed:
  port: 9001
  allowed_origins:
    - https://ops.example.com
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	// Overridden knobs.
	assert.Equal(t, "redis-prod:6379", cfg.Redis.Addr)
	assert.Equal(t, Secret("from-env"), cfg.Redis.Password)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, 9001, cfg.Feed.Port)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.Feed.AllowedOrigins)

	// Untouched knobs keep their defaults.
	def := DefaultConfig()
	assert.Equal(t, def.Queue.MaxSize, cfg.Queue.MaxSize)
	assert.Equal(t, def.DSW.BatchSize, cfg.DSW.BatchSize)
	assert.Equal(t, def.Paper.MatchTimeoutMs, cfg.Paper.MatchTimeoutMs)
	assert.Equal(t, def.Broker.BrokerType, cfg.Broker.BrokerType)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{
			name:  "negative worker count",
			body:  "queue:\n  workers: -1\n",
			field: "queue.workers",
		},
		{
			name:  "interval bounds inverted",
			body:  "dsw:\n  interval_min_ms: 5000\n  interval_max_ms: 100\n",
			field: "dsw.interval_min_ms",
		},
		{
			name:  "unknown broker type",
			body:  "broker:\n  broker_type: futures\n",
			field: "broker.broker_type",
		},
		{
			name:  "http broker without base url",
			body:  "broker:\n  broker_type: http\n",
			field: "broker.base_url",
		},
		{
			name:  "unknown log level",
			body:  "app:\n  log_level: LOUD\n",
			field: "app.log_level",
		},
		{
			name:  "low water above high water",
			body:  "dsw:\n  low_water: 64\n  high_water: 8\n",
			field: "dsw.low_water",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeTempConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5*time.Second, cfg.Redis.OpTimeout())
	assert.Equal(t, 30*time.Second, cfg.SQL.OpTimeout())
	assert.Equal(t, time.Second, cfg.Queue.ClaimBlock())
	assert.Equal(t, 10*time.Second, cfg.Broker.SubmitTimeout())
	assert.Equal(t, time.Minute, cfg.Paper.MatchTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.DSW.IntervalMin())
	assert.Equal(t, 5*time.Second, cfg.DSW.IntervalMax())
	assert.Equal(t, 8*time.Hour, cfg.Session.InactiveTTL())
}
