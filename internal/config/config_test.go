package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noFile(string) (string, bool) { return "", false }

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(noFile)
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "entity_topic", cfg.Kafka.Topics.Entity)
	assert.Equal(t, "time_registration_topic", cfg.Kafka.Topics.Time)
	assert.Equal(t, "position_topic", cfg.Kafka.Topics.Position)
	assert.Equal(t, "report_topic", cfg.Kafka.Topics.Report)
	assert.Equal(t, time.Second, cfg.Kafka.PollTimeout)
	assert.False(t, cfg.Kafka.CommitOffsets)
	assert.Equal(t, 5*time.Second, cfg.Kafka.Connect.InitialInterval)
	assert.Equal(t, 5*time.Minute, cfg.Kafka.Connect.MaxElapsedTime)
	assert.Equal(t, 5, cfg.Emitter.MaxRetries)
	assert.Equal(t, LedgerMemory, cfg.Ledger.Kind)
	assert.Equal(t, 50000, cfg.Ledger.MaxSize)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MERGER_KAFKA_BROKERS", "b1:9092, b2:9092")
	t.Setenv("MERGER_KAFKA_POLL_TIMEOUT", "250ms")
	t.Setenv("MERGER_KAFKA_TOPICS_REPORT", "reports")
	t.Setenv("MERGER_LEDGER_KIND", "postgres")
	t.Setenv("MERGER_LEDGER_DSN", "postgres://u:p@db:5432/merger")

	cfg, err := Load(noFile)
	require.NoError(t, err)

	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.Kafka.PollTimeout)
	assert.Equal(t, "reports", cfg.Kafka.Topics.Report)
	assert.Equal(t, LedgerPostgres, cfg.Ledger.Kind)
	assert.Equal(t, "postgres://u:p@db:5432/merger", cfg.Ledger.DSN)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service_name: merger-test
kafka:
  brokers: [file-broker:9092]
  group_id: from-file
  commit_offsets: true
emitter:
  max_retries: 2
  rate_limit: 10
`), 0o600))
	t.Setenv("MERGER_KAFKA_GROUP_ID", "from-env")

	cfg, err := Load(func(key string) (string, bool) {
		if key == FileEnvVar {
			return path, true
		}
		return "", false
	})
	require.NoError(t, err)

	assert.Equal(t, "merger-test", cfg.ServiceName)
	assert.Equal(t, []string{"file-broker:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "from-env", cfg.Kafka.GroupID)
	assert.True(t, cfg.Kafka.CommitOffsets)
	assert.Equal(t, 2, cfg.Emitter.MaxRetries)
	assert.Equal(t, 10.0, cfg.Emitter.RateLimit)
	assert.Equal(t, "entity_topic", cfg.Kafka.Topics.Entity)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(func(string) (string, bool) { return "/nonexistent/merger.yaml", true })
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func(t *testing.T) Config {
		cfg, err := Load(noFile)
		require.NoError(t, err)
		return *cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty brokers", func(c *Config) { c.Kafka.Brokers = nil }},
		{"empty group", func(c *Config) { c.Kafka.GroupID = "" }},
		{"empty entity topic", func(c *Config) { c.Kafka.Topics.Entity = "" }},
		{"empty report topic", func(c *Config) { c.Kafka.Topics.Report = "" }},
		{"zero poll timeout", func(c *Config) { c.Kafka.PollTimeout = 0 }},
		{"negative connect interval", func(c *Config) { c.Kafka.Connect.InitialInterval = -time.Second }},
		{"zero emitter interval", func(c *Config) { c.Emitter.MaxInterval = 0 }},
		{"negative max retries", func(c *Config) { c.Emitter.MaxRetries = -1 }},
		{"negative rate limit", func(c *Config) { c.Emitter.RateLimit = -1 }},
		{"sampling above one", func(c *Config) { c.Telemetry.SamplingRatio = 1.5 }},
		{"unknown ledger", func(c *Config) { c.Ledger.Kind = "redis" }},
		{"postgres without dsn", func(c *Config) { c.Ledger.Kind = LedgerPostgres; c.Ledger.DSN = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
