// Package config loads the merger configuration. Values come from built-in
// defaults, then an optional YAML file named by MERGER_CONFIG, then
// environment variables prefixed with MERGER_.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix prefixes every environment override, e.g. MERGER_KAFKA_BROKERS.
const EnvPrefix = "MERGER"

// FileEnvVar names the environment variable holding the optional config file path.
const FileEnvVar = "MERGER_CONFIG"

// LedgerKind selects the emitted-session ledger implementation.
type LedgerKind string

const (
	LedgerMemory   LedgerKind = "memory"
	LedgerPostgres LedgerKind = "postgres"
)

// Config is the full merger configuration.
type Config struct {
	ServiceName string        `mapstructure:"service_name"`
	LogLevel    string        `mapstructure:"log_level"`
	Kafka       KafkaConfig   `mapstructure:"kafka"`
	Emitter     EmitterConfig `mapstructure:"emitter"`
	Ledger      LedgerConfig  `mapstructure:"ledger"`
	Telemetry   OTelConfig    `mapstructure:"telemetry"`
	HealthAddr  string        `mapstructure:"health_addr"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
}

// KafkaConfig holds broker, group and topic settings.
type KafkaConfig struct {
	Brokers       []string      `mapstructure:"brokers"`
	GroupID       string        `mapstructure:"group_id"`
	ClientID      string        `mapstructure:"client_id"`
	Topics        TopicsConfig  `mapstructure:"topics"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	CommitOffsets bool          `mapstructure:"commit_offsets"`
	Connect       ConnectConfig `mapstructure:"connect"`
}

// TopicsConfig names the three input topics and the output topic.
type TopicsConfig struct {
	Entity   string `mapstructure:"entity"`
	Time     string `mapstructure:"time"`
	Position string `mapstructure:"position"`
	Report   string `mapstructure:"report"`
}

// ConnectConfig is the budget for waiting on an unreachable cluster.
type ConnectConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

// EmitterConfig bounds report publishing.
type EmitterConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	// RateLimit is reports per second; zero disables throttling.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

// LedgerConfig selects and sizes the emitted-session ledger.
type LedgerConfig struct {
	Kind    LedgerKind `mapstructure:"kind"`
	MaxSize int        `mapstructure:"max_size"`
	DSN     string     `mapstructure:"dsn"`
}

// OTelConfig configures trace and metric export.
type OTelConfig struct {
	Endpoint      string  `mapstructure:"endpoint"`
	SamplingRatio float64 `mapstructure:"sampling_ratio"`
	Insecure      bool    `mapstructure:"insecure"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "fleet-merger")
	v.SetDefault("log_level", "info")

	v.SetDefault("kafka.brokers", []string{"kafka:9092"})
	v.SetDefault("kafka.group_id", "fleet-merger")
	v.SetDefault("kafka.client_id", "fleet-merger")
	v.SetDefault("kafka.topics.entity", "entity_topic")
	v.SetDefault("kafka.topics.time", "time_registration_topic")
	v.SetDefault("kafka.topics.position", "position_topic")
	v.SetDefault("kafka.topics.report", "report_topic")
	v.SetDefault("kafka.poll_timeout", time.Second)
	v.SetDefault("kafka.commit_offsets", false)
	v.SetDefault("kafka.connect.initial_interval", 5*time.Second)
	v.SetDefault("kafka.connect.max_elapsed_time", 5*time.Minute)

	v.SetDefault("emitter.max_retries", 5)
	v.SetDefault("emitter.initial_interval", 200*time.Millisecond)
	v.SetDefault("emitter.max_interval", 5*time.Second)
	v.SetDefault("emitter.rate_limit", 0)
	v.SetDefault("emitter.burst", 1)

	v.SetDefault("ledger.kind", string(LedgerMemory))
	v.SetDefault("ledger.max_size", 50000)
	v.SetDefault("ledger.dsn", "")

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.sampling_ratio", 0.1)
	v.SetDefault("telemetry.insecure", true)

	v.SetDefault("health_addr", ":8080")
	v.SetDefault("metrics_addr", ":8081")
}

// Load builds the configuration. lookupEnv reads the config file path and is
// normally os.LookupEnv; overrides are read from the process environment.
func Load(lookupEnv func(string) (string, bool)) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, ok := lookupEnv(FileEnvVar); ok && path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Kafka.Brokers = splitBrokers(cfg.Kafka.Brokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitBrokers accepts both a YAML list and a comma separated env value.
func splitBrokers(in []string) []string {
	var out []string
	for _, b := range in {
		for _, part := range strings.Split(b, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case len(c.Kafka.Brokers) == 0:
		return fmt.Errorf("%w: kafka.brokers is empty", ErrInvalidConfig)
	case c.Kafka.GroupID == "":
		return fmt.Errorf("%w: kafka.group_id is empty", ErrInvalidConfig)
	case c.Kafka.PollTimeout <= 0:
		return fmt.Errorf("%w: kafka.poll_timeout must be positive", ErrInvalidConfig)
	case c.Kafka.Connect.InitialInterval <= 0 || c.Kafka.Connect.MaxElapsedTime <= 0:
		return fmt.Errorf("%w: kafka.connect intervals must be positive", ErrInvalidConfig)
	case c.Emitter.InitialInterval <= 0 || c.Emitter.MaxInterval <= 0:
		return fmt.Errorf("%w: emitter intervals must be positive", ErrInvalidConfig)
	case c.Emitter.MaxRetries < 0:
		return fmt.Errorf("%w: emitter.max_retries must not be negative", ErrInvalidConfig)
	case c.Emitter.RateLimit < 0:
		return fmt.Errorf("%w: emitter.rate_limit must not be negative", ErrInvalidConfig)
	case c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1:
		return fmt.Errorf("%w: telemetry.sampling_ratio must be within [0, 1]", ErrInvalidConfig)
	}

	topics := map[string]string{
		"entity":   c.Kafka.Topics.Entity,
		"time":     c.Kafka.Topics.Time,
		"position": c.Kafka.Topics.Position,
		"report":   c.Kafka.Topics.Report,
	}
	for name, topic := range topics {
		if topic == "" {
			return fmt.Errorf("%w: kafka.topics.%s is empty", ErrInvalidConfig, name)
		}
	}

	switch c.Ledger.Kind {
	case LedgerMemory:
	case LedgerPostgres:
		if c.Ledger.DSN == "" {
			return fmt.Errorf("%w: ledger.dsn is required for the postgres ledger", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown ledger kind %q", ErrInvalidConfig, c.Ledger.Kind)
	}

	return nil
}
