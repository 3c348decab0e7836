package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"

	"github.com/ahrav/fleet-merger/pkg/common/logger"
)

// ErrBrokerUnreachable is returned when the cluster cannot be reached within
// the connect budget.
var ErrBrokerUnreachable = errors.New("kafka brokers unreachable")

// ClientConfig contains all configuration needed for Kafka client setup.
type ClientConfig struct {
	Brokers []string
	// GroupID is the base consumer group name. Each topic source joins
	// its own group, see TopicGroupID.
	GroupID  string
	ClientID string
	// CommitOffsets enables committing consumed offsets to the group. When
	// false every start replays the input topics from the oldest offset.
	CommitOffsets bool
}

// ConnectConfig bounds the exponential backoff used while waiting for the
// cluster to become reachable.
type ConnectConfig struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultConnectConfig returns a five minute budget starting at five seconds.
func DefaultConnectConfig() ConnectConfig {
	return ConnectConfig{InitialInterval: 5 * time.Second, MaxElapsedTime: 5 * time.Minute}
}

// newSaramaConfig builds the configuration shared by producers and consumers.
func newSaramaConfig(cfg *ClientConfig) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	// Consumer settings.
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Group.Member.UserData = []byte(cfg.ClientID)
	config.Consumer.Offsets.AutoCommit.Enable = false

	// Producer settings. Reports are keyed by driver_id, so the hash
	// partitioner keeps a driver's reports ordered.
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Version = sarama.V3_6_0_0

	return config
}

// NewClient creates a Kafka client with the service's producer and consumer settings.
func NewClient(cfg *ClientConfig) (sarama.Client, error) {
	return sarama.NewClient(cfg.Brokers, newSaramaConfig(cfg))
}

// Probe reports whether at least one broker answers a metadata request.
func Probe(client sarama.Client) error {
	if err := client.RefreshMetadata(); err != nil {
		return fmt.Errorf("refresh metadata: %w", err)
	}
	if len(client.Brokers()) == 0 {
		return errors.New("no brokers in cluster metadata")
	}
	return nil
}

// Connect creates a client and probes the cluster, retrying with exponential
// backoff until the budget is spent. Exhaustion yields ErrBrokerUnreachable.
func Connect(ctx context.Context, cfg *ClientConfig, budget ConnectConfig, log *logger.Logger) (sarama.Client, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = budget.InitialInterval
	expBackoff.MaxElapsedTime = budget.MaxElapsedTime

	var (
		client  sarama.Client
		attempt int
	)
	operation := func() error {
		attempt++
		c, err := NewClient(cfg)
		if err != nil {
			log.Warn(ctx, "Kafka not reachable yet", "attempt", attempt, "brokers", cfg.Brokers, "error", err)
			return err
		}
		if err := Probe(c); err != nil {
			_ = c.Close()
			log.Warn(ctx, "Kafka probe failed", "attempt", attempt, "error", err)
			return err
		}
		client = c
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrBrokerUnreachable, attempt, err)
	}

	log.Info(ctx, "Connected to Kafka", "brokers", cfg.Brokers, "attempts", attempt)
	return client, nil
}
