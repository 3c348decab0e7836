package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/fleet-merger/pkg/common/logger"
)

func TestNewSaramaConfig(t *testing.T) {
	cfg := newSaramaConfig(&ClientConfig{Brokers: []string{"localhost:9092"}, GroupID: "merger", ClientID: "merger-1"})

	assert.Equal(t, "merger-1", cfg.ClientID)
	assert.Equal(t, sarama.OffsetOldest, cfg.Consumer.Offsets.Initial)
	assert.False(t, cfg.Consumer.Offsets.AutoCommit.Enable)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.True(t, cfg.Producer.Return.Successes)
	require.NoError(t, cfg.Validate())
}

func TestConnect_UnreachableExhaustsBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a closed port")
	}

	_, err := Connect(
		context.Background(),
		&ClientConfig{Brokers: []string{"127.0.0.1:1"}, GroupID: "merger", ClientID: "merger-test"},
		ConnectConfig{InitialInterval: 10 * time.Millisecond, MaxElapsedTime: 50 * time.Millisecond},
		logger.Noop(),
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBrokerUnreachable))
}

func TestConnect_CanceledContext(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a closed port")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Connect(
		ctx,
		&ClientConfig{Brokers: []string{"127.0.0.1:1"}, GroupID: "merger", ClientID: "merger-test"},
		DefaultConnectConfig(),
		logger.Noop(),
	)
	assert.True(t, errors.Is(err, ErrBrokerUnreachable))
}
