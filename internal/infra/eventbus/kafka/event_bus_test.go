package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/fleet-merger/internal/domain/events"
	"github.com/ahrav/fleet-merger/internal/domain/fleet"
	"github.com/ahrav/fleet-merger/pkg/common/logger"
)

type mockBusMetrics struct {
	mu          sync.Mutex
	published   map[string]int
	publishErrs map[string]int
}

func newMockBusMetrics() *mockBusMetrics {
	return &mockBusMetrics{published: map[string]int{}, publishErrs: map[string]int{}}
}

func (m *mockBusMetrics) IncMessagePublished(_ context.Context, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[topic]++
}

func (m *mockBusMetrics) IncPublishError(_ context.Context, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErrs[topic]++
}

func (m *mockBusMetrics) IncMessageConsumed(context.Context, string) {}
func (m *mockBusMetrics) IncConsumeError(context.Context, string)    {}

func TestEventBus_PublishReport(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	metrics := newMockBusMetrics()
	bus := newEventBus(producer, TopicConfig{ReportTopic: "report_topic"}, logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"))

	report := fleet.Report{DriverID: "D1", TruckID: "T1", StartTime: "08:00"}

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "report_topic" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "D1" {
			return errors.New("unexpected key " + string(key))
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var got fleet.Report
		if err := json.Unmarshal(value, &got); err != nil {
			return err
		}
		if got != report {
			return errors.New("report mismatch")
		}
		return nil
	})

	err := bus.Publish(context.Background(), events.EventEnvelope{
		Type:    events.EventTypeReportCompleted,
		Payload: report,
	}, events.WithKey("D1"))
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	assert.Equal(t, 1, metrics.published["report_topic"])
}

func TestEventBus_PublishSendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	metrics := newMockBusMetrics()
	bus := newEventBus(producer, TopicConfig{ReportTopic: "report_topic"}, logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"))

	producer.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)

	err := bus.Publish(context.Background(), events.EventEnvelope{
		Type:    events.EventTypeReportCompleted,
		Payload: fleet.Report{DriverID: "D1"},
	}, events.WithKey("D1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, sarama.ErrLeaderNotAvailable))
	assert.Equal(t, 1, metrics.publishErrs["report_topic"])
	require.NoError(t, bus.Close())
}

func TestEventBus_PublishUnknownType(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	bus := newEventBus(producer, TopicConfig{ReportTopic: "report_topic"}, logger.Noop(), nil, noop.NewTracerProvider().Tracer("test"))

	err := bus.Publish(context.Background(), events.EventEnvelope{Type: "Unknown"})
	assert.Error(t, err)
	require.NoError(t, bus.Close())
}
