// Package kafka provides the Kafka adapters of the merger: client bootstrap,
// per-topic message sources and the report publisher.
package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/fleet-merger/internal/domain/events"
	"github.com/ahrav/fleet-merger/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/fleet-merger/internal/infra/eventbus/serialization"
	"github.com/ahrav/fleet-merger/pkg/common/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// TopicConfig names the output topics of the service.
type TopicConfig struct {
	// ReportTopic receives completed session reports.
	ReportTopic string
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus publishes domain events to Kafka using a synchronous producer.
type EventBus struct {
	producer sarama.SyncProducer

	// Maps domain event types to their Kafka topics.
	topicMap map[events.EventType]string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus creates a publisher sharing client's connections.
func NewEventBus(
	client sarama.Client,
	cfg TopicConfig,
	log *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	return newEventBus(producer, cfg, log, metrics, tracer), nil
}

func newEventBus(
	producer sarama.SyncProducer,
	cfg TopicConfig,
	log *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) *EventBus {
	return &EventBus{
		producer: producer,
		topicMap: map[events.EventType]string{
			events.EventTypeReportCompleted: cfg.ReportTopic,
		},
		logger:  log.With("component", "kafka_event_bus"),
		tracer:  tracer,
		metrics: metrics,
	}
}

// Publish serializes the event and sends it to the topic mapped to its type.
// A single failed send is returned to the caller, which owns the retry policy.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, b.tracer)
	defer span.End()

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}

	if pParams.Key != "" {
		event.Key = pParams.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}

	msgBytes, err := serialization.SerializePayload(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "serialization failed")
		b.incPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(msgBytes),
	}
	for k, v := range pParams.Headers {
		kafkaMsg.Headers = append(kafkaMsg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		b.incPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}

	if b.metrics != nil {
		b.metrics.IncMessagePublished(ctx, topic)
	}

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", event.Key,
	)

	return nil
}

func (b *EventBus) incPublishError(ctx context.Context, topic string) {
	if b.metrics != nil {
		b.metrics.IncPublishError(ctx, topic)
	}
}

// Close shuts down the producer.
func (b *EventBus) Close() error {
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	if err := b.producer.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close producer")
		b.logger.Error(ctx, "Failed to close producer", "error", err)
		return err
	}

	b.logger.Info(ctx, "Closed event bus")
	return nil
}
