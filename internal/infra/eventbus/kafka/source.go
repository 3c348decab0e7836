package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/fleet-merger/internal/domain/events"
	"github.com/ahrav/fleet-merger/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/fleet-merger/pkg/common/logger"
)

// ErrSourceClosed is returned by Poll after Close.
var ErrSourceClosed = errors.New("topic source closed")

// commitInterval spaces out synchronous offset commits.
const commitInterval = time.Second

var _ events.MessageSource = (*TopicSource)(nil)

// delivery pairs a record with the session that claimed it so the offset
// can be marked on that session once the record has been processed.
type delivery struct {
	msg  *sarama.ConsumerMessage
	sess sarama.ConsumerGroupSession
}

// TopicSource consumes one topic through its own consumer group and hands
// records to a single poller. A record is marked consumed when the next Poll
// call arrives, which is after the poller finished with it.
type TopicSource struct {
	topic         string
	group         sarama.ConsumerGroup
	commitOffsets bool

	deliveries chan delivery
	pending    *delivery
	lastCommit time.Time

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewTopicSource joins the consumer group of topic and starts consuming in
// the background. Each topic gets its own group, derived from cfg.GroupID,
// so a rebalance on one topic never revokes the partitions of another.
func NewTopicSource(
	client sarama.Client,
	cfg *ClientConfig,
	topic string,
	log *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*TopicSource, error) {
	groupID := TopicGroupID(cfg.GroupID, topic)
	group, err := sarama.NewConsumerGroupFromClient(groupID, client)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group %s for topic %s: %w", groupID, topic, err)
	}
	return newTopicSource(group, groupID, cfg.CommitOffsets, topic, log, metrics, tracer), nil
}

// TopicGroupID names the consumer group used for topic.
func TopicGroupID(base, topic string) string {
	return base + "-" + topic
}

func newTopicSource(
	group sarama.ConsumerGroup,
	groupID string,
	commitOffsets bool,
	topic string,
	log *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) *TopicSource {
	ctx, cancel := context.WithCancel(context.Background())
	s := &TopicSource{
		topic:         topic,
		group:         group,
		commitOffsets: commitOffsets,
		deliveries:    make(chan delivery),
		cancel:        cancel,
		done:          make(chan struct{}),
		logger:        log.With("component", "kafka_topic_source", "topic", topic, "group_id", groupID),
		tracer:        tracer,
		metrics:       metrics,
	}

	go s.drainErrors(ctx)
	go s.consumeLoop(ctx)

	return s
}

// Topic returns the subscribed topic.
func (s *TopicSource) Topic() string { return s.topic }

// Poll waits up to timeout for the next record.
func (s *TopicSource) Poll(ctx context.Context, timeout time.Duration) (*events.Message, error) {
	s.ack(ctx)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSourceClosed
	case <-timer.C:
		return nil, nil
	case d := <-s.deliveries:
		s.pending = &d

		msgCtx := tracing.ExtractTraceContext(ctx, d.msg)
		_, span := tracing.StartConsumerSpan(msgCtx, d.msg, s.tracer)
		span.End()

		if s.metrics != nil {
			s.metrics.IncMessageConsumed(ctx, d.msg.Topic)
		}

		return &events.Message{
			Topic:     d.msg.Topic,
			Key:       string(d.msg.Key),
			Value:     d.msg.Value,
			Partition: d.msg.Partition,
			Offset:    d.msg.Offset,
			Headers:   tracing.HeaderMap(d.msg.Headers),
			Timestamp: d.msg.Timestamp,
		}, nil
	}
}

// ack marks the previously returned record and commits periodically.
func (s *TopicSource) ack(ctx context.Context) {
	if s.pending == nil {
		return
	}
	d := s.pending
	s.pending = nil

	if !s.commitOffsets {
		return
	}
	d.sess.MarkMessage(d.msg, "")
	if time.Since(s.lastCommit) > commitInterval {
		d.sess.Commit()
		s.lastCommit = time.Now()
		s.logger.Debug(ctx, "Committed offsets", "partition", d.msg.Partition, "offset", d.msg.Offset)
	}
}

// consumeLoop keeps a consumer group session alive across rebalances.
func (s *TopicSource) consumeLoop(ctx context.Context) {
	defer close(s.done)

	handler := &topicHandler{source: s}
	for {
		if err := s.group.Consume(ctx, []string{s.topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			s.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *TopicSource) drainErrors(ctx context.Context) {
	for err := range s.group.Errors() {
		if s.metrics != nil {
			s.metrics.IncConsumeError(ctx, s.topic)
		}
		s.logger.Error(ctx, "Consumer group error", "error", err)
	}
}

// Close leaves the consumer group, marking the last polled record first.
// It must not run concurrently with Poll.
func (s *TopicSource) Close() error {
	var err error
	s.once.Do(func() {
		s.ack(context.Background())
		s.cancel()
		err = s.group.Close()
	})
	return err
}

// topicHandler implements sarama.ConsumerGroupHandler by forwarding every
// claimed record to the poller.
type topicHandler struct {
	source *TopicSource
}

func (h *topicHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.source.logger.Info(sess.Context(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
		"claims", sess.Claims(),
	)
	return nil
}

func (h *topicHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.source.logger.Info(sess.Context(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	if h.source.commitOffsets {
		sess.Commit()
	}
	return nil
}

// ConsumeClaim blocks on each record until the poller takes it, so at most
// one record per source is in flight.
func (h *topicHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	h.source.logger.Info(sess.Context(), "Starting to consume from partition",
		"partition", claim.Partition(),
		"initial_offset", claim.InitialOffset(),
	)

	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.source.deliveries <- delivery{msg: msg, sess: sess}:
			case <-sess.Context().Done():
				return nil
			}
		}
	}
}
