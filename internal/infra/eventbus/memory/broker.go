// Package memory provides an in-memory message broker implementing the
// MessageSource and EventBus ports. It is non-persistent and meant for tests
// and local runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/fleet-merger/internal/domain/events"
	"github.com/ahrav/fleet-merger/internal/infra/eventbus/serialization"
)

// ErrBrokerClosed is returned by operations on a closed broker or source.
var ErrBrokerClosed = errors.New("memory broker closed")

// topicLog is an append-only list of records for one topic.
type topicLog struct {
	msgs []events.Message
	// signal is closed and replaced on every append to wake pollers.
	signal chan struct{}
}

// Broker keeps every produced record per topic. Each Subscribe starts reading
// from the first record, like a new consumer group at the oldest offset.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topicLog
	closed bool

	// Maps domain event types to their topics.
	topicMap map[events.EventType]string

	// failures holds errors returned by the next Publish calls, in order.
	failures []error
}

// NewBroker creates a broker routing domain events according to topicMap.
func NewBroker(topicMap map[events.EventType]string) *Broker {
	return &Broker{
		topics:   make(map[string]*topicLog),
		topicMap: topicMap,
	}
}

// log returns the topic's log, creating it. Caller holds b.mu.
func (b *Broker) log(topic string) *topicLog {
	l, ok := b.topics[topic]
	if !ok {
		l = &topicLog{signal: make(chan struct{})}
		b.topics[topic] = l
	}
	return l
}

// Produce appends a raw record to topic.
func (b *Broker) Produce(topic, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	l := b.log(topic)
	l.msgs = append(l.msgs, events.Message{
		Topic:     topic,
		Key:       key,
		Value:     value,
		Offset:    int64(len(l.msgs)),
		Timestamp: time.Now(),
	})
	close(l.signal)
	l.signal = make(chan struct{})
	return nil
}

// Messages returns a copy of the records on topic.
func (b *Broker) Messages(topic string) []events.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.topics[topic]
	if !ok {
		return nil
	}
	return append([]events.Message(nil), l.msgs...)
}

// FailNextPublish makes the next Publish call return err. Calls queue up.
func (b *Broker) FailNextPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, err)
}

var _ events.EventBus = (*Broker)(nil)

// Publish serializes the event and appends it to the topic mapped to its type.
func (b *Broker) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	topic, ok := b.topicMap[event.Type]
	var injected error
	if len(b.failures) > 0 {
		injected, b.failures = b.failures[0], b.failures[1:]
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}
	if injected != nil {
		return injected
	}

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}
	if pParams.Key != "" {
		event.Key = pParams.Key
	}

	data, err := serialization.SerializePayload(event.Type, event.Payload)
	if err != nil {
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}
	return b.Produce(topic, event.Key, data)
}

// Close wakes every poller; subsequent operations fail with ErrBrokerClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, l := range b.topics {
		close(l.signal)
	}
	return nil
}

// Subscribe returns a source reading topic from its first record.
func (b *Broker) Subscribe(topic string) *Source {
	return &Source{broker: b, topic: topic}
}

var _ events.MessageSource = (*Source)(nil)

// Source is a cursor over one topic. It is meant for a single poller.
type Source struct {
	broker *Broker
	topic  string
	next   int
	closed bool
}

// Topic returns the subscribed topic.
func (s *Source) Topic() string { return s.topic }

// Poll returns the next record, waiting up to timeout for one to arrive.
func (s *Source) Poll(ctx context.Context, timeout time.Duration) (*events.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if s.closed {
			return nil, ErrBrokerClosed
		}

		b := s.broker
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBrokerClosed
		}
		l := b.log(s.topic)
		if s.next < len(l.msgs) {
			msg := l.msgs[s.next]
			s.next++
			b.mu.Unlock()
			return &msg, nil
		}
		signal := l.signal
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-signal:
		}
	}
}

// Close ends the subscription.
func (s *Source) Close() error {
	s.closed = true
	return nil
}
