// Package events provides the messaging ports used to move raw records in and
// domain events out of the service without tying the domain to a broker.
package events

import (
	"context"
	"time"
)

// EventBus publishes domain events across system boundaries. It abstracts
// messaging infrastructure details (like Kafka) to keep domain logic focused
// on business concerns rather than transport mechanisms.
type EventBus interface {
	// Publish sends a domain event to the topic mapped to its type.
	// Optional PublishOptions configure delivery behavior.
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error

	// Close gracefully shuts down the event bus and releases associated resources.
	Close() error
}

// MessageSource is a subscription to a single topic.
type MessageSource interface {
	// Poll waits up to timeout for the next message. It returns (nil, nil)
	// when the timeout elapses without a message and ctx.Err() once ctx is done.
	Poll(ctx context.Context, timeout time.Duration) (*Message, error)

	// Topic names the subscribed topic.
	Topic() string

	// Close stops the subscription.
	Close() error
}
