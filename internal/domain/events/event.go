package events

import "time"

// EventEnvelope is the outbound unit handed to an EventBus: a typed domain
// payload plus the routing key used for partitioning.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and serialization.
	Type EventType

	// Key enables consistent event routing, typically a business identifier
	// such as a driver ID.
	Key string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the actual event data (e.g. a fleet.Report).
	// The concrete type depends on the EventType.
	Payload any
}

// Message is a raw inbound record pulled from a topic, before classification.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int32
	Offset    int64
	Headers   map[string]string
	Timestamp time.Time
}
