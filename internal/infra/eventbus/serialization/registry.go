// Package serialization translates between wire payloads and domain values.
// Inbound payloads go through the Classifier; outbound domain events are
// encoded by serializers registered per event type, which keeps the wire
// format out of the domain layer.
package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/ahrav/fleet-merger/internal/domain/events"
	"github.com/ahrav/fleet-merger/internal/domain/fleet"
)

// SerializeFunc converts a domain object into a serialized byte slice.
type SerializeFunc func(payload any) ([]byte, error)

// DeserializeFunc converts a serialized byte slice back into a domain object.
type DeserializeFunc func(data []byte) (any, error)

// Global registries map event types to their serialization functions.
var (
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterSerializeFunc registers a serialization function for a given event type.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers a deserialization function for a given event type.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	deserializerRegistry[eventType] = fn
}

// SerializePayload converts a domain object into bytes using the registered serializer for its event type.
func SerializePayload(eventType events.EventType, payload any) ([]byte, error) {
	fn, ok := serializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	return fn(payload)
}

// DeserializePayload converts bytes back into a domain object using the registered deserializer for its event type.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	fn, ok := deserializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	return fn(data)
}

func init() {
	RegisterEventSerializers()
}

// RegisterEventSerializers registers handlers for all supported outbound event types.
func RegisterEventSerializers() {
	RegisterSerializeFunc(events.EventTypeReportCompleted, serializeReport)
	RegisterDeserializeFunc(events.EventTypeReportCompleted, deserializeReport)
}

// serializeReport encodes a fleet.Report in the flat report schema.
func serializeReport(payload any) ([]byte, error) {
	var r fleet.Report
	switch p := payload.(type) {
	case fleet.Report:
		r = p
	case *fleet.Report:
		if p == nil {
			return nil, fmt.Errorf("serializeReport: nil report")
		}
		r = *p
	default:
		return nil, fmt.Errorf("serializeReport: payload is %T, not fleet.Report", payload)
	}
	return json.Marshal(r)
}

func deserializeReport(data []byte) (any, error) {
	var r fleet.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal Report: %w", err)
	}
	return r, nil
}
