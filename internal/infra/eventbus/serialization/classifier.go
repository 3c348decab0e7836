package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/fleet-merger/internal/domain/fleet"
	serrors "github.com/ahrav/fleet-merger/internal/infra/eventbus/serialization/errors"
)

// discriminantField is the attribute selecting the event variant.
const discriminantField = "type_"

type driverPayload struct {
	DriverID  string `json:"driver_id" validate:"required"`
	FirstName string `json:"first_name" validate:"required"`
	LastName  string `json:"last_name" validate:"required"`
	Email     string `json:"email" validate:"required"`
	Phone     string `json:"phone" validate:"required"`
}

type truckPayload struct {
	TruckID         string `json:"truck_id" validate:"required"`
	Immatriculation string `json:"immatriculation" validate:"required"`
}

type timeMarkerPayload struct {
	Timestamp string `json:"timestamp" validate:"required"`
	DriverID  string `json:"driver_id" validate:"required"`
	TruckID   string `json:"truck_id" validate:"required"`
}

// Coordinates are pointers so that 0.0 remains a valid value while an absent
// attribute is still detected.
type positionPayload struct {
	TruckID   string   `json:"truck_id" validate:"required"`
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
	Timestamp string   `json:"timestamp" validate:"required"`
}

// Classifier turns raw topic payloads into typed fleet events. It is
// stateless and safe for concurrent use.
type Classifier struct {
	validate *validator.Validate
}

// NewClassifier creates a Classifier whose validation errors report JSON
// attribute names.
func NewClassifier() *Classifier {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Classifier{validate: v}
}

// Classify parses payload as read from stream. Errors wrap
// fleet.ErrMalformedPayload, fleet.ErrUnknownEvent or fleet.ErrIncompleteEvent;
// no partially built event is ever returned.
func (c *Classifier) Classify(stream fleet.Stream, payload []byte) (fleet.Event, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", fleet.ErrMalformedPayload, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document is null", fleet.ErrMalformedPayload)
	}

	disc, err := discriminant(stream, doc)
	if err != nil {
		return nil, err
	}

	switch stream {
	case fleet.StreamEntity:
		switch disc {
		case "driver":
			var p driverPayload
			if err := c.decode(fleet.EventKindDriver, payload, &p); err != nil {
				return nil, err
			}
			return fleet.Driver{
				DriverID:  p.DriverID,
				FirstName: p.FirstName,
				LastName:  p.LastName,
				Email:     p.Email,
				Phone:     p.Phone,
			}, nil
		case "truck":
			var p truckPayload
			if err := c.decode(fleet.EventKindTruck, payload, &p); err != nil {
				return nil, err
			}
			return fleet.Truck{TruckID: p.TruckID, Immatriculation: p.Immatriculation}, nil
		}

	case fleet.StreamTime:
		if slot, ok := fleet.ParseSlot(disc); ok {
			var p timeMarkerPayload
			if err := c.decode(fleet.EventKindTimeMarker, payload, &p); err != nil {
				return nil, err
			}
			return fleet.TimeMarker{
				Slot:      slot,
				DriverID:  p.DriverID,
				TruckID:   p.TruckID,
				Timestamp: p.Timestamp,
			}, nil
		}

	case fleet.StreamPosition:
		if slot, ok := fleet.ParseSlot(disc); ok {
			var p positionPayload
			if err := c.decode(fleet.EventKindPosition, payload, &p); err != nil {
				return nil, err
			}
			return fleet.PositionMarker{
				Slot:      slot,
				TruckID:   p.TruckID,
				Latitude:  *p.Latitude,
				Longitude: *p.Longitude,
				Timestamp: p.Timestamp,
			}, nil
		}
	}

	return nil, serrors.ErrUnknownDiscriminant{Stream: stream, Value: disc}
}

func discriminant(stream fleet.Stream, doc map[string]json.RawMessage) (string, error) {
	raw, ok := doc[discriminantField]
	if !ok {
		return "", serrors.ErrUnknownDiscriminant{Stream: stream}
	}
	var disc string
	if err := json.Unmarshal(raw, &disc); err != nil || disc == "" {
		return "", serrors.ErrUnknownDiscriminant{Stream: stream, Value: strings.Trim(string(raw), `"`)}
	}
	return disc, nil
}

// decode unmarshals payload into dst and enforces its required attributes.
func (c *Classifier) decode(kind fleet.EventKind, payload []byte, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return serrors.ErrWrongType{
				Kind:  kind,
				Field: typeErr.Field,
				Want:  typeErr.Type.String(),
				Got:   typeErr.Value,
			}
		}
		return fmt.Errorf("%w: %v", fleet.ErrMalformedPayload, err)
	}

	if err := c.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return serrors.ErrMissingField{Kind: kind, Field: verrs[0].Field()}
		}
		return fmt.Errorf("%w: %v", fleet.ErrIncompleteEvent, err)
	}
	return nil
}
