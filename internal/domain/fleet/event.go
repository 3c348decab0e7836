package fleet

// Slot names one of the three duty-cycle positions within an aggregate.
type Slot string

const (
	SlotStart Slot = "start"
	SlotRest  Slot = "rest"
	SlotEnd   Slot = "end"
)

// ParseSlot maps a discriminant value to a Slot.
func ParseSlot(s string) (Slot, bool) {
	switch Slot(s) {
	case SlotStart, SlotRest, SlotEnd:
		return Slot(s), true
	default:
		return "", false
	}
}

// String returns the string representation of the Slot.
func (s Slot) String() string { return string(s) }

// Stream identifies the inbound topic family an event arrived on. Time and
// position markers share discriminant values, so the stream decides how a
// payload is read.
type Stream string

const (
	StreamEntity   Stream = "entity"
	StreamTime     Stream = "time"
	StreamPosition Stream = "position"
)

// String returns the string representation of the Stream.
func (s Stream) String() string { return string(s) }

// EventKind tags each variant of Event.
type EventKind string

const (
	EventKindDriver     EventKind = "driver"
	EventKindTruck      EventKind = "truck"
	EventKindTimeMarker EventKind = "time_marker"
	EventKindPosition   EventKind = "position"
)

// Event is the closed set of typed inbound events. Only the types in this
// package implement it.
type Event interface {
	Kind() EventKind
	// Key returns the entity key the event updates.
	Key() PartialKey
	isEvent()
}

// Driver identifies a driver.
type Driver struct {
	DriverID  string
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

func (Driver) Kind() EventKind   { return EventKindDriver }
func (d Driver) Key() PartialKey { return DriverKey(d.DriverID) }
func (Driver) isEvent()          {}

// Truck identifies a truck by its plate.
type Truck struct {
	TruckID         string
	Immatriculation string
}

func (Truck) Kind() EventKind   { return EventKindTruck }
func (t Truck) Key() PartialKey { return TruckKey(t.TruckID) }
func (Truck) isEvent()          {}

// TimeMarker records a duty-cycle instant for a driver. TruckID is the
// evidence binding the driver to a truck for the session.
type TimeMarker struct {
	Slot      Slot
	DriverID  string
	TruckID   string
	Timestamp string
}

func (TimeMarker) Kind() EventKind   { return EventKindTimeMarker }
func (m TimeMarker) Key() PartialKey { return DriverKey(m.DriverID) }
func (TimeMarker) isEvent()          {}

// PositionMarker records where a truck was at a duty-cycle instant.
type PositionMarker struct {
	Slot      Slot
	TruckID   string
	Latitude  float64
	Longitude float64
	Timestamp string
}

func (PositionMarker) Kind() EventKind   { return EventKindPosition }
func (m PositionMarker) Key() PartialKey { return TruckKey(m.TruckID) }
func (PositionMarker) isEvent()          {}

// KeyKind says which half of the join key a PartialKey carries.
type KeyKind int

const (
	KeyKindDriver KeyKind = iota + 1
	KeyKindTruck
)

// String returns the string representation of the KeyKind.
func (k KeyKind) String() string {
	switch k {
	case KeyKindDriver:
		return "driver"
	case KeyKindTruck:
		return "truck"
	default:
		return "unknown"
	}
}

// PartialKey is one half of the (driver_id, truck_id) join key, as touched
// by a single store update.
type PartialKey struct {
	Kind KeyKind
	ID   string
}

// DriverKey builds a driver-keyed PartialKey.
func DriverKey(id string) PartialKey { return PartialKey{Kind: KeyKindDriver, ID: id} }

// TruckKey builds a truck-keyed PartialKey.
func TruckKey(id string) PartialKey { return PartialKey{Kind: KeyKindTruck, ID: id} }
