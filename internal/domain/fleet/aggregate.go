package fleet

import "fmt"

// TimeSlot is a filled slot of a TimeAggregate.
type TimeSlot struct {
	Timestamp string
	TruckID   string
}

// TimeAggregate collects a driver's start/rest/end markers. Slots are
// replaced, never mutated in place, so copies of an aggregate are safe to
// hand out.
type TimeAggregate struct {
	DriverID string
	Start    *TimeSlot
	Rest     *TimeSlot
	End      *TimeSlot
}

// NewTimeAggregate returns an empty aggregate for driverID.
func NewTimeAggregate(driverID string) TimeAggregate {
	return TimeAggregate{DriverID: driverID}
}

// Slot returns the content of slot s, or nil if it is empty.
func (a TimeAggregate) Slot(s Slot) *TimeSlot {
	switch s {
	case SlotStart:
		return a.Start
	case SlotRest:
		return a.Rest
	case SlotEnd:
		return a.End
	default:
		return nil
	}
}

// Complete reports whether start, rest and end are all present.
func (a TimeAggregate) Complete() bool {
	return a.Start != nil && a.Rest != nil && a.End != nil
}

// Empty reports whether no slot is populated.
func (a TimeAggregate) Empty() bool {
	return a.Start == nil && a.Rest == nil && a.End == nil
}

// TruckID returns the truck bound to the session: the truck of the first
// populated slot in start, rest, end order.
func (a TimeAggregate) TruckID() (string, bool) {
	for _, s := range []*TimeSlot{a.Start, a.Rest, a.End} {
		if s != nil {
			return s.TruckID, true
		}
	}
	return "", false
}

// Fill applies a marker to its slot, overwriting any prior value of that
// slot. The first truck seen for a session wins: a marker referencing a
// different truck than the bound one is rejected with ErrTruckConflict and
// leaves the aggregate untouched.
func (a *TimeAggregate) Fill(m TimeMarker) error {
	if bound, ok := a.TruckID(); ok && bound != m.TruckID {
		return fmt.Errorf("%w: driver %s bound to truck %s, marker %s references %s",
			ErrTruckConflict, a.DriverID, bound, m.Slot, m.TruckID)
	}

	slot := &TimeSlot{Timestamp: m.Timestamp, TruckID: m.TruckID}
	switch m.Slot {
	case SlotStart:
		a.Start = slot
	case SlotRest:
		a.Rest = slot
	case SlotEnd:
		a.End = slot
	default:
		return fmt.Errorf("%w: unknown slot %q", ErrIncompleteEvent, m.Slot)
	}
	return nil
}

// Equal reports whether both aggregates hold the same slot values.
func (a TimeAggregate) Equal(b TimeAggregate) bool {
	return a.DriverID == b.DriverID &&
		timeSlotEqual(a.Start, b.Start) &&
		timeSlotEqual(a.Rest, b.Rest) &&
		timeSlotEqual(a.End, b.End)
}

func timeSlotEqual(a, b *TimeSlot) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// PositionSlot is a filled slot of a PositionAggregate.
type PositionSlot struct {
	Latitude  float64
	Longitude float64
	Timestamp string
}

// PositionAggregate collects a truck's start/rest/end positions.
type PositionAggregate struct {
	TruckID string
	Start   *PositionSlot
	Rest    *PositionSlot
	End     *PositionSlot
}

// NewPositionAggregate returns an empty aggregate for truckID.
func NewPositionAggregate(truckID string) PositionAggregate {
	return PositionAggregate{TruckID: truckID}
}

// Slot returns the content of slot s, or nil if it is empty.
func (a PositionAggregate) Slot(s Slot) *PositionSlot {
	switch s {
	case SlotStart:
		return a.Start
	case SlotRest:
		return a.Rest
	case SlotEnd:
		return a.End
	default:
		return nil
	}
}

// Complete reports whether start, rest and end are all present.
func (a PositionAggregate) Complete() bool {
	return a.Start != nil && a.Rest != nil && a.End != nil
}

// Empty reports whether no slot is populated.
func (a PositionAggregate) Empty() bool {
	return a.Start == nil && a.Rest == nil && a.End == nil
}

// Fill applies a marker to its slot, overwriting any prior value.
func (a *PositionAggregate) Fill(m PositionMarker) error {
	slot := &PositionSlot{Latitude: m.Latitude, Longitude: m.Longitude, Timestamp: m.Timestamp}
	switch m.Slot {
	case SlotStart:
		a.Start = slot
	case SlotRest:
		a.Rest = slot
	case SlotEnd:
		a.End = slot
	default:
		return fmt.Errorf("%w: unknown slot %q", ErrIncompleteEvent, m.Slot)
	}
	return nil
}

// Equal reports whether both aggregates hold the same slot values.
func (a PositionAggregate) Equal(b PositionAggregate) bool {
	return a.TruckID == b.TruckID &&
		positionSlotEqual(a.Start, b.Start) &&
		positionSlotEqual(a.Rest, b.Rest) &&
		positionSlotEqual(a.End, b.End)
}

func positionSlotEqual(a, b *PositionSlot) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
