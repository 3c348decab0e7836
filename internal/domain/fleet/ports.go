package fleet

import "context"

// DriverStore holds the latest Driver per driver_id.
type DriverStore interface {
	Upsert(d Driver)
	Get(driverID string) (Driver, bool)
}

// TruckStore holds the latest Truck per truck_id.
type TruckStore interface {
	Upsert(t Truck)
	Get(truckID string) (Truck, bool)
}

// TimeAggregateStore holds a TimeAggregate per driver_id.
type TimeAggregateStore interface {
	// Upsert merges the marker into the driver's aggregate and returns the
	// resulting aggregate. A truck conflict leaves the aggregate unchanged.
	Upsert(m TimeMarker) (TimeAggregate, error)
	Get(driverID string) (TimeAggregate, bool)
	// ScanForReference returns a driver whose populated slots carry truckID.
	ScanForReference(truckID string) (string, bool)
	// ScanForReferences returns every driver whose populated slots carry
	// truckID, drivers with a complete aggregate first.
	ScanForReferences(truckID string) []string
	// DeleteIfUnchanged removes the driver's aggregate only if it still
	// equals snapshot.
	DeleteIfUnchanged(driverID string, snapshot TimeAggregate) bool
}

// PositionAggregateStore holds a PositionAggregate per truck_id.
type PositionAggregateStore interface {
	Upsert(m PositionMarker) (PositionAggregate, error)
	Get(truckID string) (PositionAggregate, bool)
	DeleteIfUnchanged(truckID string, snapshot PositionAggregate) bool
}

// SessionLedger records sessions whose Report has been emitted.
type SessionLedger interface {
	// SeenAndRecord atomically checks whether key was recorded and records
	// it if not. It returns true if key was already present.
	SeenAndRecord(ctx context.Context, key SessionKey) (bool, error)
	// Unrecord releases a key whose emission failed.
	Unrecord(ctx context.Context, key SessionKey) error
}

// ReportEmitter publishes a completed Report.
type ReportEmitter interface {
	Emit(ctx context.Context, r Report) error
}
