package memory

import (
	"slices"
	"strings"
	"sync"

	"github.com/ahrav/fleet-merger/internal/domain/fleet"
)

var (
	_ fleet.TimeAggregateStore     = (*TimeAggregateStore)(nil)
	_ fleet.PositionAggregateStore = (*PositionAggregateStore)(nil)
)

// TimeAggregateStore keeps one TimeAggregate per driver_id. Aggregates are
// stored by value; callers always receive a copy.
type TimeAggregateStore struct {
	mu         sync.RWMutex
	aggregates map[string]fleet.TimeAggregate
}

// NewTimeAggregateStore creates an empty TimeAggregateStore.
func NewTimeAggregateStore() *TimeAggregateStore {
	return &TimeAggregateStore{aggregates: make(map[string]fleet.TimeAggregate)}
}

// Upsert fills the marker's slot in the driver's aggregate, creating the
// aggregate on first use. On a truck conflict the stored aggregate is left
// as is and returned together with the error.
func (s *TimeAggregateStore) Upsert(m fleet.TimeMarker) (fleet.TimeAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.aggregates[m.DriverID]
	if !ok {
		agg = fleet.NewTimeAggregate(m.DriverID)
	}
	if err := agg.Fill(m); err != nil {
		return s.aggregates[m.DriverID], err
	}
	s.aggregates[m.DriverID] = agg
	return agg, nil
}

// Get returns the driver's aggregate.
func (s *TimeAggregateStore) Get(driverID string) (fleet.TimeAggregate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.aggregates[driverID]
	return agg, ok
}

// ScanForReference finds a driver whose aggregate is bound to truckID. It
// is the first of ScanForReferences.
func (s *TimeAggregateStore) ScanForReference(truckID string) (string, bool) {
	drivers := s.ScanForReferences(truckID)
	if len(drivers) == 0 {
		return "", false
	}
	return drivers[0], true
}

// ScanForReferences lists every driver whose aggregate is bound to truckID.
// Complete aggregates come first, then ties are broken by driver_id, so the
// order does not depend on map iteration.
func (s *TimeAggregateStore) ScanForReferences(truckID string) []string {
	type candidate struct {
		driverID string
		complete bool
	}

	s.mu.RLock()
	var found []candidate
	for driverID, agg := range s.aggregates {
		if bound, ok := agg.TruckID(); ok && bound == truckID {
			found = append(found, candidate{driverID: driverID, complete: agg.Complete()})
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(found, func(a, b candidate) int {
		if a.complete != b.complete {
			if a.complete {
				return -1
			}
			return 1
		}
		return strings.Compare(a.driverID, b.driverID)
	})

	drivers := make([]string, len(found))
	for i, c := range found {
		drivers[i] = c.driverID
	}
	return drivers
}

// DeleteIfUnchanged removes the driver's aggregate if it still equals
// snapshot. It reports whether the aggregate was removed.
func (s *TimeAggregateStore) DeleteIfUnchanged(driverID string, snapshot fleet.TimeAggregate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.aggregates[driverID]
	if !ok || !agg.Equal(snapshot) {
		return false
	}
	delete(s.aggregates, driverID)
	return true
}

// Len returns the number of live aggregates.
func (s *TimeAggregateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.aggregates)
}

// PositionAggregateStore keeps one PositionAggregate per truck_id.
type PositionAggregateStore struct {
	mu         sync.RWMutex
	aggregates map[string]fleet.PositionAggregate
}

// NewPositionAggregateStore creates an empty PositionAggregateStore.
func NewPositionAggregateStore() *PositionAggregateStore {
	return &PositionAggregateStore{aggregates: make(map[string]fleet.PositionAggregate)}
}

// Upsert fills the marker's slot in the truck's aggregate.
func (s *PositionAggregateStore) Upsert(m fleet.PositionMarker) (fleet.PositionAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.aggregates[m.TruckID]
	if !ok {
		agg = fleet.NewPositionAggregate(m.TruckID)
	}
	if err := agg.Fill(m); err != nil {
		return s.aggregates[m.TruckID], err
	}
	s.aggregates[m.TruckID] = agg
	return agg, nil
}

// Get returns the truck's aggregate.
func (s *PositionAggregateStore) Get(truckID string) (fleet.PositionAggregate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.aggregates[truckID]
	return agg, ok
}

// DeleteIfUnchanged removes the truck's aggregate if it still equals snapshot.
func (s *PositionAggregateStore) DeleteIfUnchanged(truckID string, snapshot fleet.PositionAggregate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.aggregates[truckID]
	if !ok || !agg.Equal(snapshot) {
		return false
	}
	delete(s.aggregates, truckID)
	return true
}

// Len returns the number of live aggregates.
func (s *PositionAggregateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.aggregates)
}
