package memory

import (
	"sync"

	"github.com/ahrav/fleet-merger/internal/domain/fleet"
)

var (
	_ fleet.DriverStore = (*DriverStore)(nil)
	_ fleet.TruckStore  = (*TruckStore)(nil)
)

// DriverStore keeps the latest Driver per driver_id.
type DriverStore struct {
	mu      sync.RWMutex
	drivers map[string]fleet.Driver
}

// NewDriverStore creates an empty DriverStore.
func NewDriverStore() *DriverStore {
	return &DriverStore{drivers: make(map[string]fleet.Driver)}
}

// Upsert stores d, replacing any previous record with the same id.
func (s *DriverStore) Upsert(d fleet.Driver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[d.DriverID] = d
}

// Get returns the stored Driver for driverID.
func (s *DriverStore) Get(driverID string) (fleet.Driver, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drivers[driverID]
	return d, ok
}

// Len returns the number of stored drivers.
func (s *DriverStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.drivers)
}

// TruckStore keeps the latest Truck per truck_id.
type TruckStore struct {
	mu     sync.RWMutex
	trucks map[string]fleet.Truck
}

// NewTruckStore creates an empty TruckStore.
func NewTruckStore() *TruckStore {
	return &TruckStore{trucks: make(map[string]fleet.Truck)}
}

// Upsert stores t, replacing any previous record with the same id.
func (s *TruckStore) Upsert(t fleet.Truck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trucks[t.TruckID] = t
}

// Get returns the stored Truck for truckID.
func (s *TruckStore) Get(truckID string) (fleet.Truck, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trucks[truckID]
	return t, ok
}

// Len returns the number of stored trucks.
func (s *TruckStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trucks)
}
