// Package fleet models the delivery workflow: driver and truck identities,
// duty-cycle time markers, vehicle positions, the per-key aggregates built
// from them and the denormalized Report emitted once a work session is
// complete.
package fleet
