// Package memory provides in-process implementations of the fleet stores and
// of the emitted-session ledger. Every store guards its own map with its own
// lock; no method holds a lock while calling into another store.
package memory
