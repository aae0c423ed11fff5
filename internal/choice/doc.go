// Package choice defines the collective choice domain model.
//
// The package is intentionally free of storage and transport concerns: a
// CollectiveState is a value, mutations return new values, and aggregation
// is a pure derivation. Stores persist whole CollectiveState records and
// the realtime layer derives per-session views from them.
package choice
