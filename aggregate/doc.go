// Package aggregate contains the Aggregate Repository, that loads the current
// state of an Aggregate by folding its Event Stream (starting from the latest
// Snapshot, if any), and saves new Domain Events with optimistic concurrency.
//
// Aggregate state types are plain values: all the state transitions are pure
// fold functions registered on the aggregate.Type, one per Event type.
package aggregate
