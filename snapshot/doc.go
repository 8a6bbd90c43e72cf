// Package snapshot provides support for Aggregate snapshots, useful
// where Event Streams are expected to grow considerably in number of events.
//
// A Snapshot is the serialized state of an Aggregate at a given Version, and
// is only ever used as a replay starting point: it can be deleted at any time
// without loss of information, since the Event Stream remains the source of truth.
package snapshot
