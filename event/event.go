// Package event contains the Event Record model, the Event Store client
// interfaces and the in-memory and retrying implementations of it.
package event

import (
	"bytes"
	"time"

	"github.com/google/uuid"

	"github.com/commonground/eventline/message"
	"github.com/commonground/eventline/version"
)

// StreamID identifies an Event Stream, usually the Aggregate type followed
// by the Aggregate id (e.g. "post-5ac2...").
type StreamID string

// CurrentSchemaVersion is used for Records that do not specify a schema version.
const CurrentSchemaVersion = 1

// Metadata contains the tracing and provenance information of a Record.
type Metadata struct {
	// CorrelationID is propagated unchanged across a causal chain of Events.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID is the id of the Event (or request) that caused this one.
	CausationID string `json:"causationId,omitempty"`

	// Source is the name of the producing service.
	Source string `json:"source,omitempty"`

	OccurredAt    time.Time        `json:"occurredAt"`
	SchemaVersion int              `json:"schemaVersion"`
	Extra         message.Metadata `json:"extra,omitempty"`
}

// Record is an immutable Domain Event, the unit of fact stored in an Event Stream.
//
// SequenceNumber and GlobalPosition are assigned by the Event Store
// at append time; values set by the producer are ignored.
type Record struct {
	ID             uuid.UUID       `json:"id"`
	StreamID       StreamID        `json:"streamId"`
	SequenceNumber version.Version `json:"sequenceNumber"`
	GlobalPosition uint64          `json:"globalPosition"`
	Type           string          `json:"type"`
	Payload        []byte          `json:"payload,omitempty"`
	Metadata       Metadata        `json:"metadata"`
}

// New creates a new Record of the specified type, with a fresh id.
//
// OccurredAt and SchemaVersion are defaulted if left empty in metadata.
func New(eventType string, payload []byte, metadata Metadata) Record {
	if metadata.OccurredAt.IsZero() {
		metadata.OccurredAt = time.Now().UTC()
	}

	if metadata.SchemaVersion == 0 {
		metadata.SchemaVersion = CurrentSchemaVersion
	}

	return Record{
		ID:             uuid.New(),
		SequenceNumber: version.Unset,
		Type:           eventType,
		Payload:        payload,
		Metadata:       metadata,
	}
}

// Clone returns a deep copy of the Record, so that stores never share
// mutable memory with their callers.
func (r Record) Clone() Record {
	clone := r
	clone.Payload = bytes.Clone(r.Payload)
	clone.Metadata.Extra = r.Metadata.Extra.Clone()

	return clone
}

// Persisted reports whether the Record has been assigned a position by an Event Store.
func (r Record) Persisted() bool { return r.GlobalPosition > 0 }
