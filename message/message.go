// Package message exposes the free-form Metadata attached to messages
// exchanged in the system (e.g. Events appended to a Stream, or
// delivered through the Event Bus).
package message

import "maps"

// Metadata contains some data related to a Message that are not functional
// for the Message itself, but instead functioning as supporting information
// to provide additional context.
type Metadata map[string]string

// With returns a new Metadata reference holding the value addressed using
// the specified key.
func (m Metadata) With(key, value string) Metadata {
	if m == nil {
		m = make(Metadata)
	}

	m[key] = value

	return m
}

// Merge merges the other Metadata provided in input with the current map.
// Returns a pointer to the extended metadata map.
func (m Metadata) Merge(other Metadata) Metadata {
	if m == nil {
		return other.Clone()
	}

	maps.Copy(m, other)

	return m
}

// Clone returns a copy of the Metadata that does not share memory with m.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}

	return maps.Clone(m)
}
