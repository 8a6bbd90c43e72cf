// Package version contains the types used to address positions inside
// an Event Stream and to perform optimistic concurrency checks on it.
package version

import "strconv"

// Version is the sequence number of a Domain Event inside its Event Stream.
//
// The first Event appended to a Stream has Version 0, and every following
// Event increments the Version by one, with no gaps.
type Version int64

// Unset is the Version of an Event Stream that holds no Events yet.
const Unset Version = -1

// Next returns the Version following v.
func (v Version) Next() Version { return v + 1 }

// IsUnset reports whether v is the Version of an empty Event Stream.
func (v Version) IsUnset() bool { return v <= Unset }

func (v Version) String() string {
	if v.IsUnset() {
		return "unset"
	}

	return strconv.FormatInt(int64(v), 10)
}
