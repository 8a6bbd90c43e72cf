package snapshot

import "github.com/commonground/eventline/version"

// DefaultInterval is the number of Events between two Snapshots
// used when no Policy is specified.
const DefaultInterval = 100

// Policy advises on the frequency of the snapshots to take.
//
// last is the Version of the latest Snapshot, or version.Unset if there is none.
type Policy interface {
	ShouldSnapshot(last, current version.Version) bool
}

// PolicyFunc is a functional implementation of the Policy interface.
type PolicyFunc func(last, current version.Version) bool

// ShouldSnapshot implements the snapshot.Policy interface.
func (fn PolicyFunc) ShouldSnapshot(last, current version.Version) bool { return fn(last, current) }

// Never is a Policy that never signals to take snapshots.
var Never = PolicyFunc(func(version.Version, version.Version) bool { return false })

// Always is a Policy that signals to take a snapshot on every new Version.
var Always = PolicyFunc(func(last, current version.Version) bool { return current > last })

// Interval is a Policy that signals to take a snapshot once at least
// the specified number of Events have been appended since the last one.
//
// With no previous snapshot, the first one is taken once the Stream holds
// at least Interval Events.
type Interval int64

// ShouldSnapshot returns true when current - last >= Interval.
func (i Interval) ShouldSnapshot(last, current version.Version) bool {
	if i <= 0 {
		return false
	}

	return int64(current-last) >= int64(i)
}
