package event

import (
	"context"
	"sync"

	"github.com/commonground/eventline/version"
)

// TrackingStore is an Event Store wrapper to track the Records
// committed to the inner Event Store.
//
// Useful for tests assertion.
type TrackingStore struct {
	Appender

	mx       sync.RWMutex
	recorded []Record
}

// NewTrackingStore wraps an Event Store to capture events that get
// appended to it.
func NewTrackingStore(appender Appender) *TrackingStore {
	return &TrackingStore{Appender: appender}
}

// Recorded returns the list of Records that have been appended
// to the Event Store, with the Stream id and sequence number assigned.
//
// The global position is not known to the TrackingStore and is left empty.
func (es *TrackingStore) Recorded() []Record {
	es.mx.RLock()
	defer es.mx.RUnlock()

	return append([]Record(nil), es.recorded...)
}

// Append forwards the call to the wrapped Event Store instance and,
// if the operation concludes successfully, records these events internally.
func (es *TrackingStore) Append(
	ctx context.Context,
	id StreamID,
	expected version.Check,
	records ...Record,
) (version.Version, error) {
	es.mx.Lock()
	defer es.mx.Unlock()

	v, err := es.Appender.Append(ctx, id, expected, records...)
	if err != nil {
		return v, err
	}

	previousVersion := v - version.Version(len(records))

	for i, record := range records {
		record.StreamID = id
		record.SequenceNumber = previousVersion + version.Version(i) + 1
		es.recorded = append(es.recorded, record)
	}

	return v, nil
}
