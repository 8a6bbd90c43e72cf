package event

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/commonground/eventline/health"
	"github.com/commonground/eventline/version"
)

// Interface implementation assertion.
var (
	_ Store     = new(InMemoryStore)
	_ Truncater = new(InMemoryStore)
)

type inMemoryStream struct {
	version version.Version
	records []Record
}

// InMemoryStore is a thread-safe, in-memory event.Store implementation.
//
// Records are copied on the way in and on the way out.
type InMemoryStore struct {
	mx      sync.RWMutex
	streams map[StreamID]*inMemoryStream
	global  []Record
	ids     map[uuid.UUID]struct{}
	lastPos uint64
}

// NewInMemoryStore creates a new event.InMemoryStore instance.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		mx:      sync.RWMutex{},
		streams: make(map[StreamID]*inMemoryStream),
		ids:     make(map[uuid.UUID]struct{}),
	}
}

func contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("event.InMemoryStore: context error, %w", err)
	}

	return nil
}

func (es *InMemoryStore) currentVersion(id StreamID) version.Version {
	if stream, ok := es.streams[id]; ok {
		return stream.version
	}

	return version.Unset
}

// Append inserts the specified Domain Events into the Event Stream,
// returning the sequence number of the last appended Record.
//
// An instance of `version.ConflictError` will be returned if the optimistic locking
// version check fails against the current version of the Event Stream.
func (es *InMemoryStore) Append(
	ctx context.Context,
	id StreamID,
	expected version.Check,
	records ...Record,
) (version.Version, error) {
	if err := contextErr(ctx); err != nil {
		return version.Unset, err
	}

	if err := ValidateRecords(records); err != nil {
		return version.Unset, fmt.Errorf("event.InMemoryStore: failed to append events, %w", err)
	}

	es.mx.Lock()
	defer es.mx.Unlock()

	current := es.currentVersion(id)

	if err := version.Verify(expected, current); err != nil {
		return version.Unset, fmt.Errorf("event.InMemoryStore: failed to append events, %w", err)
	}

	if len(records) == 0 {
		return current, nil
	}

	batch := make(map[uuid.UUID]struct{}, len(records))
	stamped := make([]Record, 0, len(records))

	for i, record := range records {
		record = record.Clone()

		if record.ID == uuid.Nil {
			record.ID = uuid.New()
		}

		_, stored := es.ids[record.ID]
		_, repeated := batch[record.ID]

		if stored || repeated {
			return version.Unset, fmt.Errorf("event.InMemoryStore: failed to append events, %w: %s", ErrDuplicateEvent, record.ID)
		}

		batch[record.ID] = struct{}{}

		record.StreamID = id
		record.SequenceNumber = current + version.Version(i) + 1
		record.GlobalPosition = es.lastPos + uint64(i) + 1

		stamped = append(stamped, record)
	}

	stream, ok := es.streams[id]
	if !ok {
		stream = &inMemoryStream{version: version.Unset}
		es.streams[id] = stream
	}

	for recordID := range batch {
		es.ids[recordID] = struct{}{}
	}

	stream.records = append(stream.records, stamped...)
	stream.version = stamped[len(stamped)-1].SequenceNumber
	es.global = append(es.global, stamped...)
	es.lastPos += uint64(len(stamped))

	return stream.version, nil
}

func cloneAll(records []Record, maxCount int) []Record {
	if maxCount > 0 && len(records) > maxCount {
		records = records[:maxCount]
	}

	result := make([]Record, 0, len(records))
	for _, record := range records {
		result = append(result, record.Clone())
	}

	return result
}

// ReadStream returns the Records of the Event Stream starting from the specified
// sequence number, up to maxCount Records.
func (es *InMemoryStore) ReadStream(
	ctx context.Context,
	id StreamID,
	from version.Version,
	maxCount int,
) ([]Record, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}

	es.mx.RLock()
	defer es.mx.RUnlock()

	stream, ok := es.streams[id]
	if !ok {
		return nil, nil
	}

	start, _ := slices.BinarySearchFunc(stream.records, from, func(r Record, v version.Version) int {
		return cmp.Compare(r.SequenceNumber, v)
	})

	return cloneAll(stream.records[start:], maxCount), nil
}

// ReadAll returns the Records of all Event Streams starting from the specified
// global position, up to maxCount Records.
func (es *InMemoryStore) ReadAll(ctx context.Context, from uint64, maxCount int) ([]Record, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}

	es.mx.RLock()
	defer es.mx.RUnlock()

	start, _ := slices.BinarySearchFunc(es.global, from, func(r Record, pos uint64) int {
		return cmp.Compare(r.GlobalPosition, pos)
	})

	return cloneAll(es.global[start:], maxCount), nil
}

// Truncate drops the Records of the Event Stream with sequence number
// lower than the specified one.
func (es *InMemoryStore) Truncate(ctx context.Context, id StreamID, before version.Version) error {
	if err := contextErr(ctx); err != nil {
		return err
	}

	es.mx.Lock()
	defer es.mx.Unlock()

	stream, ok := es.streams[id]
	if !ok {
		return nil
	}

	if before > stream.version.Next() {
		return fmt.Errorf("event.InMemoryStore: failed to truncate stream %s, %w: %s is past version %s",
			id, ErrInvalidBoundary, before, stream.version)
	}

	stream.records = slices.DeleteFunc(stream.records, func(r Record) bool {
		return r.SequenceNumber < before
	})

	es.global = slices.DeleteFunc(es.global, func(r Record) bool {
		return r.StreamID == id && r.SequenceNumber < before
	})

	return nil
}

// HealthCheck always reports the InMemoryStore as healthy.
func (es *InMemoryStore) HealthCheck(context.Context) health.Report {
	es.mx.RLock()
	defer es.mx.RUnlock()

	return health.OK(map[string]string{
		"backend": "inmemory",
		"streams": strconv.Itoa(len(es.streams)),
	})
}
