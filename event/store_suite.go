package event

import (
	"context"

	"github.com/stretchr/testify/suite"

	"github.com/commonground/eventline/version"
)

const (
	firstStream  StreamID = "first-type-my-instance"
	secondStream StreamID = "second-type-my-instance"
	thirdStream  StreamID = "third-type-my-instance"
)

func suiteRecord(eventType string, payload string) Record {
	return New(eventType, []byte(payload), Metadata{CorrelationID: "suite"})
}

// StoreSuite is a full testing suite for an event.Store instance.
type StoreSuite struct {
	suite.Suite

	storeFactory func() Store
	eventStore   Store // NOTE: this instance is initialized in SetupTest.
}

// NewStoreSuite creates a new Event Store testing suite using the provided
// event.Store type.
func NewStoreSuite(factory func() Store) *StoreSuite {
	ss := new(StoreSuite)
	ss.storeFactory = factory

	return ss
}

// SetupTest creates a new, fresh Event Store instance for each test in the suite.
func (ss *StoreSuite) SetupTest() {
	ss.eventStore = ss.storeFactory()
}

// TestAppendAndReadStream appends interleaved Records on two Streams and
// reads them back.
func (ss *StoreSuite) TestAppendAndReadStream() {
	ctx := context.Background()

	for i := range 3 {
		v, err := ss.eventStore.Append(ctx, firstStream, version.For(version.Version(i-1)),
			suiteRecord("suite.first.happened", "first"))
		ss.Require().NoError(err)
		ss.Equal(version.Version(i), v)

		v, err = ss.eventStore.Append(ctx, secondStream, version.For(version.Version(i-1)),
			suiteRecord("suite.second.happened", "second"))
		ss.Require().NoError(err)
		ss.Equal(version.Version(i), v)
	}

	records, err := ReadStreamToSlice(ctx, ss.eventStore, firstStream, 0)
	ss.Require().NoError(err)
	ss.Require().Len(records, 3)

	for i, record := range records {
		ss.Equal(firstStream, record.StreamID)
		ss.Equal(version.Version(i), record.SequenceNumber)
		ss.Equal("suite.first.happened", record.Type)
		ss.Equal([]byte("first"), record.Payload)
		ss.Equal("suite", record.Metadata.CorrelationID)
		ss.Positive(record.GlobalPosition)
	}

	tail, err := ss.eventStore.ReadStream(ctx, secondStream, 1, 1)
	ss.Require().NoError(err)
	ss.Require().Len(tail, 1)
	ss.Equal(version.Version(1), tail[0].SequenceNumber)

	outOfBounds, err := ss.eventStore.ReadStream(ctx, firstStream, 4, 0)
	ss.Require().NoError(err)
	ss.Empty(outOfBounds)

	unknown, err := ss.eventStore.ReadStream(ctx, "unknown-stream", 0, 0)
	ss.Require().NoError(err)
	ss.Empty(unknown)
}

// TestReadAll checks the global order of the Records across Streams.
func (ss *StoreSuite) TestReadAll() {
	ctx := context.Background()

	_, err := ss.eventStore.Append(ctx, firstStream, version.NoStream,
		suiteRecord("suite.first.happened", "1"),
		suiteRecord("suite.first.happened", "2"))
	ss.Require().NoError(err)

	_, err = ss.eventStore.Append(ctx, secondStream, version.NoStream,
		suiteRecord("suite.second.happened", "3"))
	ss.Require().NoError(err)

	all, err := ss.eventStore.ReadAll(ctx, 0, 0)
	ss.Require().NoError(err)
	ss.Require().Len(all, 3)

	for i := 1; i < len(all); i++ {
		ss.Greater(all[i].GlobalPosition, all[i-1].GlobalPosition)
	}

	ss.Equal([]byte("1"), all[0].Payload)
	ss.Equal([]byte("3"), all[2].Payload)

	rest, err := ss.eventStore.ReadAll(ctx, all[1].GlobalPosition, 10)
	ss.Require().NoError(err)
	ss.Require().Len(rest, 2)
	ss.Equal(all[1].ID, rest[0].ID)

	limited, err := ss.eventStore.ReadAll(ctx, 0, 1)
	ss.Require().NoError(err)
	ss.Len(limited, 1)
}

// TestOptimisticConcurrency checks the version.Check handling on append.
func (ss *StoreSuite) TestOptimisticConcurrency() {
	ctx := context.Background()

	v, err := ss.eventStore.Append(ctx, thirdStream, version.NoStream,
		suiteRecord("suite.third.created", "0"))
	ss.Require().NoError(err)
	ss.Equal(version.Version(0), v)

	// Creating the same stream twice fails.
	_, err = ss.eventStore.Append(ctx, thirdStream, version.NoStream,
		suiteRecord("suite.third.created", "0"))
	ss.Require().ErrorIs(err, version.ErrConflict)

	var conflict version.ConflictError
	ss.Require().ErrorAs(err, &conflict)
	ss.Equal(version.ConflictError{Expected: version.Unset, Actual: 0}, conflict)

	v, err = ss.eventStore.Append(ctx, thirdStream, version.CheckExact(0),
		suiteRecord("suite.third.updated", "1"))
	ss.Require().NoError(err)
	ss.Equal(version.Version(1), v)

	// A stale expected version leaves the stream unchanged.
	_, err = ss.eventStore.Append(ctx, thirdStream, version.CheckExact(0),
		suiteRecord("suite.third.updated", "stale"))
	ss.Require().ErrorAs(err, &conflict)
	ss.Equal(version.ConflictError{Expected: 0, Actual: 1}, conflict)

	records, err := ReadStreamToSlice(ctx, ss.eventStore, thirdStream, 0)
	ss.Require().NoError(err)
	ss.Len(records, 2)

	v, err = ss.eventStore.Append(ctx, thirdStream, version.Any,
		suiteRecord("suite.third.updated", "2"))
	ss.Require().NoError(err)
	ss.Equal(version.Version(2), v)

	// Appending nothing only verifies the expected version.
	v, err = ss.eventStore.Append(ctx, thirdStream, version.CheckExact(2))
	ss.Require().NoError(err)
	ss.Equal(version.Version(2), v)

	_, err = ss.eventStore.Append(ctx, "empty-stream", version.CheckExact(0))
	ss.Require().ErrorIs(err, version.ErrConflict)
}

// TestDuplicateRecord checks a Record id can only be stored once.
func (ss *StoreSuite) TestDuplicateRecord() {
	ctx := context.Background()
	record := suiteRecord("suite.first.happened", "dup")

	_, err := ss.eventStore.Append(ctx, firstStream, version.Any, record)
	ss.Require().NoError(err)

	_, err = ss.eventStore.Append(ctx, secondStream, version.Any, record)
	ss.Require().ErrorIs(err, ErrDuplicateEvent)

	records, err := ss.eventStore.ReadStream(ctx, secondStream, 0, 0)
	ss.Require().NoError(err)
	ss.Empty(records)
}

// TestInvalidRecord checks records with no type are refused.
func (ss *StoreSuite) TestInvalidRecord() {
	_, err := ss.eventStore.Append(context.Background(), firstStream, version.Any, Record{})
	ss.Require().ErrorIs(err, ErrInvalidRecord)
}

// TestHealthCheck checks a fresh Store reports itself as healthy.
func (ss *StoreSuite) TestHealthCheck() {
	report := ss.eventStore.HealthCheck(context.Background())
	ss.True(report.IsHealthy(), "details: %v", report.Details)
}
