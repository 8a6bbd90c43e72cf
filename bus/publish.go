package bus

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/version"
)

// Publisher is the publishing side of the Bus.
type Publisher interface {
	Publish(ctx context.Context, record event.Record, groups ...string) (bool, error)
}

// AppendAndPublish appends the Records to the Event Stream and then publishes
// them, in order, to the consumer groups interested in them.
//
// If publishing fails the Records are already stored: calling Publish again
// with the returned Records is safe, since the Queue ignores duplicates.
func AppendAndPublish(
	ctx context.Context,
	store event.Appender,
	publisher Publisher,
	id event.StreamID,
	expected version.Check,
	records ...event.Record,
) ([]event.Record, error) {
	records = slices.Clone(records)

	for i := range records {
		if records[i].ID == uuid.Nil {
			records[i].ID = uuid.New()
		}
	}

	v, err := store.Append(ctx, id, expected, records...)
	if err != nil {
		return nil, fmt.Errorf("bus.AppendAndPublish: failed to append events, %w", err)
	}

	first := v - version.Version(len(records)) + 1

	for i := range records {
		records[i].StreamID = id
		records[i].SequenceNumber = first + version.Version(i)

		if _, err := publisher.Publish(ctx, records[i]); err != nil {
			return records, fmt.Errorf("bus.AppendAndPublish: failed to publish event %d of %d, %w", i+1, len(records), err)
		}
	}

	return records, nil
}

// PublishingAppender is an event.Appender wrapper that publishes the Records
// once appended, e.g. to deliver the Events saved by an Aggregate Repository.
type PublishingAppender struct {
	event.Appender

	Publisher Publisher
}

// Append appends the Records through AppendAndPublish. When publishing fails
// the new Stream version is returned along with the error: the Records are
// stored, and can be published again.
func (a PublishingAppender) Append(
	ctx context.Context,
	id event.StreamID,
	expected version.Check,
	records ...event.Record,
) (version.Version, error) {
	if len(records) == 0 {
		return a.Appender.Append(ctx, id, expected)
	}

	published, err := AppendAndPublish(ctx, a.Appender, a.Publisher, id, expected, records...)
	if published == nil {
		return version.Unset, err
	}

	return published[len(published)-1].SequenceNumber, err
}
