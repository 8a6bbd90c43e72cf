package correlation

import (
	"context"
	"slices"

	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/version"
)

var _ event.Appender = Appender{}

// Appender is an event.Appender wrapper that stamps the correlation and
// causation ids found in the context on the Records that have none.
//
// When the context carries no correlation id, a new chain is started with
// a generated id, that is also used as causation id.
type Appender struct {
	event.Appender

	Generator Generator
}

// NewAppender wraps the provided event.Appender.
func NewAppender(appender event.Appender, generator Generator) Appender {
	if generator == nil {
		generator = UUIDGenerator
	}

	return Appender{Appender: appender, Generator: generator}
}

// WrapStore returns an event.Store whose appends are stamped by an Appender.
func WrapStore(store event.Store, generator Generator) event.Store {
	return event.FusedStore{
		Appender:     NewAppender(store, generator),
		StreamReader: store,
		AllReader:    store,
		Checker:      store,
	}
}

// Append stamps the Records and forwards them to the wrapped event.Appender.
func (a Appender) Append(
	ctx context.Context,
	id event.StreamID,
	expected version.Check,
	records ...event.Record,
) (version.Version, error) {
	correlationID, ok := CorrelationID(ctx)
	if !ok {
		correlationID = a.generate()
	}

	causationID, ok := CausationID(ctx)
	if !ok {
		causationID = correlationID
	}

	records = slices.Clone(records)

	for i := range records {
		if records[i].Metadata.CorrelationID == "" {
			records[i].Metadata.CorrelationID = correlationID
		}

		if records[i].Metadata.CausationID == "" {
			records[i].Metadata.CausationID = causationID
		}
	}

	return a.Appender.Append(ctx, id, expected, records...)
}

func (a Appender) generate() string {
	if a.Generator == nil {
		return UUIDGenerator()
	}

	return a.Generator()
}
