package projection

import (
	"context"
	"fmt"

	"github.com/commonground/eventline/event"
)

// EventHandler handles a single Event, like a bus.Handler or a Projector.
type EventHandler interface {
	Handle(ctx context.Context, record event.Record) error
}

// Rebuild replays all the Events of the Event Store, in global order and
// starting from the specified position, through the handler.
//
// It returns the position following the last handled Event, to resume
// the replay from. Feeding a Projector makes the replay idempotent.
func Rebuild(ctx context.Context, reader event.AllReader, from uint64, pageSize int, handler EventHandler) (uint64, error) {
	if pageSize <= 0 {
		pageSize = event.DefaultPageSize
	}

	for {
		records, err := reader.ReadAll(ctx, from, pageSize)
		if err != nil {
			return from, fmt.Errorf("projection.Rebuild: failed to read events from %d, %w", from, err)
		}

		for _, record := range records {
			if err := handler.Handle(ctx, record); err != nil {
				return from, fmt.Errorf("projection.Rebuild: failed to handle event at %d, %w", record.GlobalPosition, err)
			}

			from = record.GlobalPosition + 1
		}

		if len(records) < pageSize {
			return from, nil
		}
	}
}
