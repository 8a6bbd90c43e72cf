package projection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ledgerKey struct {
	group   string
	eventID uuid.UUID
}

// InMemoryLedger is a Ledger keeping both the read model and the consumption
// ledger in memory.
//
// Every application works on a copy of the read model, swapped in only
// if the apply function succeeds, so that a failed application leaves
// neither a partial read model update nor a ledger entry behind.
type InMemoryLedger[RM any] struct {
	mx      sync.Mutex
	model   RM
	clone   func(RM) RM
	entries map[ledgerKey]LedgerEntry
	now     func() time.Time
}

var _ Ledger[*struct{}] = new(InMemoryLedger[struct{}])

// NewInMemoryLedger creates a new InMemoryLedger over the initial read model.
// The clone function must return a deep copy of the read model.
func NewInMemoryLedger[RM any](initial RM, clone func(RM) RM) *InMemoryLedger[RM] {
	return &InMemoryLedger[RM]{
		model:   initial,
		clone:   clone,
		entries: make(map[ledgerKey]LedgerEntry),
		now:     time.Now,
	}
}

// Run implements the projection.Ledger interface, where the unit of work
// is a pointer to a copy of the read model.
func (l *InMemoryLedger[RM]) Run(
	ctx context.Context,
	group string,
	eventID uuid.UUID,
	apply func(ctx context.Context, tx *RM) error,
) (bool, error) {
	l.mx.Lock()
	defer l.mx.Unlock()

	key := ledgerKey{group: group, eventID: eventID}
	if _, ok := l.entries[key]; ok {
		return false, nil
	}

	draft := l.clone(l.model)

	if err := apply(ctx, &draft); err != nil {
		return false, fmt.Errorf("projection.InMemoryLedger: failed to apply event %s, %w", eventID, err)
	}

	l.model = draft
	l.entries[key] = LedgerEntry{ConsumerGroup: group, EventID: eventID, ProcessedAt: l.now().UTC()}

	return true, nil
}

// ReadModel returns a copy of the current read model.
func (l *InMemoryLedger[RM]) ReadModel() RM {
	l.mx.Lock()
	defer l.mx.Unlock()

	return l.clone(l.model)
}

// Entries returns the ledger entries of the consumer group, ordered by processing time.
func (l *InMemoryLedger[RM]) Entries(group string) []LedgerEntry {
	l.mx.Lock()
	defer l.mx.Unlock()

	var entries []LedgerEntry

	for key, entry := range l.entries {
		if key.group == group {
			entries = append(entries, entry)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ProcessedAt.Before(entries[j].ProcessedAt)
	})

	return entries
}
