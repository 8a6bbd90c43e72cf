package aggregate

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/serde"
)

// Errors returned while building an aggregate.Type or folding Events with it.
var (
	ErrUnknownEventType   = errors.New("aggregate: unknown event type")
	ErrEmptyFoldTable     = errors.New("aggregate: no event types registered")
	ErrDuplicateEventType = errors.New("aggregate: event type registered twice")
)

// FoldFunc applies a Domain Event to the current state, returning the new state.
//
// It must be deterministic and free of side effects, so that replays
// are reproducible. It may update maps or slices of the state in place
// when the state implements Cloner.
type FoldFunc[S any] func(state S, record event.Record) (S, error)

// Cloner is implemented by states holding maps or slices, whose fold
// functions update them in place. States are cloned once before folding
// Events onto a state the caller still owns, e.g. in Repository.Save.
type Cloner[S any] interface {
	Clone() S
}

// Handler is an entry of the fold table of an aggregate.Type.
type Handler[S any] struct {
	EventType string
	Fold      FoldFunc[S]
}

// On registers a fold function for the specified Event type, that receives
// the Event payload already deserialized.
func On[S any, P any](
	eventType string,
	payload serde.Deserializer[P],
	fold func(state S, payload P, record event.Record) (S, error),
) Handler[S] {
	return Handler[S]{
		EventType: eventType,
		Fold: func(state S, record event.Record) (S, error) {
			p, err := payload.Deserialize(record.Payload)
			if err != nil {
				return state, fmt.Errorf("aggregate.On: failed to deserialize %s payload, %w", eventType, err)
			}

			return fold(state, p, record)
		},
	}
}

// Type represents the type of an Aggregate: its name (used as prefix for the
// Event Stream ids), the factory for the initial state and the fold table.
type Type[S any] struct {
	name    string
	initial func() S
	state   serde.Serde[S]
	folds   map[string]FoldFunc[S]
}

// NewType creates a new Aggregate type, validating its fold table.
//
// The state serde is used for snapshots: a nil serde disables snapshots
// for the Aggregate type.
//
// Consider creating a package-level variable in the package containing
// the Aggregate, and make sure the name is unique in the system.
func NewType[S any](name string, initial func() S, state serde.Serde[S], handlers ...Handler[S]) (Type[S], error) {
	t := Type[S]{
		name:    name,
		initial: initial,
		state:   state,
		folds:   make(map[string]FoldFunc[S], len(handlers)),
	}

	if name == "" {
		return Type[S]{}, fmt.Errorf("aggregate.NewType: aggregate name is required")
	}

	if initial == nil {
		return Type[S]{}, fmt.Errorf("aggregate.NewType: initial state factory is required for %s", name)
	}

	for _, h := range handlers {
		if h.EventType == "" || h.Fold == nil {
			return Type[S]{}, fmt.Errorf("aggregate.NewType: invalid handler for %s, empty event type or fold function", name)
		}

		if _, ok := t.folds[h.EventType]; ok {
			return Type[S]{}, fmt.Errorf("aggregate.NewType: %w: %s on %s", ErrDuplicateEventType, h.EventType, name)
		}

		t.folds[h.EventType] = h.Fold
	}

	if err := t.Validate(); err != nil {
		return Type[S]{}, err
	}

	return t, nil
}

// MustType is like NewType, but panics on an invalid fold table.
// Use it for package-level variables, so that misconfigurations fail at startup.
func MustType[S any](name string, initial func() S, state serde.Serde[S], handlers ...Handler[S]) Type[S] {
	t, err := NewType(name, initial, state, handlers...)
	if err != nil {
		panic(err)
	}

	return t
}

// Validate checks the fold table is usable.
func (t Type[S]) Validate() error {
	if len(t.folds) == 0 {
		return fmt.Errorf("aggregate.Type: %w for %s", ErrEmptyFoldTable, t.name)
	}

	return nil
}

// Name is the name of the Aggregate.
func (t Type[S]) Name() string { return t.name }

// Initial returns the state of an Aggregate with no Events.
func (t Type[S]) Initial() S { return t.initial() }

// StreamID returns the id of the Event Stream of the Aggregate with the specified id.
func (t Type[S]) StreamID(id string) event.StreamID {
	return event.StreamID(t.name + "-" + id)
}

// AggregateID returns the id of the Aggregate owning the Event Stream,
// or false if the Event Stream does not belong to this Aggregate type.
func (t Type[S]) AggregateID(id event.StreamID) (string, bool) {
	return strings.CutPrefix(string(id), t.name+"-")
}

// EventTypes returns the Event types handled by the Aggregate, sorted.
func (t Type[S]) EventTypes() []string {
	types := make([]string, 0, len(t.folds))
	for eventType := range t.folds {
		types = append(types, eventType)
	}

	sort.Strings(types)

	return types
}

// Handles reports whether the Event type is in the fold table.
func (t Type[S]) Handles(eventType string) bool {
	_, ok := t.folds[eventType]
	return ok
}

// Fold applies a single Record to the state.
//
// ErrUnknownEventType is returned for Event types not in the fold table.
func (t Type[S]) Fold(state S, record event.Record) (S, error) {
	fold, ok := t.folds[record.Type]
	if !ok {
		return state, fmt.Errorf("aggregate.Type: %w: %s on %s", ErrUnknownEventType, record.Type, t.name)
	}

	return fold(state, record)
}

// Own returns a copy of the state safe to fold Events onto, cloning
// it if it implements Cloner.
func (t Type[S]) Own(state S) S {
	if c, ok := any(state).(Cloner[S]); ok {
		return c.Clone()
	}

	return state
}

// FoldAll applies the Records in order to the state.
func (t Type[S]) FoldAll(state S, records ...event.Record) (S, error) {
	for _, record := range records {
		var err error
		if state, err = t.Fold(state, record); err != nil {
			return state, err
		}
	}

	return state, nil
}
