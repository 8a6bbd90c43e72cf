package aggregate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/version"
)

// ScenarioInit is the entrypoint of the Aggregate scenario API, used to
// test the decisions of an Aggregate given its past Events.
type ScenarioInit[S any] struct {
	typ Type[S]
}

// Scenario starts a new test scenario for the Aggregate type.
func Scenario[S any](typ Type[S]) ScenarioInit[S] {
	return ScenarioInit[S]{typ: typ}
}

// Given sets the Events already in the Event Stream before the decision.
func (sc ScenarioInit[S]) Given(records ...event.Record) ScenarioGiven[S] {
	return ScenarioGiven[S]{typ: sc.typ, given: records}
}

// When sets the decision to test on an Aggregate with no Events.
func (sc ScenarioInit[S]) When(decide Decider[S]) ScenarioWhen[S] {
	return ScenarioGiven[S]{typ: sc.typ}.When(decide)
}

// ScenarioGiven is the state of the scenario once the preconditions
// have been set through Given().
type ScenarioGiven[S any] struct {
	typ   Type[S]
	given []event.Record
}

// When sets the decision to test on the Aggregate built from the given Events.
func (sc ScenarioGiven[S]) When(decide Decider[S]) ScenarioWhen[S] {
	return ScenarioWhen[S]{typ: sc.typ, given: sc.given, decide: decide}
}

// ScenarioWhen allows to specify the expected outcome of the scenario.
type ScenarioWhen[S any] struct {
	typ    Type[S]
	given  []event.Record
	decide Decider[S]
}

// Then expects the decision to produce Events with the specified types
// and payloads, in order.
func (sc ScenarioWhen[S]) Then(expected ...event.Record) ScenarioThen[S] {
	return ScenarioThen[S]{when: sc, expected: expected}
}

// ThenError expects the decision to fail with an error matching all the specified ones.
func (sc ScenarioWhen[S]) ThenError(errs ...error) ScenarioThen[S] {
	return ScenarioThen[S]{when: sc, errors: errs, wantErr: true}
}

// ScenarioThen is ready to be executed with AssertOn.
type ScenarioThen[S any] struct {
	when     ScenarioWhen[S]
	expected []event.Record
	errors   []error
	wantErr  bool
}

type recordedEvent struct {
	Type    string
	Payload string
}

func summarize(records []event.Record) []recordedEvent {
	summary := make([]recordedEvent, 0, len(records))
	for _, r := range records {
		summary = append(summary, recordedEvent{Type: r.Type, Payload: string(r.Payload)})
	}

	return summary
}

// AssertOn runs the test scenario using the specified testing.T instance.
//
// The produced Events are also folded on the Aggregate state, to make
// sure the fold table accepts them.
func (sc ScenarioThen[S]) AssertOn(t *testing.T) {
	t.Helper()

	current := Loaded[S]{State: sc.when.typ.Initial(), Version: version.Unset}

	for _, record := range sc.when.given {
		state, err := sc.when.typ.Fold(current.State, record)
		if !assert.NoError(t, err, "given events must be valid") {
			return
		}

		current.State = state
		current.Version = current.Version.Next()
	}

	records, err := sc.when.decide(current)

	switch {
	case sc.wantErr:
		assert.Error(t, err)

		if expected := errors.Join(sc.errors...); expected != nil {
			for _, expectedErr := range sc.errors {
				assert.ErrorIs(t, err, expectedErr)
			}
		}

	default:
		if !assert.NoError(t, err) {
			return
		}

		assert.Equal(t, summarize(sc.expected), summarize(records))

		_, err = sc.when.typ.FoldAll(sc.when.typ.Own(current.State), records...)
		assert.NoError(t, err, "new events must be applicable to the state")
	}
}
