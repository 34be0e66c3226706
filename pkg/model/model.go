// Package model defines the declarative Component document consumed by the
// runtime: state machines, states, transitions, guards, matching rules, and
// cascading rules. It is an in-memory tree only — parsing it from YAML/JSON
// is someone else's job (see spec §1, Out of scope).
//
// The shape generalizes fluxor's pkg/statemachine.StateMachineDefinition /
// StateDefinition / TransitionDefinition from a single flat FSM into a
// multi-machine Component, and replaces its free-form "guard function name"
// with the fixed expression grammar compiled by pkg/guardexpr.
package model

// EntryMachineMode controls how a Component's entry machine is instantiated.
type EntryMachineMode string

const (
	EntryModeSingleton EntryMachineMode = "singleton"
	EntryModeMultiple  EntryMachineMode = "multiple"
)

// Component bundles one or more named state machines sharing an event
// vocabulary. Immutable once loaded.
type Component struct {
	Name                 string
	Version              string
	EntryMachine         string // optional
	EntryMachineMode     EntryMachineMode
	AutoCreateEntryPoint bool
	StateMachines        []*StateMachine
}

// MachineByName returns the named machine, or nil.
func (c *Component) MachineByName(name string) *StateMachine {
	for _, m := range c.StateMachines {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// StateMachine is a named FSM: states, transitions, and an initial state.
type StateMachine struct {
	Name             string
	InitialState     string
	PublicMemberType string // optional; non-empty splits public member vs. context
	States           []*State
	Transitions      []*Transition
}

// StateByName returns the named state, or nil.
func (m *StateMachine) StateByName(name string) *State {
	for _, s := range m.States {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// TransitionsFrom returns, in declaration order, every transition whose
// From and Event match — the candidate set step 1 of transition selection
// (spec §4.1) collects.
func (m *StateMachine) TransitionsFrom(state, event string) []*Transition {
	var out []*Transition
	for _, t := range m.Transitions {
		if t.From == state && t.Event == event {
			out = append(out, t)
		}
	}
	return out
}

// StateType is a closed enumeration of state kinds — implemented as a
// tagged variant (spec §9: "implement as tagged variants, not via
// subclassing").
type StateType string

const (
	StateEntry   StateType = "entry"
	StateRegular StateType = "regular"
	StateFinal   StateType = "final"
	StateError   StateType = "error"
)

// IsTerminal reports whether a state of this type ends an instance's life.
func (t StateType) IsTerminal() bool {
	return t == StateFinal || t == StateError
}

// State is one node of a StateMachine.
type State struct {
	Name          string
	Type          StateType
	EntryMethod   string // optional triggered-method name run on entry
	ExitMethod    string // optional triggered-method name run on exit
	CascadingRules []*CascadingRule
}

// TransitionType is a closed enumeration of transition kinds.
type TransitionType string

const (
	TransitionRegular      TransitionType = "regular"
	TransitionAuto         TransitionType = "auto"
	TransitionTimeout      TransitionType = "timeout"
	TransitionInterMachine TransitionType = "inter_machine"
	TransitionInternal     TransitionType = "internal"
	TransitionTriggerable  TransitionType = "triggerable"
)

// Transition is an edge of a StateMachine.
type Transition struct {
	From                   string
	To                     string
	Event                  string
	Type                   TransitionType
	TimeoutMs              int64 // valid when Type == TransitionTimeout
	TargetMachine          string // valid when Type == TransitionInterMachine
	TriggeredMethod        string // optional, resolved via a triggered-method registry
	Guards                 []*Guard
	MatchingRules          []*MatchingRule
	SpecificTriggeringRule string // optional guard-grammar expression
}

// HasMatchingRules reports whether the transition declares matching rules,
// which is what makes it eligible as a broadcastEvent candidate (spec §4.1).
func (t *Transition) HasMatchingRules() bool {
	return len(t.MatchingRules) > 0
}

// GuardKind is a closed enumeration of guard shapes (spec §3: "one of: key-
// presence check on payload, substring check, or an expression").
type GuardKind string

const (
	GuardKeyPresence GuardKind = "key_presence"
	GuardSubstring   GuardKind = "substring"
	GuardExpression  GuardKind = "expression"
)

// Guard is a declarative, pure predicate over (event, instance-context).
type Guard struct {
	Kind GuardKind

	// GuardKeyPresence: Path must resolve on the event payload.
	Path string

	// GuardSubstring: Path's string value must contain Needle.
	Needle string

	// GuardExpression: Expr is compiled once by pkg/guardexpr.
	Expr string
}

// MatchingRule routes an event to instances whose property matches the
// event's. Semantics: instanceValue operator eventValue.
type MatchingRule struct {
	EventProperty    string
	InstanceProperty string
	Operator         string // default "===" when empty
}

// ResolvedOperator returns Operator, defaulting to "===".
func (r *MatchingRule) ResolvedOperator() string {
	if r.Operator == "" {
		return "==="
	}
	return r.Operator
}

// CascadingRule declares an automatic fan-out event fired on state entry.
type CascadingRule struct {
	TargetComponent string // optional; empty means same component
	TargetMachine   string
	TargetState     string
	Event           string
	MatchingRules   []*MatchingRule
	Payload         map[string]any // values may be "{{dotted.path}}" templates
}
