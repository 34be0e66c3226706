package model

import "fmt"

// Validate checks structural well-formedness of a Component the way
// fluxor's Engine.RegisterMachine validates a StateMachineDefinition before
// accepting it: every machine has an initial state that exists, every
// transition's From/To reference declared states, and (for inter_machine
// transitions) TargetMachine names a machine in the same component.
func (c *Component) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("component name is required")
	}
	if len(c.StateMachines) == 0 {
		return fmt.Errorf("component %s must declare at least one state machine", c.Name)
	}
	names := make(map[string]bool, len(c.StateMachines))
	for _, m := range c.StateMachines {
		if names[m.Name] {
			return fmt.Errorf("duplicate machine name %s", m.Name)
		}
		names[m.Name] = true
		if err := m.validate(); err != nil {
			return fmt.Errorf("machine %s: %w", m.Name, err)
		}
	}
	if c.EntryMachine != "" && c.MachineByName(c.EntryMachine) == nil {
		return fmt.Errorf("entryMachine %s not found", c.EntryMachine)
	}
	for _, m := range c.StateMachines {
		for _, t := range m.Transitions {
			if t.Type == TransitionInterMachine && c.MachineByName(t.TargetMachine) == nil {
				return fmt.Errorf("machine %s: inter_machine transition targets unknown machine %s", m.Name, t.TargetMachine)
			}
		}
	}
	return nil
}

func (m *StateMachine) validate() error {
	if m.Name == "" {
		return fmt.Errorf("machine name is required")
	}
	if m.InitialState == "" {
		return fmt.Errorf("initial state is required")
	}
	if len(m.States) == 0 {
		return fmt.Errorf("machine must have at least one state")
	}

	stateNames := make(map[string]bool, len(m.States))
	for _, s := range m.States {
		if s.Name == "" {
			return fmt.Errorf("state name is required")
		}
		if stateNames[s.Name] {
			return fmt.Errorf("duplicate state name %s", s.Name)
		}
		stateNames[s.Name] = true
	}
	if !stateNames[m.InitialState] {
		return fmt.Errorf("initial state %s not found in states", m.InitialState)
	}

	for _, t := range m.Transitions {
		if t.Event == "" {
			return fmt.Errorf("transition event is required (from %s)", t.From)
		}
		if !stateNames[t.From] {
			return fmt.Errorf("transition from unknown state %s", t.From)
		}
		if t.Type != TransitionInterMachine && !stateNames[t.To] {
			return fmt.Errorf("transition to unknown state %s", t.To)
		}
		if t.Type == TransitionTimeout && t.TimeoutMs < 0 {
			return fmt.Errorf("timeout transition %s->%s has negative timeoutMs", t.From, t.To)
		}
	}
	return nil
}
