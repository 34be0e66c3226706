package model

import "testing"

func order() *Component {
	return &Component{
		Name: "OrderComponent",
		StateMachines: []*StateMachine{
			{
				Name:         "Order",
				InitialState: "Pending",
				States: []*State{
					{Name: "Pending", Type: StateEntry},
					{Name: "Confirmed", Type: StateRegular},
					{Name: "Shipped", Type: StateRegular},
					{Name: "Delivered", Type: StateFinal},
				},
				Transitions: []*Transition{
					{From: "Pending", To: "Confirmed", Event: "CONFIRM", Type: TransitionRegular},
					{From: "Confirmed", To: "Shipped", Event: "SHIP", Type: TransitionRegular},
					{From: "Shipped", To: "Delivered", Event: "DELIVER", Type: TransitionRegular},
				},
			},
		},
	}
}

func TestValidateAcceptsWellFormedComponent(t *testing.T) {
	if err := order().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsUnknownInitialState(t *testing.T) {
	c := order()
	c.StateMachines[0].InitialState = "Nonexistent"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unknown initial state")
	}
}

func TestValidateRejectsTransitionToUnknownState(t *testing.T) {
	c := order()
	c.StateMachines[0].Transitions[0].To = "Nowhere"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for transition to unknown state")
	}
}

func TestTransitionsFromPreservesDeclarationOrder(t *testing.T) {
	m := order().StateMachines[0]
	m.Transitions = append(m.Transitions, &Transition{From: "Pending", To: "Delivered", Event: "CONFIRM", Type: TransitionRegular})
	ts := m.TransitionsFrom("Pending", "CONFIRM")
	if len(ts) != 2 || ts[0].To != "Confirmed" || ts[1].To != "Delivered" {
		t.Fatalf("unexpected candidate order: %#v", ts)
	}
}

func TestStateTypeIsTerminal(t *testing.T) {
	if !StateFinal.IsTerminal() || !StateError.IsTerminal() {
		t.Fatalf("final/error should be terminal")
	}
	if StateRegular.IsTerminal() || StateEntry.IsTerminal() {
		t.Fatalf("regular/entry should not be terminal")
	}
}
