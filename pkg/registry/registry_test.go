package registry

import (
	"context"
	"testing"
	"time"

	"github.com/fluxorio/fsmruntime/pkg/broker"
	"github.com/fluxorio/fsmruntime/pkg/engine"
	"github.com/fluxorio/fsmruntime/pkg/index"
	"github.com/fluxorio/fsmruntime/pkg/instance"
	"github.com/fluxorio/fsmruntime/pkg/model"
	"github.com/fluxorio/fsmruntime/pkg/persistence"
	"github.com/fluxorio/fsmruntime/pkg/timer"
	"github.com/fluxorio/fsmruntime/pkg/value"
)

func singleStateComponent(name, machineName string) *model.Component {
	return &model.Component{
		Name: name,
		StateMachines: []*model.StateMachine{
			{
				Name:         machineName,
				InitialState: "Pending",
				States: []*model.State{
					{Name: "Pending", Type: model.StateEntry},
					{Name: "Active", Type: model.StateRegular},
				},
				Transitions: []*model.Transition{
					{From: "Pending", To: "Active", Event: "ACTIVATE", Type: model.TransitionRegular},
				},
			},
		},
	}
}

func newRegistryTestEngine(t *testing.T, componentName, machineName string) *engine.Engine {
	t.Helper()
	idx := index.New()
	wheel := timer.New(5*time.Millisecond, 64)
	go wheel.Run()
	t.Cleanup(wheel.Stop)
	persist := persistence.NewManager(persistence.NewMemoryEventStore(), persistence.NewMemorySnapshotStore(), 0)
	return engine.New(componentName, singleStateComponent(componentName, machineName), engine.NewMethodRegistry(), idx, wheel, persist)
}

func TestRegistryDispatchesLocallyWithoutBroker(t *testing.T) {
	r := New(nil)
	engA := newRegistryTestEngine(t, "ComponentA", "Widget")
	engB := newRegistryTestEngine(t, "ComponentB", "Widget")
	if err := r.Register("ComponentA", engA); err != nil {
		t.Fatalf("Register A: %v", err)
	}
	if err := r.Register("ComponentB", engB); err != nil {
		t.Fatalf("Register B: %v", err)
	}
	engA.Router = r
	engB.Router = r

	id, err := r.CreateInstanceInComponent(context.Background(), "ComponentB", "Widget", value.Map{})
	if err != nil {
		t.Fatalf("CreateInstanceInComponent: %v", err)
	}

	if err := r.SendToComponent(context.Background(), "ComponentB", id, instance.EventEnvelope{Type: "ACTIVATE"}); err != nil {
		t.Fatalf("SendToComponent: %v", err)
	}
	inst, err := engB.GetInstance(id)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.CurrentState != "Active" {
		t.Fatalf("expected Active, got %s", inst.CurrentState)
	}
}

func TestBroadcastToComponentReturnsLocalCount(t *testing.T) {
	r := New(nil)
	engB := newRegistryTestEngine(t, "ComponentB", "Widget")
	engB.Component.StateMachines[0].Transitions[0].MatchingRules = []*model.MatchingRule{
		{EventProperty: "tier", InstanceProperty: "tier"},
	}
	r.Register("ComponentB", engB)

	engB.CreateInstance(context.Background(), "Widget", value.Map{"tier": "gold"})
	engB.CreateInstance(context.Background(), "Widget", value.Map{"tier": "gold"})

	count, err := r.BroadcastToComponent(context.Background(), "ComponentB", "Widget", "Pending", instance.EventEnvelope{Type: "ACTIVATE", Payload: value.Map{"tier": "gold"}})
	if err != nil {
		t.Fatalf("BroadcastToComponent: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2, got %d", count)
	}
}

func TestSendToComponentWithoutBrokerOrLocalEntryFails(t *testing.T) {
	r := New(nil)
	if err := r.SendToComponent(context.Background(), "Nowhere", "id", instance.EventEnvelope{Type: "X"}); err == nil {
		t.Fatalf("expected error for unreachable component")
	}
}

func TestSendToComponentPublishesWhenBrokerConfigured(t *testing.T) {
	b := broker.NewInMemory(context.Background(), nil, nil)
	t.Cleanup(func() { _ = b.Close() })
	r := New(b)

	if err := r.SendToComponent(context.Background(), "RemoteComponent", "inst-1", instance.EventEnvelope{Type: "PING"}); err != nil {
		t.Fatalf("SendToComponent: %v", err)
	}
}
