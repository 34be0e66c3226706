package cascade

import (
	"context"
	"testing"
	"time"

	"github.com/fluxorio/fsmruntime/pkg/engine"
	"github.com/fluxorio/fsmruntime/pkg/index"
	"github.com/fluxorio/fsmruntime/pkg/instance"
	"github.com/fluxorio/fsmruntime/pkg/model"
	"github.com/fluxorio/fsmruntime/pkg/persistence"
	"github.com/fluxorio/fsmruntime/pkg/timer"
	"github.com/fluxorio/fsmruntime/pkg/value"
)

func orderInventoryComponent() *model.Component {
	return &model.Component{
		Name: "Warehouse",
		StateMachines: []*model.StateMachine{
			{
				Name:         "Order",
				InitialState: "Pending",
				States: []*model.State{
					{Name: "Pending", Type: model.StateEntry},
					{
						Name: "Confirmed", Type: model.StateRegular,
						CascadingRules: []*model.CascadingRule{
							{
								TargetMachine: "Inventory",
								TargetState:   "Available",
								Event:         "RESERVE",
								MatchingRules: []*model.MatchingRule{
									{EventProperty: "productId", InstanceProperty: "Id"},
								},
								Payload: map[string]any{
									"productId": "{{ProductId}}",
									"qty":       "{{Quantity}}",
								},
							},
						},
					},
				},
				Transitions: []*model.Transition{
					{From: "Pending", To: "Confirmed", Event: "CONFIRM", Type: model.TransitionRegular},
				},
			},
			{
				Name:         "Inventory",
				InitialState: "Available",
				States: []*model.State{
					{Name: "Available", Type: model.StateRegular},
					{Name: "Reserved", Type: model.StateRegular},
				},
				Transitions: []*model.Transition{
					{From: "Available", To: "Reserved", Event: "RESERVE", Type: model.TransitionRegular},
				},
			},
		},
	}
}

func newTestEngine(t *testing.T, component *model.Component) *engine.Engine {
	t.Helper()
	idx := index.New()
	wheel := timer.New(5*time.Millisecond, 64)
	go wheel.Run()
	t.Cleanup(wheel.Stop)
	persist := persistence.NewManager(persistence.NewMemoryEventStore(), persistence.NewMemorySnapshotStore(), 0)
	return engine.New("Warehouse", component, engine.NewMethodRegistry(), idx, wheel, persist)
}

func TestCascadeWithMatchingRulesReachesOnlyMatchingTarget(t *testing.T) {
	comp := orderInventoryComponent()
	e := newTestEngine(t, comp)
	cascadeEngine := New("Warehouse", e, nil)
	cascadeEngine.Attach()

	invMatch, err := e.CreateInstance(context.Background(), "Inventory", value.Map{"Id": "P1"})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	invOther, err := e.CreateInstance(context.Background(), "Inventory", value.Map{"Id": "P2"})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	orderID, err := e.CreateInstance(context.Background(), "Order", value.Map{"ProductId": "P1", "Quantity": 3})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	var completed bool
	var processedCount int
	e.OnLifecycleEvent(func(evt engine.LifecycleEvent) {
		if evt.Name == "cascade_completed" {
			completed = true
			if v, ok := evt.Data["processedCount"].(int); ok {
				processedCount = v
			}
		}
	})

	if err := e.SendEvent(context.Background(), orderID, instance.EventEnvelope{Type: "CONFIRM"}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}

	if !completed {
		t.Fatalf("expected cascade_completed to fire")
	}
	if processedCount != 1 {
		t.Fatalf("expected processedCount 1, got %d", processedCount)
	}

	matched, err := e.GetInstance(invMatch)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if matched.CurrentState != "Reserved" {
		t.Fatalf("expected matching inventory instance to reserve, got %s", matched.CurrentState)
	}

	unmatched, err := e.GetInstance(invOther)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if unmatched.CurrentState != "Available" {
		t.Fatalf("expected non-matching inventory instance to remain Available, got %s", unmatched.CurrentState)
	}
}

func TestCascadeWithoutMatchingRulesFansOutToAll(t *testing.T) {
	comp := orderInventoryComponent()
	comp.StateMachines[0].States[1].CascadingRules[0].MatchingRules = nil
	e := newTestEngine(t, comp)
	cascadeEngine := New("Warehouse", e, nil)
	cascadeEngine.Attach()

	invA, _ := e.CreateInstance(context.Background(), "Inventory", value.Map{"Id": "A"})
	invB, _ := e.CreateInstance(context.Background(), "Inventory", value.Map{"Id": "B"})
	orderID, _ := e.CreateInstance(context.Background(), "Order", value.Map{"ProductId": "A", "Quantity": 1})

	if err := e.SendEvent(context.Background(), orderID, instance.EventEnvelope{Type: "CONFIRM"}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}

	a, _ := e.GetInstance(invA)
	b, _ := e.GetInstance(invB)
	if a.CurrentState != "Reserved" || b.CurrentState != "Reserved" {
		t.Fatalf("expected both inventory instances reserved, got %s / %s", a.CurrentState, b.CurrentState)
	}
}

func TestCascadeCrossComponentWithoutRouterEmitsError(t *testing.T) {
	comp := orderInventoryComponent()
	comp.StateMachines[0].States[1].CascadingRules[0].TargetComponent = "OtherComponent"
	e := newTestEngine(t, comp)
	cascadeEngine := New("Warehouse", e, nil)
	cascadeEngine.Attach()

	orderID, _ := e.CreateInstance(context.Background(), "Order", value.Map{"ProductId": "P1", "Quantity": 1})

	var cascadeErrored bool
	e.OnLifecycleEvent(func(evt engine.LifecycleEvent) {
		if evt.Name == "cascade_error" {
			cascadeErrored = true
		}
	})

	if err := e.SendEvent(context.Background(), orderID, instance.EventEnvelope{Type: "CONFIRM"}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	if !cascadeErrored {
		t.Fatalf("expected cascade_error without a configured router")
	}
}
