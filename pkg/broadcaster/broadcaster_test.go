package broadcaster

import (
	"context"
	"sync"
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

func widgetComponent() *model.Component {
	return &model.Component{
		Name: "Widgets",
		StateMachines: []*model.StateMachine{
			{
				Name:         "Widget",
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

func newBroadcasterTestEngine(t *testing.T, comp *model.Component) *engine.Engine {
	t.Helper()
	idx := index.New()
	wheel := timer.New(5*time.Millisecond, 64)
	go wheel.Run()
	t.Cleanup(wheel.Stop)
	persist := persistence.NewManager(persistence.NewMemoryEventStore(), persistence.NewMemorySnapshotStore(), 0)
	return engine.New("Widgets", comp, engine.NewMethodRegistry(), idx, wheel, persist)
}

func TestConnectAnnouncesAndSubscribesCommandChannels(t *testing.T) {
	b := broker.NewInMemory(context.Background(), nil, nil)
	t.Cleanup(func() { _ = b.Close() })

	var mu sync.Mutex
	var announced []map[string]any
	_, _ = b.Subscribe(broker.ChannelRegistryAnnounce, func(ctx context.Context, msg broker.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if m, ok := msg.Body.(map[string]any); ok {
			announced = append(announced, m)
		}
		return nil
	})

	eng := newBroadcasterTestEngine(t, widgetComponent())
	bc := New(Config{RuntimeID: "r1", ComponentName: "Widgets", HeartbeatInterval: time.Hour}, eng, b)
	if err := bc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = bc.Disconnect(context.Background()) })

	b.Quiesce()
	mu.Lock()
	defer mu.Unlock()
	if len(announced) != 1 {
		t.Fatalf("expected exactly one announce message, got %d", len(announced))
	}
	if announced[0]["runtimeId"] != "r1" {
		t.Fatalf("unexpected announce payload: %#v", announced[0])
	}
}

func TestCrossComponentEventWithoutMatchingRulesIsRejected(t *testing.T) {
	b := broker.NewInMemory(context.Background(), nil, nil)
	t.Cleanup(func() { _ = b.Close() })
	eng := newBroadcasterTestEngine(t, widgetComponent())
	bc := New(Config{RuntimeID: "r1", ComponentName: "Widgets", HeartbeatInterval: time.Hour}, eng, b)
	if err := bc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = bc.Disconnect(context.Background()) })

	if err := bc.handleCrossComponentEvent(context.Background(), broker.Message{Body: map[string]any{
		"machine": "Widget", "state": "Pending", "event": map[string]any{"type": "ACTIVATE"},
	}}); err == nil {
		t.Fatalf("expected rejection without matchingRules")
	}
}

func TestCrossComponentEventWithMatchingRulesDelivers(t *testing.T) {
	eng := newBroadcasterTestEngine(t, widgetComponent())
	eng.Component.StateMachines[0].Transitions[0].MatchingRules = []*model.MatchingRule{
		{EventProperty: "tier", InstanceProperty: "tier"},
	}
	id, err := eng.CreateInstance(context.Background(), "Widget", value.Map{"tier": "gold"})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	b := broker.NewInMemory(context.Background(), nil, nil)
	t.Cleanup(func() { _ = b.Close() })
	bc := New(Config{RuntimeID: "r1", ComponentName: "Widgets", HeartbeatInterval: time.Hour}, eng, b)
	if err := bc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = bc.Disconnect(context.Background()) })

	err = bc.handleCrossComponentEvent(context.Background(), broker.Message{Body: crossComponentCommand{
		Machine: "Widget",
		State:   "Pending",
		Event:   instance.EventEnvelope{Type: "ACTIVATE", Payload: value.Map{"tier": "gold"}},
		MatchingRules: []*model.MatchingRule{
			{EventProperty: "tier", InstanceProperty: "tier"},
		},
	}})
	if err != nil {
		t.Fatalf("handleCrossComponentEvent: %v", err)
	}

	inst, err := eng.GetInstance(id)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.CurrentState != "Active" {
		t.Fatalf("expected Active, got %s", inst.CurrentState)
	}
}
