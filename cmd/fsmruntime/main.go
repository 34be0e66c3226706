// Command fsmruntime wires one runtime together: an execution engine per
// component, the cascade engine reacting to state_change, a
// ComponentRegistry for cross-component routing, and a RuntimeBroadcaster
// bridging both onto a shared broker. Grounded on
// pkg/statemachine/verticle.go's "construct the machine, attach
// persistence, start serving" assembly order, minus the HTTP surface
// (out of scope, see SPEC_FULL.md Non-goals) and the Vert.x-style
// deployment table (superseded here by pkg/registry.Registry).
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxorio/fsmruntime/pkg/broadcaster"
	"github.com/fluxorio/fsmruntime/pkg/broker"
	"github.com/fluxorio/fsmruntime/pkg/cascade"
	"github.com/fluxorio/fsmruntime/pkg/config"
	"github.com/fluxorio/fsmruntime/pkg/core"
	"github.com/fluxorio/fsmruntime/pkg/engine"
	"github.com/fluxorio/fsmruntime/pkg/index"
	"github.com/fluxorio/fsmruntime/pkg/instance"
	"github.com/fluxorio/fsmruntime/pkg/model"
	"github.com/fluxorio/fsmruntime/pkg/persistence"
	"github.com/fluxorio/fsmruntime/pkg/registry"
	"github.com/fluxorio/fsmruntime/pkg/timer"
	"github.com/fluxorio/fsmruntime/pkg/value"
)

// RuntimeConfig is the runtime's own operational configuration — broker
// wiring and snapshot cadence, never the Component document itself (that
// is supplied pre-parsed by buildOrdersRuntime/buildInventoryRuntime
// below). Loaded via pkg/config, with FSMRUNTIME_-prefixed environment
// variables overriding whatever the file sets.
type RuntimeConfig struct {
	NATSURL          string `yaml:"natsUrl"`
	SnapshotInterval int    `yaml:"snapshotInterval"`
}

func defaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{SnapshotInterval: 100}
}

func main() {
	configPath := flag.String("config", "", "path to a YAML/JSON runtime config file; unset runs with defaults")
	flag.Parse()

	cfg := defaultRuntimeConfig()
	if *configPath != "" {
		if err := config.LoadWithEnv(*configPath, "FSMRUNTIME", &cfg); err != nil {
			log.Fatalf("fsmruntime: load config: %v", err)
		}
	} else if err := config.ApplyEnvOverrides("FSMRUNTIME", &cfg); err != nil {
		log.Fatalf("fsmruntime: apply env overrides: %v", err)
	}

	logger := core.NewDefaultLogger()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, closeBroker, err := buildBroker(ctx, cfg.NATSURL, logger)
	if err != nil {
		log.Fatalf("fsmruntime: broker: %v", err)
	}
	defer closeBroker()

	reg := registry.New(b)

	orders := buildOrdersRuntime(logger, cfg.SnapshotInterval)
	inventory := buildInventoryRuntime(logger, cfg.SnapshotInterval)

	if err := reg.Register("Orders", orders.eng); err != nil {
		log.Fatalf("fsmruntime: register Orders: %v", err)
	}
	if err := reg.Register("Inventory", inventory.eng); err != nil {
		log.Fatalf("fsmruntime: register Inventory: %v", err)
	}
	orders.eng.Router = reg
	inventory.eng.Router = reg
	orders.cascade = cascade.New("Orders", orders.eng, reg)
	inventory.cascade = cascade.New("Inventory", inventory.eng, reg)

	orders.cascade.Attach()
	inventory.cascade.Attach()

	ordersBroadcaster := broadcaster.New(broadcaster.Config{
		RuntimeID:     "orders-1",
		ComponentName: "Orders",
	}, orders.eng, b)
	inventoryBroadcaster := broadcaster.New(broadcaster.Config{
		RuntimeID:     "inventory-1",
		ComponentName: "Inventory",
	}, inventory.eng, b)

	if err := ordersBroadcaster.Connect(ctx); err != nil {
		log.Fatalf("fsmruntime: connect Orders broadcaster: %v", err)
	}
	defer ordersBroadcaster.Disconnect(context.Background())

	if err := inventoryBroadcaster.Connect(ctx); err != nil {
		log.Fatalf("fsmruntime: connect Inventory broadcaster: %v", err)
	}
	defer inventoryBroadcaster.Disconnect(context.Background())

	id, err := orders.eng.CreateInstance(ctx, "Order", value.Map{"productId": "sku-1", "quantity": 2})
	if err != nil {
		log.Fatalf("fsmruntime: create order instance: %v", err)
	}
	logger.Infof("created order instance %s", id)

	if err := orders.eng.SendEvent(ctx, id, instance.EventEnvelope{Type: "CONFIRM", Timestamp: time.Now()}); err != nil {
		logger.Errorf("confirm order %s: %v", id, err)
	}

	<-ctx.Done()
	logger.Infof("fsmruntime: shutting down")
}

func buildBroker(ctx context.Context, natsURL string, logger core.Logger) (broker.Broker, func(), error) {
	if natsURL == "" {
		b := broker.NewInMemory(ctx, nil, logger)
		return b, func() { _ = b.Close() }, nil
	}
	b, err := broker.NewNATS(broker.NATSConfig{URL: natsURL, Name: "fsmruntime"})
	if err != nil {
		return nil, nil, err
	}
	return b, func() { _ = b.Close() }, nil
}

// runtime bundles the per-component pieces a cmd wires up together.
type runtime struct {
	eng     *engine.Engine
	cascade *cascade.Engine
}

func buildOrdersRuntime(logger core.Logger, snapshotInterval int) *runtime {
	comp := ordersComponent()
	methods := engine.NewMethodRegistry()
	idx := index.New()
	wheel := timer.New(100*time.Millisecond, 512)
	wheel.Logger = logger
	go wheel.Run()
	persist := persistence.NewManager(persistence.NewMemoryEventStore(), persistence.NewMemorySnapshotStore(), snapshotInterval)

	eng := engine.New("Orders", comp, methods, idx, wheel, persist)
	eng.Logger = logger
	return &runtime{eng: eng, cascade: cascade.New("Orders", eng, nil)}
}

func buildInventoryRuntime(logger core.Logger, snapshotInterval int) *runtime {
	comp := inventoryComponent()
	methods := engine.NewMethodRegistry()
	idx := index.New()
	wheel := timer.New(100*time.Millisecond, 512)
	wheel.Logger = logger
	go wheel.Run()
	persist := persistence.NewManager(persistence.NewMemoryEventStore(), persistence.NewMemorySnapshotStore(), snapshotInterval)

	eng := engine.New("Inventory", comp, methods, idx, wheel, persist)
	eng.Logger = logger
	return &runtime{eng: eng, cascade: cascade.New("Inventory", eng, nil)}
}

// ordersComponent declares Pending --CONFIRM--> Confirmed, and cascades a
// RESERVE event into the Inventory component whose productId matches the
// order's, mirroring spec §4.4's worked example.
func ordersComponent() *model.Component {
	return &model.Component{
		Name: "Orders",
		StateMachines: []*model.StateMachine{
			{
				Name:         "Order",
				InitialState: "Pending",
				States: []*model.State{
					{Name: "Pending", Type: model.StateEntry},
					{
						Name: "Confirmed",
						Type: model.StateRegular,
						CascadingRules: []*model.CascadingRule{
							{
								TargetComponent: "Inventory",
								TargetMachine:   "Stock",
								TargetState:     "Available",
								Event:           "RESERVE",
								MatchingRules: []*model.MatchingRule{
									{EventProperty: "productId", InstanceProperty: "productId"},
								},
								Payload: map[string]any{
									"productId": "{{productId}}",
									"quantity":  "{{quantity}}",
								},
							},
						},
					},
					{Name: "Shipped", Type: model.StateRegular},
				},
				Transitions: []*model.Transition{
					{From: "Pending", To: "Confirmed", Event: "CONFIRM", Type: model.TransitionRegular},
					{From: "Confirmed", To: "Shipped", Event: "SHIP", Type: model.TransitionRegular},
				},
			},
		},
	}
}

func inventoryComponent() *model.Component {
	return &model.Component{
		Name: "Inventory",
		StateMachines: []*model.StateMachine{
			{
				Name:         "Stock",
				InitialState: "Available",
				States: []*model.State{
					{Name: "Available", Type: model.StateRegular},
					{Name: "Reserved", Type: model.StateRegular},
				},
				Transitions: []*model.Transition{
					{
						From: "Available", To: "Reserved", Event: "RESERVE", Type: model.TransitionRegular,
						MatchingRules: []*model.MatchingRule{
							{EventProperty: "productId", InstanceProperty: "productId"},
						},
					},
				},
			},
		},
	}
}
