// Package broadcaster implements RuntimeBroadcaster (spec §4.10): the
// bridge between one component's execution engine and a shared
// MessageBroker, for the distributed dashboard/registry use case.
//
// Grounded on pkg/core/eventbus_cluster_nats.go's connect-with-config
// bootstrap (subject prefixing, lazy connection, reconnection left to the
// broker implementation) and pkg/statemachine/observer.go's
// EventBusObserver (react to a transition by publishing it onto an
// unrelated channel) — generalized from "publish every transition" into
// the full announce/heartbeat/event-translation/command-bridge lifecycle
// spec §4.10 names.
package broadcaster

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fluxorio/fsmruntime/pkg/broker"
	"github.com/fluxorio/fsmruntime/pkg/engine"
	"github.com/fluxorio/fsmruntime/pkg/instance"
	"github.com/fluxorio/fsmruntime/pkg/model"
	"github.com/fluxorio/fsmruntime/pkg/value"
)

// DefaultHeartbeatInterval is used when Config.HeartbeatInterval is zero.
const DefaultHeartbeatInterval = 30 * time.Second

// Config describes one runtime's identity on the shared broker.
type Config struct {
	RuntimeID         string
	ComponentName     string
	Host              string
	Port              int
	HeartbeatInterval time.Duration
}

// Broadcaster bridges one component's execution engine to a shared
// broker. Construct one per running component; call Connect once traffic
// can be accepted, Disconnect on shutdown.
type Broadcaster struct {
	cfg   Config
	local *engine.Engine
	b     broker.Broker

	mu            sync.Mutex
	subs          []broker.Subscription
	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
}

// New builds a Broadcaster for local, to be driven over b.
func New(cfg Config, local *engine.Engine, b broker.Broker) *Broadcaster {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Broadcaster{cfg: cfg, local: local, b: b}
}

// Connect announces this runtime, starts its heartbeat, subscribes to the
// command channels it bridges, attaches to the local engine's lifecycle
// events, and — when configured for a singleton entry point — creates the
// entry-point instance.
func (bc *Broadcaster) Connect(ctx context.Context) error {
	if err := bc.announce(ctx); err != nil {
		return err
	}

	bc.mu.Lock()
	bc.stopHeartbeat = make(chan struct{})
	bc.heartbeatDone = make(chan struct{})
	bc.mu.Unlock()
	go bc.heartbeatLoop(ctx)

	crossSub, err := bc.b.Subscribe(broker.ChannelCommandsCrossComponentEvent, bc.handleCrossComponentEvent)
	if err != nil {
		return err
	}
	querySub, err := bc.b.Subscribe(broker.ChannelCommandsQueryInstances, bc.handleQueryInstances)
	if err != nil {
		return err
	}
	bc.mu.Lock()
	bc.subs = append(bc.subs, crossSub, querySub)
	bc.mu.Unlock()

	bc.local.OnLifecycleEvent(bc.onLifecycleEvent)

	comp := bc.local.Component
	if comp.AutoCreateEntryPoint && comp.EntryMachine != "" && comp.EntryMachineMode == model.EntryModeSingleton {
		if _, err := bc.local.CreateInstance(ctx, comp.EntryMachine, value.Map{}); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect publishes a shutdown message, stops the heartbeat, and
// unsubscribes from every command channel.
func (bc *Broadcaster) Disconnect(ctx context.Context) error {
	_ = bc.b.Publish(ctx, broker.ChannelRegistryShutdown, map[string]any{
		"runtimeId":     bc.cfg.RuntimeID,
		"componentName": bc.cfg.ComponentName,
	})

	bc.mu.Lock()
	stop := bc.stopHeartbeat
	done := bc.heartbeatDone
	subs := bc.subs
	bc.subs = nil
	bc.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

func (bc *Broadcaster) announce(ctx context.Context) error {
	return bc.b.Publish(ctx, broker.ChannelRegistryAnnounce, map[string]any{
		"runtimeId":     bc.cfg.RuntimeID,
		"componentName": bc.cfg.ComponentName,
		"host":          bc.cfg.Host,
		"port":          bc.cfg.Port,
	})
}

func (bc *Broadcaster) heartbeatLoop(ctx context.Context) {
	bc.mu.Lock()
	stop := bc.stopHeartbeat
	done := bc.heartbeatDone
	bc.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(bc.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			_ = bc.b.Publish(ctx, broker.ChannelRegistryHeartbeat, map[string]any{
				"runtimeId":     bc.cfg.RuntimeID,
				"componentName": bc.cfg.ComponentName,
				"timestamp":     time.Now(),
			})
		}
	}
}

// onLifecycleEvent translates runtime events into broker messages on the
// corresponding fsm:events:* channels (spec §4.10).
func (bc *Broadcaster) onLifecycleEvent(evt engine.LifecycleEvent) {
	ctx := context.Background()
	envelope := map[string]any{
		"runtimeId":     bc.cfg.RuntimeID,
		"componentName": bc.cfg.ComponentName,
		"machine":       evt.MachineName,
		"instanceId":    evt.InstanceID,
		"fromState":     evt.FromState,
		"toState":       evt.ToState,
		"eventType":     evt.EventType,
	}

	switch evt.Name {
	case "instance_created":
		_ = bc.b.Publish(ctx, broker.ChannelEventsInstanceCreated, envelope)
	case "state_change":
		if bc.isTimeoutTransition(evt.MachineName, evt.FromState, evt.EventType) {
			_ = bc.b.Publish(ctx, broker.ChannelEventsTimeoutTriggered, envelope)
		}
		_ = bc.b.Publish(ctx, broker.ChannelEventsStateChange, envelope)
	case "instance_disposed":
		_ = bc.b.Publish(ctx, broker.ChannelEventsInstanceCompleted, envelope)
	}
}

func (bc *Broadcaster) isTimeoutTransition(machineName, fromState, eventType string) bool {
	machine := bc.local.Component.MachineByName(machineName)
	if machine == nil {
		return false
	}
	for _, t := range machine.Transitions {
		if t.From == fromState && t.Event == eventType && t.Type == model.TransitionTimeout {
			return true
		}
	}
	return false
}

// crossComponentCommand is the wire shape fsm:commands:cross_component_event
// messages carry.
type crossComponentCommand struct {
	Machine       string                 `json:"machine"`
	State         string                 `json:"state"`
	Event         instance.EventEnvelope `json:"event"`
	MatchingRules []*model.MatchingRule  `json:"matchingRules"`
}

// handleCrossComponentEvent implements the strict rule from spec §4.10:
// cross_component_event commands without explicit matchingRules are
// rejected outright rather than broadcast to every instance. msg.Body is
// decoded via a JSON round-trip rather than a type assertion because the
// NATS broker delivers it as a generically-unmarshalled value while the
// in-memory broker preserves the concrete publisher type — re-marshalling
// handles both uniformly.
func (bc *Broadcaster) handleCrossComponentEvent(ctx context.Context, msg broker.Message) error {
	raw, err := json.Marshal(msg.Body)
	if err != nil {
		return err
	}
	var cmd crossComponentCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return err
	}
	if len(cmd.MatchingRules) == 0 {
		return &engine.Error{Code: "MISSING_MATCHING_RULES", Message: "cross_component_event requires explicit matchingRules"}
	}
	_, err = bc.local.BroadcastEventWithRules(ctx, cmd.Machine, cmd.State, cmd.Event, cmd.MatchingRules)
	return err
}

// handleQueryInstances re-announces this runtime (so late subscribers
// discover it) and publishes its current instance list.
func (bc *Broadcaster) handleQueryInstances(ctx context.Context, msg broker.Message) error {
	if err := bc.announce(ctx); err != nil {
		return err
	}
	instances := bc.local.GetAllInstances()
	summaries := make([]map[string]any, 0, len(instances))
	for _, inst := range instances {
		summaries = append(summaries, map[string]any{
			"id":           inst.ID,
			"machine":      inst.MachineName,
			"currentState": inst.CurrentState,
			"status":       inst.Status,
		})
	}
	return bc.b.Publish(ctx, broker.ChannelResponsesQuery, map[string]any{
		"runtimeId":     bc.cfg.RuntimeID,
		"componentName": bc.cfg.ComponentName,
		"instances":     summaries,
	})
}
