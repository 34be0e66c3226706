// Package registry implements the ComponentRegistry (spec §4.9): a
// name → (component engine, locality) table shared across a process,
// plus the cross-component routing primitives Sender's *Component methods
// and CascadeEngine's cross-component delivery path forward to.
//
// Grounded on pkg/core/gocmd.go's deployment table (gocmd.deployments
// map[string]*deployment, guarded by a single RWMutex, with register/
// deploy and unregister/undeploy lifecycle) — generalized here from
// "deploy a Verticle" to "register a component's execution engine", and
// from a purely in-process table into one that also knows how to fall
// back to a shared broker for components that live in another process.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/fluxorio/fsmruntime/pkg/broker"
	"github.com/fluxorio/fsmruntime/pkg/engine"
	"github.com/fluxorio/fsmruntime/pkg/instance"
	"github.com/fluxorio/fsmruntime/pkg/value"
)

// entry is one registered component: its local engine when the component
// runs in this process, or nil when it is known only by name (discovered
// via the broker but never registered locally — cross-component calls to
// it always go over the wire).
type entry struct {
	componentName string
	eng           *engine.Engine
}

// Registry is the shared table of components. One Registry is constructed
// per process and handed to every local engine's Sender plumbing as a
// CrossComponentRouter.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	subs    map[string]broker.Subscription
	b       broker.Broker
}

// New builds a Registry sharing b for cross-process dispatch. b may be
// nil, in which case every cross-component call to a non-local component
// fails (single-process deployments never need the broker at all).
func New(b broker.Broker) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		subs:    make(map[string]broker.Subscription),
		b:       b,
	}
}

// command is the wire shape cross-process dispatch sends over
// xcomponent:<name>, decoded and replayed against the local engine by the
// subscriber side of Register.
type command struct {
	Kind       string                  `json:"kind"`
	InstanceID string                  `json:"instanceId,omitempty"`
	Machine    string                  `json:"machine,omitempty"`
	State      string                  `json:"state,omitempty"`
	Event      instance.EventEnvelope  `json:"event"`
	Fields     value.Map               `json:"fields,omitempty"`
}

const (
	kindSendEvent       = "send_event"
	kindBroadcastEvent  = "broadcast_event"
	kindCreateInstance  = "create_instance"
)

// Register adds a locally-running component engine to the table and, when
// a broker is configured, subscribes to its cross-component channel so
// other processes can reach it.
func (r *Registry) Register(componentName string, eng *engine.Engine) error {
	r.mu.Lock()
	r.entries[componentName] = &entry{componentName: componentName, eng: eng}
	r.mu.Unlock()

	if r.b == nil {
		return nil
	}
	sub, err := r.b.Subscribe(broker.CrossComponentChannel(componentName), r.dispatchIncoming(componentName))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.subs[componentName] = sub
	r.mu.Unlock()
	return nil
}

// Unregister disposes a component's registration: unsubscribe, then drop
// the table entry. The engine itself is the caller's to shut down.
func (r *Registry) Unregister(componentName string) error {
	r.mu.Lock()
	sub := r.subs[componentName]
	delete(r.subs, componentName)
	delete(r.entries, componentName)
	r.mu.Unlock()
	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

func (r *Registry) lookup(componentName string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[componentName]
}

func (r *Registry) dispatchIncoming(componentName string) broker.Handler {
	return func(ctx context.Context, msg broker.Message) error {
		raw, err := json.Marshal(msg.Body)
		if err != nil {
			return err
		}
		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			return err
		}
		e := r.lookup(componentName)
		if e == nil || e.eng == nil {
			return nil
		}
		switch cmd.Kind {
		case kindSendEvent:
			return e.eng.SendEvent(ctx, cmd.InstanceID, cmd.Event)
		case kindBroadcastEvent:
			_, err := e.eng.BroadcastEvent(ctx, cmd.Machine, cmd.State, cmd.Event)
			return err
		case kindCreateInstance:
			_, err := e.eng.CreateInstance(ctx, cmd.Machine, cmd.Fields)
			return err
		}
		return nil
	}
}

// SendToComponent implements engine.CrossComponentRouter: dispatch
// directly when target is local, otherwise publish to its channel.
func (r *Registry) SendToComponent(ctx context.Context, component, instanceID string, event instance.EventEnvelope) error {
	if e := r.lookup(component); e != nil && e.eng != nil {
		return e.eng.SendEvent(ctx, instanceID, event)
	}
	if r.b == nil {
		return &engine.Error{Code: "NO_BROKER", Message: "component " + component + " is not registered locally and no broker is configured"}
	}
	return r.b.Publish(ctx, broker.CrossComponentChannel(component), command{Kind: kindSendEvent, InstanceID: instanceID, Event: event})
}

// BroadcastToComponent implements engine.CrossComponentRouter (spec §4.9):
// local in-memory delivery returns the processed count; remote delivery
// publishes and returns 0 (count unavailable across processes).
func (r *Registry) BroadcastToComponent(ctx context.Context, component, machine, state string, event instance.EventEnvelope) (int, error) {
	if e := r.lookup(component); e != nil && e.eng != nil {
		return e.eng.BroadcastEvent(ctx, machine, state, event)
	}
	if r.b == nil {
		return 0, &engine.Error{Code: "NO_BROKER", Message: "component " + component + " is not registered locally and no broker is configured"}
	}
	if err := r.b.Publish(ctx, broker.CrossComponentChannel(component), command{Kind: kindBroadcastEvent, Machine: machine, State: state, Event: event}); err != nil {
		return 0, err
	}
	return 0, nil
}

// CreateInstanceInComponent implements engine.CrossComponentRouter,
// analogous to BroadcastToComponent.
func (r *Registry) CreateInstanceInComponent(ctx context.Context, component, machine string, fields value.Map) (string, error) {
	if e := r.lookup(component); e != nil && e.eng != nil {
		return e.eng.CreateInstance(ctx, machine, fields)
	}
	if r.b == nil {
		return "", &engine.Error{Code: "NO_BROKER", Message: "component " + component + " is not registered locally and no broker is configured"}
	}
	if err := r.b.Publish(ctx, broker.CrossComponentChannel(component), command{Kind: kindCreateInstance, Machine: machine, Fields: fields}); err != nil {
		return "", err
	}
	return "", nil
}

// BroadcastToAll walks every locally registered component, broadcasting
// event to machine/state in each. Per-component failures are isolated:
// emit broadcast_error on the failing component's own engine and continue.
func (r *Registry) BroadcastToAll(ctx context.Context, machine, state string, event instance.EventEnvelope) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		if e.eng == nil {
			continue
		}
		if _, err := e.eng.BroadcastEvent(ctx, machine, state, event); err != nil {
			e.eng.Emit(engine.LifecycleEvent{
				Name:        "broadcast_error",
				MachineName: machine,
				Data:        map[string]any{"component": e.componentName, "error": err.Error()},
			})
		}
	}
}

// TraceCrossComponent unions the persisted event histories of every given
// (component, instanceID) seed, sorts by persistedAt, and returns the
// union — the raw material for a caused[] traversal that spans components
// (spec §4.9: "union per-runtime events, sort by persistedAt, traverse
// caused[] chains across components").
func (r *Registry) TraceCrossComponent(ctx context.Context, seeds []Seed) ([]instance.PersistedEvent, error) {
	var all []instance.PersistedEvent
	for _, seed := range seeds {
		e := r.lookup(seed.Component)
		if e == nil || e.eng == nil {
			continue
		}
		events, err := e.eng.LoadPersistedEvents(ctx, seed.InstanceID)
		if err != nil {
			continue
		}
		all = append(all, events...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].PersistedAt.Before(all[j].PersistedAt) })
	return all, nil
}

// Seed names one (component, instance) pair TraceCrossComponent starts
// its union from.
type Seed struct {
	Component  string
	InstanceID string
}

// TraceCausalityAcrossComponents unions the histories of every seed (as
// TraceCrossComponent does) and then performs a cycle-safe depth-first
// traversal over the combined CausedBy graph starting at rootEventID, the
// way engine.TraceCausalityForward does within one component — except event
// ids resolve across every seeded component's history, so a chain that
// crosses a component boundary (e.g. an inter_machine or cascaded event)
// still traverses in full.
func (r *Registry) TraceCausalityAcrossComponents(ctx context.Context, seeds []Seed, rootEventID string) ([]instance.PersistedEvent, error) {
	all, err := r.TraceCrossComponent(ctx, seeds)
	if err != nil {
		return nil, err
	}
	return engine.TraceCausalityForward(all, rootEventID), nil
}
