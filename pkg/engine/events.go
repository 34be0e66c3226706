package engine

import "sync"

// LifecycleEvent is one runtime-internal notification the engine emits as
// it executes: state_change, instance_created, instance_disposed,
// instance_error, event_ignored, guard_failed, inter_machine_transition,
// and the others named in spec §4. CascadeEngine and RuntimeBroadcaster
// subscribe to these the way pkg/statemachine/observer.go's
// ChainObserver/EventBusObserver subscribe to StateChangeListener calls.
type LifecycleEvent struct {
	Name       string
	MachineName string
	InstanceID string
	FromState  string
	ToState    string
	EventType  string
	Data       map[string]any

	// EventID is the PersistedEvent.ID this state_change corresponds to
	// (empty for events with no matching persisted record, and for
	// listener-originated events like cascade_error/cascade_completed).
	// CascadeEngine threads it through as the next event's CausingEventID
	// so cross-instance causality survives the hop.
	EventID string
}

// LifecycleListener receives every LifecycleEvent the engine emits.
type LifecycleListener func(evt LifecycleEvent)

type listenerRegistry struct {
	mu        sync.RWMutex
	listeners []LifecycleListener
}

func (r *listenerRegistry) add(l LifecycleListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Emit lets components built on top of the engine (CascadeEngine,
// RuntimeBroadcaster) publish further lifecycle events — cascade_error,
// cascade_completed, broadcast_error and the like — onto the same listener
// registry the engine's own (a)-(l) execution order uses, so every
// subscriber sees one combined event stream regardless of source.
func (e *Engine) Emit(evt LifecycleEvent) {
	e.emit(evt)
}

// emit notifies listeners synchronously, in registration order, on the
// calling (instance) goroutine — matching the "before scheduling follow-up
// work" ordering constraint in spec §5. A panicking listener is contained
// per listener so one bad subscriber cannot corrupt a transition already
// committed to state.
func (r *listenerRegistry) emit(evt LifecycleEvent) {
	r.mu.RLock()
	listeners := make([]LifecycleListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() { recover() }()
			l(evt)
		}()
	}
}
