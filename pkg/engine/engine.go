// Package engine implements the per-instance execution engine (spec §4.1):
// transition selection, guard evaluation, the fixed (a)-(l) execution
// order, triggered-method dispatch, and multi-instance broadcast routing.
// Grounded on pkg/statemachine.Engine's registerMachineConsumers/
// CreateInstance/SendEvent/findTransition/executeTransition shape,
// generalized from a single flat FSM + free-form guard functions to
// multi-machine Components with the declarative guard/matching-rule
// grammar from pkg/model and pkg/guardexpr.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxorio/fsmruntime/pkg/core/failfast"
	"github.com/fluxorio/fsmruntime/pkg/guardexpr"
	"github.com/fluxorio/fsmruntime/pkg/index"
	"github.com/fluxorio/fsmruntime/pkg/instance"
	"github.com/fluxorio/fsmruntime/pkg/model"
	"github.com/fluxorio/fsmruntime/pkg/persistence"
	"github.com/fluxorio/fsmruntime/pkg/timer"
	"github.com/fluxorio/fsmruntime/pkg/value"
	"github.com/google/uuid"
)

// Clock abstracts time.Now for deterministic tests; production code uses
// RealClock.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time { return time.Now() }

type managedInstance struct {
	mu          sync.Mutex
	inst        *instance.Instance
	lastEventID string
}

// Engine is one component's execution engine: the instance table, the
// property index, the timer wheel, persistence, and the triggered-method
// registry. Per spec §5, realisation (c) ("a mutex per instance inside a
// thread pool"): each managedInstance carries its own mutex, so distinct
// instances execute concurrently while operations on one instance are
// strictly serialised.
type Engine struct {
	ComponentName string
	Component     *model.Component
	Methods       *MethodRegistry
	Index         *index.Index
	Wheel         *timer.Wheel
	Persistence   *persistence.Manager
	Clock         Clock

	// Router forwards Sender's *Component methods to the owning
	// ComponentRegistry. Left nil when the engine runs standalone
	// (no cross-component routing configured).
	Router CrossComponentRouter

	// Logger receives diagnostics for conditions the engine recovers from
	// on its own (a dropped inter_machine shadow instance, an instance
	// marked error). Defaults to a no-op; set directly before traffic
	// starts flowing.
	Logger Logger

	mu        sync.RWMutex
	instances map[string]*managedInstance

	guardCacheMu sync.Mutex
	guardCache   map[string]*guardexpr.Expr

	listeners listenerRegistry
}

// Logger is the minimal logging surface the engine needs; satisfied by
// pkg/core.Logger without importing the core package's full interface,
// the same pattern pkg/broker.Logger uses.
type Logger interface {
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// New builds an Engine for component. wheel and persist may be nil,
// disabling scheduled timeouts/auto-transitions and event sourcing
// respectively (useful for simulatePath and unit tests).
func New(componentName string, component *model.Component, methods *MethodRegistry, idx *index.Index, wheel *timer.Wheel, persist *persistence.Manager) *Engine {
	failfast.NotNil(component, "component")
	failfast.NotNil(methods, "methods")
	failfast.NotNil(idx, "idx")
	failfast.If(componentName != "", "componentName must not be empty")

	return &Engine{
		ComponentName: componentName,
		Component:     component,
		Methods:       methods,
		Index:         idx,
		Wheel:         wheel,
		Persistence:   persist,
		Clock:         RealClock{},
		Logger:        noopLogger{},
		instances:     make(map[string]*managedInstance),
		guardCache:    make(map[string]*guardexpr.Expr),
	}
}

// OnLifecycleEvent registers a listener for every event the engine emits.
// CascadeEngine and RuntimeBroadcaster attach themselves this way.
func (e *Engine) OnLifecycleEvent(l LifecycleListener) {
	e.listeners.add(l)
}

func (e *Engine) emit(evt LifecycleEvent) {
	e.listeners.emit(evt)
}

func (e *Engine) now() time.Time { return e.Clock.Now() }

// CreateInstance instantiates machineName in its initial state, registers
// it in the index, schedules outgoing timeouts/auto-transitions, and runs
// the initial state's entry method.
func (e *Engine) CreateInstance(ctx context.Context, machineName string, initialFields value.Map) (string, error) {
	machine := e.Component.MachineByName(machineName)
	if machine == nil {
		return "", errUnknownMachine(machineName)
	}

	id := uuid.New().String()
	now := e.now()

	inst := &instance.Instance{
		ID:            id,
		ComponentName: e.ComponentName,
		MachineName:   machineName,
		CurrentState:  machine.InitialState,
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        instance.StatusActive,
	}
	if machine.PublicMemberType != "" {
		inst.HasSplitMember = true
		inst.PublicMember = initialFields.Clone()
		inst.InternalMember = value.Map{}
	} else {
		inst.Context = initialFields.Clone()
	}

	managed := &managedInstance{inst: inst}
	managed.mu.Lock()

	e.mu.Lock()
	e.instances[id] = managed
	e.mu.Unlock()

	e.Index.Add(machineName, id, inst.CurrentState)
	for k, v := range inst.View() {
		e.Index.SetProperty(machineName, id, k, value.Stringify(v))
	}

	if e.Persistence != nil {
		ev := instance.PersistedEvent{
			ID:            uuid.New().String(),
			InstanceID:    id,
			MachineName:   machineName,
			ComponentName: e.ComponentName,
			Event:         instance.EventEnvelope{Type: "__create__", Timestamp: now},
			StateBefore:   "",
			StateAfter:    inst.CurrentState,
			PersistedAt:   now,
		}
		managed.lastEventID = ev.ID
		_ = e.Persistence.RecordTransition(ctx, ev, func() instance.Snapshot { return e.snapshotOf(managed) })
	}

	state := machine.StateByName(inst.CurrentState)
	e.scheduleOutgoing(machine, managed)

	e.emit(LifecycleEvent{Name: "instance_created", MachineName: machineName, InstanceID: id, ToState: inst.CurrentState})

	pending := &pendingActions{}
	if state != nil && state.EntryMethod != "" {
		if err := e.runTriggeredMethod(ctx, managed, state.EntryMethod, instance.EventEnvelope{Type: "__create__", Timestamp: now}, pending); err != nil {
			e.failInstance(managed, machine, err)
			managed.mu.Unlock()
			e.runPending(ctx, pending)
			return id, nil
		}
	}
	managed.mu.Unlock()
	e.runPending(ctx, pending)

	return id, nil
}

// GetInstance returns a copy of the instance's current public view, or an
// error if it does not exist.
func (e *Engine) GetInstance(instanceID string) (*instance.Instance, error) {
	e.mu.RLock()
	managed, ok := e.instances[instanceID]
	e.mu.RUnlock()
	if !ok {
		return nil, errUnknownInstance(instanceID)
	}
	managed.mu.Lock()
	defer managed.mu.Unlock()
	cp := *managed.inst
	return &cp, nil
}

// GetAllInstances returns a snapshot copy of every live instance.
func (e *Engine) GetAllInstances() []*instance.Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*instance.Instance, 0, len(e.instances))
	for _, managed := range e.instances {
		managed.mu.Lock()
		cp := *managed.inst
		managed.mu.Unlock()
		out = append(out, &cp)
	}
	return out
}

// GetInstancesByMachine filters GetAllInstances by machine name.
func (e *Engine) GetInstancesByMachine(machineName string) []*instance.Instance {
	var out []*instance.Instance
	for _, inst := range e.GetAllInstances() {
		if inst.MachineName == machineName {
			out = append(out, inst)
		}
	}
	return out
}

// GetAvailableTransitions returns the transitions declared from an
// instance's current state.
func (e *Engine) GetAvailableTransitions(instanceID string) ([]*model.Transition, error) {
	inst, err := e.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	machine := e.Component.MachineByName(inst.MachineName)
	if machine == nil {
		return nil, errUnknownMachine(inst.MachineName)
	}
	var out []*model.Transition
	for _, t := range machine.Transitions {
		if t.From == inst.CurrentState {
			out = append(out, t)
		}
	}
	return out, nil
}

// SendEvent finds the single applicable transition for event out of the
// instance's current state, evaluates its guards, and executes it.
func (e *Engine) SendEvent(ctx context.Context, instanceID string, event instance.EventEnvelope) error {
	e.mu.RLock()
	managed, ok := e.instances[instanceID]
	e.mu.RUnlock()
	if !ok {
		return errUnknownInstance(instanceID)
	}

	managed.mu.Lock()

	if managed.inst.Status != instance.StatusActive {
		managed.mu.Unlock()
		return errInstanceInactive(instanceID)
	}

	machine := e.Component.MachineByName(managed.inst.MachineName)
	if machine == nil {
		managed.mu.Unlock()
		return errUnknownMachine(managed.inst.MachineName)
	}

	candidates := machine.TransitionsFrom(managed.inst.CurrentState, event.Type)
	if len(candidates) == 0 {
		managed.mu.Unlock()
		e.emit(LifecycleEvent{Name: "event_ignored", MachineName: machine.Name, InstanceID: instanceID, FromState: managed.inst.CurrentState, EventType: event.Type})
		return nil
	}

	chosen := e.selectTransition(candidates, event, managed.inst.View())
	if !e.guardsPass(chosen, event, managed.inst.View()) {
		managed.mu.Unlock()
		e.emit(LifecycleEvent{Name: "guard_failed", MachineName: machine.Name, InstanceID: instanceID, FromState: managed.inst.CurrentState, EventType: event.Type})
		return nil
	}

	pending := &pendingActions{}
	err := e.applyTransitionLocked(ctx, machine, managed, chosen, event, pending)
	managed.mu.Unlock()
	e.runPending(ctx, pending)
	return err
}

// selectTransition implements spec §4.1's 6-step precedence.
func (e *Engine) selectTransition(candidates []*model.Transition, event instance.EventEnvelope, view value.Map) *model.Transition {
	if len(candidates) == 1 {
		return candidates[0]
	}
	for _, t := range candidates {
		if t.SpecificTriggeringRule == "" {
			continue
		}
		expr, err := e.compileGuardExpr(t.SpecificTriggeringRule)
		if err != nil {
			continue
		}
		ok, err := expr.Eval(event.Payload, view)
		if err == nil && ok {
			return t
		}
	}
	for _, t := range candidates {
		if !t.HasMatchingRules() {
			continue
		}
		if e.matchingRulesPass(t.MatchingRules, event, view) {
			return t
		}
	}
	return candidates[0]
}

func (e *Engine) matchingRulesPass(rules []*model.MatchingRule, event instance.EventEnvelope, view value.Map) bool {
	for _, r := range rules {
		eventVal := value.Get(event.Payload, r.EventProperty)
		instVal := value.Get(view, r.InstanceProperty)
		if value.IsNotFound(eventVal) || value.IsNotFound(instVal) {
			return false
		}
		if !guardexpr.CompareValues(instVal, r.ResolvedOperator(), eventVal) {
			return false
		}
	}
	return true
}

func (e *Engine) guardsPass(t *model.Transition, event instance.EventEnvelope, view value.Map) bool {
	for _, g := range t.Guards {
		if !e.guardPasses(g, event, view) {
			return false
		}
	}
	return true
}

func (e *Engine) guardPasses(g *model.Guard, event instance.EventEnvelope, view value.Map) bool {
	switch g.Kind {
	case model.GuardKeyPresence:
		return !value.IsNotFound(value.Get(event.Payload, g.Path))
	case model.GuardSubstring:
		v := value.Get(event.Payload, g.Path)
		return !value.IsNotFound(v) && containsSubstring(value.Stringify(v), g.Needle)
	case model.GuardExpression:
		expr, err := e.compileGuardExpr(g.Expr)
		if err != nil {
			return false
		}
		ok, err := expr.Eval(event.Payload, view)
		return err == nil && ok
	default:
		return false
	}
}

func containsSubstring(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func (e *Engine) compileGuardExpr(src string) (*guardexpr.Expr, error) {
	e.guardCacheMu.Lock()
	defer e.guardCacheMu.Unlock()
	if expr, ok := e.guardCache[src]; ok {
		return expr, nil
	}
	expr, err := guardexpr.Compile(src)
	if err != nil {
		return nil, err
	}
	e.guardCache[src] = expr
	return expr, nil
}

// applyTransitionLocked executes the fixed (a)-(l) order from spec §4.1.
// Callers must already hold managed.mu, and must run pending's accumulated
// actions only after releasing it.
func (e *Engine) applyTransitionLocked(ctx context.Context, machine *model.StateMachine, managed *managedInstance, t *model.Transition, event instance.EventEnvelope, pending *pendingActions) error {
	fromState := machine.StateByName(t.From)
	toState := machine.StateByName(t.To)
	if toState == nil {
		return fmt.Errorf("engine: transition target %q not declared in machine %q", t.To, machine.Name)
	}

	// (a) exit method of `from`.
	if fromState != nil && fromState.ExitMethod != "" {
		if err := e.runTriggeredMethod(ctx, managed, fromState.ExitMethod, event, pending); err != nil {
			e.failInstance(managed, machine, err)
			return nil
		}
	}

	// (b) triggered method of the transition.
	if t.TriggeredMethod != "" {
		if err := e.runTriggeredMethod(ctx, managed, t.TriggeredMethod, event, pending); err != nil {
			e.failInstance(managed, machine, err)
			return nil
		}
	}

	previousState := managed.inst.CurrentState
	now := e.now()

	// (c), (d) assign new state, bump updatedAt.
	managed.inst.CurrentState = t.To
	managed.inst.UpdatedAt = now

	// (e) update indexes.
	e.Index.MoveState(machine.Name, managed.inst.ID, previousState, t.To)

	// (f) persist event. CausedBy chains off the event's own explicit
	// CausingEventID when the event arrived via a cascade or a
	// cross-component command (so the link crosses instance/component
	// boundaries), falling back to this instance's own prior event id for
	// an ordinary sendEvent.
	newEventID := uuid.New().String()
	if e.Persistence != nil {
		pe := instance.PersistedEvent{
			ID:            newEventID,
			InstanceID:    managed.inst.ID,
			MachineName:   machine.Name,
			ComponentName: e.ComponentName,
			Event:         event,
			StateBefore:   previousState,
			StateAfter:    t.To,
			PersistedAt:   now,
		}
		switch {
		case event.CausingEventID != "":
			pe.CausedBy = []string{event.CausingEventID}
		case managed.lastEventID != "":
			pe.CausedBy = []string{managed.lastEventID}
		}
		_ = e.Persistence.RecordTransition(ctx, pe, func() instance.Snapshot { return e.snapshotOf(managed) })
	}
	managed.lastEventID = newEventID

	// (g) clear timer-wheel tasks tied to (instance, oldState).
	e.cancelOutgoing(machine, managed.inst.ID, previousState)

	// (h) emit state_change.
	e.emit(LifecycleEvent{Name: "state_change", MachineName: machine.Name, InstanceID: managed.inst.ID, FromState: previousState, ToState: t.To, EventType: event.Type, Data: event.Payload, EventID: newEventID})

	// (i), (j), (k) terminal disposal vs. scheduling + entry method.
	if toState.Type.IsTerminal() {
		managed.inst.Status = terminalStatus(toState.Type)
		if !managed.inst.IsEntryPoint {
			e.disposeLocked(machine, managed)
			e.emit(LifecycleEvent{Name: "instance_disposed", MachineName: machine.Name, InstanceID: managed.inst.ID, ToState: t.To})
		}
	} else {
		e.scheduleOutgoing(machine, managed)
		if toState.EntryMethod != "" {
			if err := e.runTriggeredMethod(ctx, managed, toState.EntryMethod, event, pending); err != nil {
				e.failInstance(managed, machine, err)
				return nil
			}
		}
	}

	// (l) inter_machine: create a shadow instance in the target machine.
	// Deferred like every other cross-instance Sender action: CreateInstance
	// would otherwise run while managed.mu is still held, and — for a
	// self-referential machine — could collide with it.
	if t.Type == model.TransitionInterMachine && t.TargetMachine != "" {
		targetMachine := t.TargetMachine
		fields := managed.inst.View().Clone()
		sourceMachine := machine.Name
		instanceID := managed.inst.ID
		pending.append(func(e *Engine, ctx context.Context) {
			if e.Component.MachineByName(targetMachine) == nil {
				return
			}
			if _, err := e.CreateInstance(ctx, targetMachine, fields); err == nil {
				e.emit(LifecycleEvent{Name: "inter_machine_transition", MachineName: targetMachine, InstanceID: instanceID, FromState: sourceMachine, ToState: targetMachine})
			} else {
				e.Logger.Warnf("engine: inter_machine shadow instance in %s (from %s/%s) failed: %v", targetMachine, sourceMachine, instanceID, err)
			}
		})
	}

	return nil
}

func terminalStatus(t model.StateType) instance.Status {
	if t == model.StateError {
		return instance.StatusError
	}
	return instance.StatusCompleted
}

// failInstance implements the "triggered-method failure" clause: mark
// error, remove from indexes, emit instance_error, drop the instance.
func (e *Engine) failInstance(managed *managedInstance, machine *model.StateMachine, cause error) {
	managed.inst.Status = instance.StatusError
	e.disposeLocked(machine, managed)
	e.Logger.Warnf("engine: instance %s (%s) failed: %v", managed.inst.ID, machine.Name, cause)
	e.emit(LifecycleEvent{Name: "instance_error", MachineName: machine.Name, InstanceID: managed.inst.ID, Data: map[string]any{"error": cause.Error()}})
}

func (e *Engine) disposeLocked(machine *model.StateMachine, managed *managedInstance) {
	e.Index.Remove(machine.Name, managed.inst.ID, managed.inst.CurrentState)
	e.cancelOutgoing(machine, managed.inst.ID, managed.inst.CurrentState)
	e.mu.Lock()
	delete(e.instances, managed.inst.ID)
	e.mu.Unlock()
	if e.Persistence != nil {
		_ = e.Persistence.Forget(context.Background(), managed.inst.ID)
	}
}

// Dispose removes an instance regardless of its current state, for
// administrative cleanup.
func (e *Engine) Dispose(instanceID string) error {
	e.mu.RLock()
	managed, ok := e.instances[instanceID]
	e.mu.RUnlock()
	if !ok {
		return errUnknownInstance(instanceID)
	}
	managed.mu.Lock()
	defer managed.mu.Unlock()
	machine := e.Component.MachineByName(managed.inst.MachineName)
	if machine == nil {
		return errUnknownMachine(managed.inst.MachineName)
	}
	e.disposeLocked(machine, managed)
	return nil
}

// runTriggeredMethod invokes the named method with a Sender that appends to
// the shared pending accumulator rather than acting immediately, since
// managed.mu is still held by the calling top-level operation.
func (e *Engine) runTriggeredMethod(ctx context.Context, managed *managedInstance, name string, event instance.EventEnvelope, pending *pendingActions) error {
	fn, ok := e.Methods.Lookup(name)
	if !ok {
		return errUnknownMethod(name)
	}
	sender := newSender(e, managed, ctx, pending)
	return fn(sender, event)
}

func (e *Engine) snapshotOf(managed *managedInstance) instance.Snapshot {
	return instance.Snapshot{
		Instance:    *managed.inst,
		SnapshotAt:  e.now(),
		LastEventID: managed.lastEventID,
	}
}

func outgoingTaskID(instanceID, state, event string) string {
	return instanceID + "\x00" + state + "\x00" + event
}

// scheduleOutgoing schedules every timeout/auto transition declared out of
// the instance's current state.
func (e *Engine) scheduleOutgoing(machine *model.StateMachine, managed *managedInstance) {
	if e.Wheel == nil {
		return
	}
	state := managed.inst.CurrentState
	for _, t := range machine.Transitions {
		if t.From != state {
			continue
		}
		switch t.Type {
		case model.TransitionTimeout:
			e.scheduleTimeout(machine, managed.inst.ID, t, time.Duration(t.TimeoutMs)*time.Millisecond)
		case model.TransitionAuto:
			e.scheduleTimeout(machine, managed.inst.ID, t, 0)
		}
	}
}

func (e *Engine) scheduleTimeout(machine *model.StateMachine, instanceID string, t *model.Transition, delay time.Duration) {
	taskID := outgoingTaskID(instanceID, t.From, t.Event)
	e.Wheel.Schedule(taskID, delay, func() {
		_ = e.SendEvent(context.Background(), instanceID, instance.EventEnvelope{Type: t.Event, Timestamp: e.now()})
	})
}

func (e *Engine) cancelOutgoing(machine *model.StateMachine, instanceID, state string) {
	if e.Wheel == nil {
		return
	}
	for _, t := range machine.Transitions {
		if t.From != state {
			continue
		}
		if t.Type == model.TransitionTimeout || t.Type == model.TransitionAuto {
			e.Wheel.Cancel(outgoingTaskID(instanceID, t.From, t.Event))
		}
	}
}

// BroadcastEvent delivers event to every active instance of machineName
// currently in currentState whose applicable transition declares
// matchingRules that pass. Requires at least one such transition to exist.
func (e *Engine) BroadcastEvent(ctx context.Context, machineName, currentState string, event instance.EventEnvelope) (int, error) {
	machine := e.Component.MachineByName(machineName)
	if machine == nil {
		return 0, errUnknownMachine(machineName)
	}
	var candidates []*model.Transition
	for _, t := range machine.TransitionsFrom(currentState, event.Type) {
		if t.HasMatchingRules() {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return 0, errNoMatchingTransition(machineName, currentState, event.Type)
	}

	count := 0
	for _, id := range e.Index.ByMachineState(machineName, currentState) {
		e.mu.RLock()
		managed, ok := e.instances[id]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		managed.mu.Lock()
		if managed.inst.Status != instance.StatusActive || managed.inst.CurrentState != currentState {
			managed.mu.Unlock()
			continue
		}
		var chosen *model.Transition
		for _, t := range candidates {
			if e.matchingRulesPass(t.MatchingRules, event, managed.inst.View()) {
				chosen = t
				break
			}
		}
		if chosen == nil {
			managed.mu.Unlock()
			continue
		}
		if !e.guardsPass(chosen, event, managed.inst.View()) {
			managed.mu.Unlock()
			e.emit(LifecycleEvent{Name: "guard_failed", MachineName: machineName, InstanceID: id, FromState: currentState, EventType: event.Type})
			continue
		}
		pending := &pendingActions{}
		_ = e.applyTransitionLocked(ctx, machine, managed, chosen, event, pending)
		managed.mu.Unlock()
		e.runPending(ctx, pending)
		count++
	}
	return count, nil
}

// BroadcastEventWithRules delivers event to every active instance of
// machineName in state whose view satisfies rules (instanceValue operator
// eventValue, AND-combined), regardless of what matchingRules — if any —
// the instance's own candidate transition declares. This is the primitive
// CascadeEngine uses for "same-component, with matchingRules" delivery
// (spec §4.4): the cascading rule's own matchingRules choose the targets,
// the target's transition still supplies guards/triggered method/entry.
func (e *Engine) BroadcastEventWithRules(ctx context.Context, machineName, state string, event instance.EventEnvelope, rules []*model.MatchingRule) (int, error) {
	machine := e.Component.MachineByName(machineName)
	if machine == nil {
		return 0, errUnknownMachine(machineName)
	}

	count := 0
	for _, id := range e.Index.ByMachineState(machineName, state) {
		e.mu.RLock()
		managed, ok := e.instances[id]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		managed.mu.Lock()
		if managed.inst.Status != instance.StatusActive || managed.inst.CurrentState != state {
			managed.mu.Unlock()
			continue
		}
		if len(rules) > 0 && !e.matchingRulesPass(rules, event, managed.inst.View()) {
			managed.mu.Unlock()
			continue
		}
		candidates := machine.TransitionsFrom(state, event.Type)
		if len(candidates) == 0 {
			managed.mu.Unlock()
			continue
		}
		chosen := e.selectTransition(candidates, event, managed.inst.View())
		if !e.guardsPass(chosen, event, managed.inst.View()) {
			managed.mu.Unlock()
			e.emit(LifecycleEvent{Name: "guard_failed", MachineName: machineName, InstanceID: id, FromState: state, EventType: event.Type})
			continue
		}
		pending := &pendingActions{}
		_ = e.applyTransitionLocked(ctx, machine, managed, chosen, event, pending)
		managed.mu.Unlock()
		e.runPending(ctx, pending)
		count++
	}
	return count, nil
}

// SimulatePath evaluates a sequence of events against machineName's
// declared transitions purely, from its initial state, with no instance
// table / index / persistence side effects at all.
func (e *Engine) SimulatePath(machineName string, events []instance.EventEnvelope) (path []string, ok bool, err error) {
	machine := e.Component.MachineByName(machineName)
	if machine == nil {
		return nil, false, errUnknownMachine(machineName)
	}
	state := machine.InitialState
	path = []string{state}
	view := value.Map{}
	for _, event := range events {
		candidates := machine.TransitionsFrom(state, event.Type)
		if len(candidates) == 0 {
			return path, false, nil
		}
		chosen := e.selectTransition(candidates, event, view)
		if !e.guardsPass(chosen, event, view) {
			return path, false, nil
		}
		state = chosen.To
		path = append(path, state)
		if st := machine.StateByName(state); st != nil && st.Type.IsTerminal() {
			break
		}
	}
	return path, true, nil
}

// LoadPersistedEvents returns every event persisted for instanceID,
// unfiltered, for callers (e.g. ComponentRegistry's cross-component
// tracing) that need the raw causedBy/caused chains rather than the
// StateTransition projection GetInstanceHistory returns.
func (e *Engine) LoadPersistedEvents(ctx context.Context, instanceID string) ([]instance.PersistedEvent, error) {
	if e.Persistence == nil {
		return nil, nil
	}
	return e.Persistence.Events.Load(ctx, instanceID)
}

// GetInstanceHistory is a best-effort reconstruction from persisted events,
// since the live Instance does not itself retain a transition log (spec §3
// keeps that responsibility in EventStore, not Instance).
func (e *Engine) GetInstanceHistory(ctx context.Context, instanceID string) ([]instance.StateTransition, error) {
	if e.Persistence == nil {
		return nil, nil
	}
	events, err := e.Persistence.Events.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	out := make([]instance.StateTransition, 0, len(events))
	for _, ev := range events {
		out = append(out, instance.StateTransition{
			From:      ev.StateBefore,
			To:        ev.StateAfter,
			Event:     ev.Event.Type,
			Timestamp: ev.PersistedAt,
		})
	}
	return out, nil
}

// TraceEventCausality performs a cycle-safe depth-first traversal forward
// from eventID. Caused[] is never maintained incrementally (see
// instance.PersistedEvent.Caused), so the forward edges are reconstructed
// here by scanning every loaded event's CausedBy — the fallback spec §4.6
// documents for stores with no update primitive.
func (e *Engine) TraceEventCausality(ctx context.Context, instanceID, eventID string) ([]instance.PersistedEvent, error) {
	if e.Persistence == nil {
		return nil, nil
	}
	events, err := e.Persistence.Events.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return TraceCausalityForward(events, eventID), nil
}

// TraceCausalityForward builds the caused[] adjacency by inverting each
// event's CausedBy, then performs a cycle-safe depth-first traversal
// starting at rootEventID. Exported so ComponentRegistry's cross-component
// trace can reuse it over a unioned event set instead of duplicating the
// traversal.
func TraceCausalityForward(events []instance.PersistedEvent, rootEventID string) []instance.PersistedEvent {
	byID := make(map[string]instance.PersistedEvent, len(events))
	forward := make(map[string][]string, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
		for _, parent := range ev.CausedBy {
			forward[parent] = append(forward[parent], ev.ID)
		}
	}

	var chain []instance.PersistedEvent
	visited := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		ev, ok := byID[id]
		if !ok {
			return
		}
		chain = append(chain, ev)
		for _, caused := range forward[id] {
			visit(caused)
		}
	}
	visit(rootEventID)
	return chain
}

// RestoreAll reads every stored snapshot and restores each into memory —
// the engine's realisation of spec §4.6's restoreAll(), which needs no
// caller-supplied instance id list.
func (e *Engine) RestoreAll(ctx context.Context) (synced, expired int, err error) {
	if e.Persistence == nil {
		return 0, 0, nil
	}
	snaps, err := e.Persistence.Snapshots.GetAllSnapshots(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("engine: load all snapshots: %w", err)
	}
	ids := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		ids = append(ids, snap.Instance.ID)
	}
	return e.Restore(ctx, ids)
}

// Restore reinstates every snapshot returned by PersistenceManager into
// memory, rebuilds indexes, and resynchronizes timeouts.
func (e *Engine) Restore(ctx context.Context, instanceIDs []string) (synced, expired int, err error) {
	for _, id := range instanceIDs {
		snap, tail, restoreErr := e.Persistence.Restore(ctx, id)
		if restoreErr != nil || snap == nil {
			continue
		}
		machine := e.Component.MachineByName(snap.Instance.MachineName)
		if machine == nil {
			continue
		}
		inst := snap.Instance
		managed := &managedInstance{inst: &inst, lastEventID: snap.LastEventID}
		for _, ev := range tail {
			managed.inst.CurrentState = ev.StateAfter
			managed.lastEventID = ev.ID
		}

		e.mu.Lock()
		e.instances[id] = managed
		e.mu.Unlock()

		e.Index.Add(machine.Name, id, managed.inst.CurrentState)
		for k, v := range managed.inst.View() {
			e.Index.SetProperty(machine.Name, id, k, value.Stringify(v))
		}
	}

	s, ex := e.ResynchronizeTimeouts()
	return s, ex, nil
}

// ResynchronizeTimeouts recomputes every active instance's pending
// timeout/auto schedule from updatedAt rather than trusting any stored
// absolute deadline (spec §9 REDESIGN: do not persist remaining-ms; always
// recompute on restart).
func (e *Engine) ResynchronizeTimeouts() (synced, expired int) {
	if e.Wheel == nil {
		return 0, 0
	}
	for _, inst := range e.GetAllInstances() {
		machine := e.Component.MachineByName(inst.MachineName)
		if machine == nil {
			continue
		}
		for _, t := range machine.Transitions {
			if t.From != inst.CurrentState {
				continue
			}
			switch t.Type {
			case model.TransitionTimeout:
				elapsed := e.now().Sub(inst.UpdatedAt)
				remaining := time.Duration(t.TimeoutMs)*time.Millisecond - elapsed
				if remaining <= 0 {
					expired++
					_ = e.SendEvent(context.Background(), inst.ID, instance.EventEnvelope{
						Type:      t.Event,
						Timestamp: e.now(),
						Payload:   value.Map{"_timeoutExpiredDuringDowntime": true},
					})
				} else {
					e.scheduleTimeout(machine, inst.ID, t, remaining)
					synced++
				}
			case model.TransitionAuto:
				e.scheduleTimeout(machine, inst.ID, t, 0)
				synced++
			}
		}
	}
	return synced, expired
}
