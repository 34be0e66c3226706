package engine

import (
	"context"

	"github.com/fluxorio/fsmruntime/pkg/instance"
	"github.com/fluxorio/fsmruntime/pkg/value"
)

// CrossComponentRouter is implemented by pkg/registry.Registry. It
// is injected into Engine so Sender's *Component methods have somewhere to
// go without pkg/engine importing pkg/registry (which itself depends on
// engines), avoiding an import cycle.
type CrossComponentRouter interface {
	SendToComponent(ctx context.Context, component, instanceID string, event instance.EventEnvelope) error
	BroadcastToComponent(ctx context.Context, component, machine, state string, event instance.EventEnvelope) (int, error)
	CreateInstanceInComponent(ctx context.Context, component, machine string, fields value.Map) (string, error)
}

// Sender is the capability object handed to triggered methods (spec §4.5).
// Every call that would recurse synchronously into the engine is deferred
// until after the top-level operation that triggered it (SendEvent,
// BroadcastEvent or CreateInstance) has released the instance's lock,
// preserving the per-instance serialisation guarantee from §5. None of
// these methods touch engine state directly — they only append to a
// pendingActions list shared by every Sender created during the same
// top-level operation, which the caller runs once the lock is released.
type Sender interface {
	SendTo(instanceID string, event instance.EventEnvelope)
	SendToSelf(event instance.EventEnvelope)
	Broadcast(machine, state string, event instance.EventEnvelope)
	CreateInstance(machine string, initialFields value.Map)
	SendToComponent(component string, instanceID string, event instance.EventEnvelope)
	BroadcastToComponent(component, machine, state string, event instance.EventEnvelope)
	CreateInstanceInComponent(component, machine string, initialFields value.Map)
	UpdateContext(partial value.Map)
}

type deferredAction func(e *Engine, ctx context.Context)

// pendingActions accumulates deferred actions across every triggered-method
// invocation within a single top-level engine operation (one SendEvent, one
// BroadcastEvent target, or one CreateInstance). It is shared rather than
// owned per-Sender because exit, transition and entry methods can each run
// within the same applyTransitionLocked pass, and a SendToSelf issued by an
// earlier method must not re-enter the engine before the later methods and
// the transition itself have finished.
type pendingActions struct {
	actions []deferredAction
}

func (p *pendingActions) append(a deferredAction) {
	p.actions = append(p.actions, a)
}

// runPending executes every accumulated action in append order. Callers
// must invoke this only after releasing the owning instance's mutex.
func (e *Engine) runPending(ctx context.Context, p *pendingActions) {
	for _, action := range p.actions {
		action(e, ctx)
	}
}

type senderImpl struct {
	engine  *Engine
	managed *managedInstance
	ctx     context.Context
	pending *pendingActions
}

func newSender(e *Engine, managed *managedInstance, ctx context.Context, pending *pendingActions) *senderImpl {
	return &senderImpl{engine: e, managed: managed, ctx: ctx, pending: pending}
}

func (s *senderImpl) SendTo(instanceID string, event instance.EventEnvelope) {
	s.pending.append(func(e *Engine, ctx context.Context) {
		_ = e.SendEvent(ctx, instanceID, event)
	})
}

func (s *senderImpl) SendToSelf(event instance.EventEnvelope) {
	selfID := s.managed.inst.ID
	s.SendTo(selfID, event)
}

func (s *senderImpl) Broadcast(machine, state string, event instance.EventEnvelope) {
	s.pending.append(func(e *Engine, ctx context.Context) {
		_, _ = e.BroadcastEvent(ctx, machine, state, event)
	})
}

func (s *senderImpl) CreateInstance(machine string, initialFields value.Map) {
	s.pending.append(func(e *Engine, ctx context.Context) {
		_, _ = e.CreateInstance(ctx, machine, initialFields)
	})
}

func (s *senderImpl) SendToComponent(component string, instanceID string, event instance.EventEnvelope) {
	s.pending.append(func(e *Engine, ctx context.Context) {
		if e.Router == nil {
			return
		}
		_ = e.Router.SendToComponent(ctx, component, instanceID, event)
	})
}

func (s *senderImpl) BroadcastToComponent(component, machine, state string, event instance.EventEnvelope) {
	s.pending.append(func(e *Engine, ctx context.Context) {
		if e.Router == nil {
			return
		}
		_, _ = e.Router.BroadcastToComponent(ctx, component, machine, state, event)
	})
}

func (s *senderImpl) CreateInstanceInComponent(component, machine string, initialFields value.Map) {
	s.pending.append(func(e *Engine, ctx context.Context) {
		if e.Router == nil {
			return
		}
		_, _ = e.Router.CreateInstanceInComponent(ctx, component, machine, initialFields)
	})
}

// UpdateContext merges partial into the current instance's public member
// (or context, when the machine has no publicMemberType) immediately,
// since it affects only the calling instance and cannot re-enter the
// engine. Per spec §4.2/§9, the property index is intentionally NOT
// updated here: matching-rule targets are expected to be set at
// instance-creation time and treated as immutable thereafter.
func (s *senderImpl) UpdateContext(partial value.Map) {
	target := s.managed.inst.Context
	if s.managed.inst.HasSplitMember {
		target = s.managed.inst.PublicMember
	}
	if target == nil {
		target = value.Map{}
		if s.managed.inst.HasSplitMember {
			s.managed.inst.PublicMember = target
		} else {
			s.managed.inst.Context = target
		}
	}
	value.Merge(target, partial)
}
