package engine

import (
	"github.com/fluxorio/fsmruntime/pkg/instance"
)

// TriggeredMethod is the signature of a handler named by
// model.Transition.TriggeredMethod / model.State.EntryMethod /
// model.State.ExitMethod. It runs synchronously within the owning
// instance's transition, and receives a capability object scoped to that
// instance rather than a reference to the instance itself, so the only way
// it affects the rest of the system is through Sender.
type TriggeredMethod func(sender Sender, event instance.EventEnvelope) error

// MethodRegistry resolves triggered-method names to implementations. Names
// with no registered implementation are a configuration error surfaced at
// CreateInstance/SendEvent time rather than silently ignored.
type MethodRegistry struct {
	methods map[string]TriggeredMethod
}

// NewMethodRegistry creates an empty registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{methods: make(map[string]TriggeredMethod)}
}

// Register associates name with fn, overwriting any previous registration.
func (r *MethodRegistry) Register(name string, fn TriggeredMethod) {
	r.methods[name] = fn
}

// Lookup returns the registered method for name, or (nil, false).
func (r *MethodRegistry) Lookup(name string) (TriggeredMethod, bool) {
	if name == "" {
		return nil, false
	}
	fn, ok := r.methods[name]
	return fn, ok
}
