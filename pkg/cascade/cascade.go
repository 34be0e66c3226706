// Package cascade implements the cascading-rule engine (spec §4.4): an
// internal subscriber on state_change that fans events out, per
// declarative cascading rules attached to the entered state, to same- or
// cross-component targets.
//
// Grounded on pkg/statemachine/observer.go's EventBusObserver, which
// reacts to a transition by publishing a further event onto an unrelated
// channel — generalized here from "always publish to EventBus" into the
// three-way same-component-broadcast / same-component-fanout /
// cross-component dispatch the cascading rule's shape requires.
package cascade

import (
	"context"
	"strings"
	"time"

	"github.com/fluxorio/fsmruntime/pkg/engine"
	"github.com/fluxorio/fsmruntime/pkg/instance"
	"github.com/fluxorio/fsmruntime/pkg/model"
	"github.com/fluxorio/fsmruntime/pkg/value"
)

// Engine installs itself as a lifecycle listener on a component's
// execution engine and fans out cascading rules declared on entered
// states. Router is nil when the component runs standalone; cross-
// component rules then fail closed with cascade_error.
type Engine struct {
	componentName string
	local         *engine.Engine
	router        engine.CrossComponentRouter
}

// New builds a CascadeEngine for one component's execution engine.
func New(componentName string, local *engine.Engine, router engine.CrossComponentRouter) *Engine {
	return &Engine{componentName: componentName, local: local, router: router}
}

// Attach subscribes to the local engine's lifecycle events. Call once,
// after constructing the execution engine and before accepting traffic.
func (c *Engine) Attach() {
	c.local.OnLifecycleEvent(c.onLifecycleEvent)
}

func (c *Engine) onLifecycleEvent(evt engine.LifecycleEvent) {
	if evt.Name != "state_change" {
		return
	}
	machine := c.local.Component.MachineByName(evt.MachineName)
	if machine == nil {
		return
	}
	state := machine.StateByName(evt.ToState)
	if state == nil || len(state.CascadingRules) == 0 {
		return
	}

	sourceInst, err := c.local.GetInstance(evt.InstanceID)
	if err != nil {
		return
	}
	sourceView := sourceInst.View()

	ctx := context.Background()
	processed := 0
	for _, rule := range state.CascadingRules {
		payload := resolveTemplate(rule.Payload, sourceView)
		ev := instance.EventEnvelope{Type: rule.Event, Payload: payload, Timestamp: time.Now(), CausingEventID: evt.EventID}
		n, err := c.deliver(ctx, rule, ev)
		if err != nil {
			c.local.Emit(engine.LifecycleEvent{
				Name:        "cascade_error",
				MachineName: evt.MachineName,
				InstanceID:  evt.InstanceID,
				FromState:   evt.FromState,
				ToState:     evt.ToState,
				Data:        map[string]any{"rule_event": rule.Event, "target_machine": rule.TargetMachine, "error": err.Error()},
			})
			continue
		}
		processed += n
	}

	c.local.Emit(engine.LifecycleEvent{
		Name:        "cascade_completed",
		MachineName: evt.MachineName,
		InstanceID:  evt.InstanceID,
		ToState:     evt.ToState,
		Data:        map[string]any{"processedCount": processed},
	})
}

// deliver implements spec §4.4 step 3's three delivery paths.
func (c *Engine) deliver(ctx context.Context, rule *model.CascadingRule, ev instance.EventEnvelope) (int, error) {
	targetComponent := rule.TargetComponent
	if targetComponent == "" || targetComponent == c.componentName {
		if len(rule.MatchingRules) > 0 {
			return c.local.BroadcastEventWithRules(ctx, rule.TargetMachine, rule.TargetState, ev, rule.MatchingRules)
		}
		ids := c.local.Index.ByMachineState(rule.TargetMachine, rule.TargetState)
		count := 0
		var firstErr error
		for _, id := range ids {
			if err := c.local.SendEvent(ctx, id, ev); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			count++
		}
		return count, firstErr
	}

	if c.router == nil {
		return 0, &engine.Error{Code: "NO_ROUTER", Message: "no cross-component router configured for cascade to " + targetComponent}
	}
	return c.router.BroadcastToComponent(ctx, targetComponent, rule.TargetMachine, rule.TargetState, ev)
}

// resolveTemplate recursively replaces any string value that is exactly
// "{{path}}" with the dereferenced value from source; nested maps are
// processed recursively, everything else passes through unchanged.
func resolveTemplate(payload map[string]any, source value.Map) value.Map {
	out := make(value.Map, len(payload))
	for k, v := range payload {
		out[k] = resolveValue(v, source)
	}
	return out
}

func resolveValue(v any, source value.Map) any {
	switch t := v.(type) {
	case string:
		if path, ok := templatePath(t); ok {
			resolved := value.Get(source, path)
			if value.IsNotFound(resolved) {
				return nil
			}
			return resolved
		}
		return t
	case map[string]any:
		nested := make(map[string]any, len(t))
		for k, nv := range t {
			nested[k] = resolveValue(nv, source)
		}
		return nested
	default:
		return v
	}
}

func templatePath(s string) (string, bool) {
	if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") && len(s) > 4 {
		return strings.TrimSpace(s[2 : len(s)-2]), true
	}
	return "", false
}
