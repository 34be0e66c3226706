// Package index implements PropertyIndex (spec §4): the three in-memory
// hash multimaps that give multi-instance routing O(1) lookup by machine,
// by (machine, state), and by (machine, property, value), instead of
// scanning every live instance per event. Grounded on the sharded
// map[string][]*consumer + sync.RWMutex idiom in
// pkg/core/eventbus_impl.go's eventBus.consumers.
package index

import "sync"

// stringSet is a map used as a set, avoiding a dependency on generics-heavy
// third-party set libraries the pack does not use.
type stringSet map[string]struct{}

// Index is the property index for one component's machines. It is safe for
// concurrent use by multiple goroutines.
type Index struct {
	mu sync.RWMutex

	// byMachine is MI: machine name -> instance ids.
	byMachine map[string]stringSet

	// byMachineState is SI: "machine\x00state" -> instance ids.
	byMachineState map[string]stringSet

	// byProperty is PI: "machine\x00prop\x00value" -> instance ids.
	byProperty map[string]stringSet

	// propValueByInstance tracks what property values an instance is
	// currently indexed under, keyed by "machine\x00prop", so UpdateProperty
	// and Remove can retract the old PI entry in O(1) instead of scanning.
	propValueByInstance map[string]map[string]string
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		byMachine:           make(map[string]stringSet),
		byMachineState:      make(map[string]stringSet),
		byProperty:          make(map[string]stringSet),
		propValueByInstance: make(map[string]map[string]string),
	}
}

func miKey(machine string) string { return machine }
func siKey(machine, state string) string { return machine + "\x00" + state }
func piKey(machine, prop, val string) string { return machine + "\x00" + prop + "\x00" + val }

func addTo(m map[string]stringSet, key, id string) {
	set, ok := m[key]
	if !ok {
		set = make(stringSet)
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom(m map[string]stringSet, key, id string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}

// Add registers a new instance under its machine and current state.
func (idx *Index) Add(machine, instanceID, state string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	addTo(idx.byMachine, miKey(machine), instanceID)
	addTo(idx.byMachineState, siKey(machine, state), instanceID)
}

// MoveState retracts an instance from its old (machine, state) bucket and
// registers it under the new one. Called on every executed transition.
func (idx *Index) MoveState(machine, instanceID, fromState, toState string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	removeFrom(idx.byMachineState, siKey(machine, fromState), instanceID)
	addTo(idx.byMachineState, siKey(machine, toState), instanceID)
}

// SetProperty indexes instanceID under (machine, prop, value), retracting
// any prior value it was indexed under for that same property.
func (idx *Index) SetProperty(machine, instanceID, prop, value string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ikey := machine + "\x00" + prop
	perInstance, ok := idx.propValueByInstance[ikey]
	if !ok {
		perInstance = make(map[string]string)
		idx.propValueByInstance[ikey] = perInstance
	}
	if old, had := perInstance[instanceID]; had {
		if old == value {
			return
		}
		removeFrom(idx.byProperty, piKey(machine, prop, old), instanceID)
	}
	perInstance[instanceID] = value
	addTo(idx.byProperty, piKey(machine, prop, value), instanceID)
}

// Remove retracts an instance from every bucket it appears in. state is the
// instance's current state at removal time.
func (idx *Index) Remove(machine, instanceID, state string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	removeFrom(idx.byMachine, miKey(machine), instanceID)
	removeFrom(idx.byMachineState, siKey(machine, state), instanceID)
	for ikey, perInstance := range idx.propValueByInstance {
		val, ok := perInstance[instanceID]
		if !ok {
			continue
		}
		machineName, prop, _ := splitInstanceKey(ikey)
		removeFrom(idx.byProperty, piKey(machineName, prop, val), instanceID)
		delete(perInstance, instanceID)
	}
}

func splitInstanceKey(key string) (machine, prop, _ string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:], ""
		}
	}
	return key, "", ""
}

func snapshot(set stringSet) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ByMachine returns every instance id registered for machine.
func (idx *Index) ByMachine(machine string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return snapshot(idx.byMachine[miKey(machine)])
}

// ByMachineState returns every instance id currently in (machine, state).
func (idx *Index) ByMachineState(machine, state string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return snapshot(idx.byMachineState[siKey(machine, state)])
}

// ByProperty returns every instance id currently indexed with prop == value
// for machine.
func (idx *Index) ByProperty(machine, prop, value string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return snapshot(idx.byProperty[piKey(machine, prop, value)])
}
