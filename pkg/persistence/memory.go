package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxorio/fsmruntime/pkg/instance"
)

// MemoryEventStore keeps events in process memory. Grounded on
// MemoryPersistenceAdapter in pkg/statemachine/persistence.go.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]instance.PersistedEvent
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]instance.PersistedEvent)}
}

func (m *MemoryEventStore) Append(_ context.Context, event instance.PersistedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.InstanceID] = append(m.events[event.InstanceID], event)
	return nil
}

func (m *MemoryEventStore) Load(_ context.Context, instanceID string) ([]instance.PersistedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.events[instanceID]
	out := make([]instance.PersistedEvent, len(src))
	copy(out, src)
	return out, nil
}

func (m *MemoryEventStore) Delete(_ context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, instanceID)
	return nil
}

func (m *MemoryEventStore) GetAllEvents(_ context.Context) ([]instance.PersistedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []instance.PersistedEvent
	for _, evs := range m.events {
		out = append(out, evs...)
	}
	return out, nil
}

func (m *MemoryEventStore) GetEventsByTimeRange(ctx context.Context, from, to time.Time) ([]instance.PersistedEvent, error) {
	all, err := m.GetAllEvents(ctx)
	if err != nil {
		return nil, err
	}
	return eventsInRange(all, from, to), nil
}

func (m *MemoryEventStore) GetCausedEvents(ctx context.Context, eventID string) ([]instance.PersistedEvent, error) {
	all, err := m.GetAllEvents(ctx)
	if err != nil {
		return nil, err
	}
	return causedEventsOf(all, eventID), nil
}

// MemorySnapshotStore keeps snapshots in process memory.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]instance.Snapshot
}

// NewMemorySnapshotStore creates an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[string]instance.Snapshot)}
}

func (m *MemorySnapshotStore) Save(_ context.Context, snap instance.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.Instance.ID] = snap
	return nil
}

func (m *MemorySnapshotStore) Load(_ context.Context, instanceID string) (*instance.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[instanceID]
	if !ok {
		return nil, fmt.Errorf("persistence: no snapshot for instance %q", instanceID)
	}
	out := snap
	return &out, nil
}

func (m *MemorySnapshotStore) Delete(_ context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, instanceID)
	return nil
}

func (m *MemorySnapshotStore) GetAllSnapshots(_ context.Context) ([]instance.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]instance.Snapshot, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		out = append(out, snap)
	}
	return out, nil
}
