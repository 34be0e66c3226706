package persistence

import (
	"context"
	"fmt"

	"github.com/fluxorio/fsmruntime/pkg/instance"
)

// Manager orchestrates event sourcing: every executed transition is
// appended to the EventStore, a Snapshot is taken every SnapshotInterval
// events, and Restore replays from the newest snapshot forward instead of
// from the beginning of history.
type Manager struct {
	Events    EventStore
	Snapshots SnapshotStore

	// SnapshotInterval is how many events accumulate between snapshots.
	// A value <= 0 disables snapshotting; every restore replays full
	// history.
	SnapshotInterval int

	eventCounts map[string]int
}

// NewManager builds a Manager over the given stores.
func NewManager(events EventStore, snapshots SnapshotStore, snapshotInterval int) *Manager {
	return &Manager{
		Events:           events,
		Snapshots:        snapshots,
		SnapshotInterval: snapshotInterval,
		eventCounts:      make(map[string]int),
	}
}

// RecordTransition appends a PersistedEvent and, once SnapshotInterval
// events have accumulated for the instance since the last snapshot, takes a
// fresh Snapshot.
func (m *Manager) RecordTransition(ctx context.Context, event instance.PersistedEvent, snapshotFn func() instance.Snapshot) error {
	if err := m.Events.Append(ctx, event); err != nil {
		return fmt.Errorf("persistence: append event: %w", err)
	}
	if m.SnapshotInterval <= 0 {
		return nil
	}
	m.eventCounts[event.InstanceID]++
	if m.eventCounts[event.InstanceID] < m.SnapshotInterval {
		return nil
	}
	m.eventCounts[event.InstanceID] = 0
	snap := snapshotFn()
	if err := m.Snapshots.Save(ctx, snap); err != nil {
		return fmt.Errorf("persistence: save snapshot: %w", err)
	}
	return nil
}

// Restore reconstructs an instance's event history since its most recent
// snapshot (or from the beginning, if none exists). It returns the
// snapshot (nil if none was found) and the events to replay on top of it.
func (m *Manager) Restore(ctx context.Context, instanceID string) (*instance.Snapshot, []instance.PersistedEvent, error) {
	snap, err := m.Snapshots.Load(ctx, instanceID)
	if err != nil {
		snap = nil
	}

	events, err := m.Events.Load(ctx, instanceID)
	if err != nil {
		return nil, nil, fmt.Errorf("persistence: load events: %w", err)
	}
	if snap == nil {
		return nil, events, nil
	}

	var tail []instance.PersistedEvent
	for _, e := range events {
		if e.PersistedAt.After(snap.SnapshotAt) {
			tail = append(tail, e)
		}
	}
	return snap, tail, nil
}

// Forget deletes all persisted history and snapshots for an instance,
// called when an instance is disposed on reaching a terminal state.
func (m *Manager) Forget(ctx context.Context, instanceID string) error {
	delete(m.eventCounts, instanceID)
	if err := m.Events.Delete(ctx, instanceID); err != nil {
		return err
	}
	return m.Snapshots.Delete(ctx, instanceID)
}
