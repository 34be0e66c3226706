// Package persistence implements event-sourcing storage (spec §6): the
// EventStore/SnapshotStore abstractions, several concrete backends, and the
// PersistenceManager that orchestrates event appends, snapshot cadence and
// restore. Grounded on the adapter-interface pattern (Save/Load/Delete) in
// pkg/statemachine/persistence.go, generalized from single-field
// state+context persistence to full event-sourced instances.
package persistence

import (
	"context"
	"time"

	"github.com/fluxorio/fsmruntime/pkg/instance"
)

// EventStore appends and replays PersistedEvent records for instances, plus
// the cross-instance queries spec §6 names: a time-range scan, a "what did
// this event cause" lookup, and a full dump (the raw material restoreAll's
// forward causality traversal and the time-range export scenarios need).
type EventStore interface {
	Append(ctx context.Context, event instance.PersistedEvent) error
	Load(ctx context.Context, instanceID string) ([]instance.PersistedEvent, error)
	Delete(ctx context.Context, instanceID string) error
	GetEventsByTimeRange(ctx context.Context, from, to time.Time) ([]instance.PersistedEvent, error)
	GetCausedEvents(ctx context.Context, eventID string) ([]instance.PersistedEvent, error)
	GetAllEvents(ctx context.Context) ([]instance.PersistedEvent, error)
}

// SnapshotStore stores and retrieves point-in-time Snapshots, used to bound
// replay cost instead of always replaying from the first event.
type SnapshotStore interface {
	Save(ctx context.Context, snap instance.Snapshot) error
	Load(ctx context.Context, instanceID string) (*instance.Snapshot, error)
	Delete(ctx context.Context, instanceID string) error
	GetAllSnapshots(ctx context.Context) ([]instance.Snapshot, error)
}

// causedEventsOf filters events to those whose CausedBy names eventID —
// the direct children getCausedEvents(id) returns. Shared by every
// EventStore backend rather than reimplemented per driver, since none of
// them can push this filter down without a dialect-specific JSON query.
func causedEventsOf(events []instance.PersistedEvent, eventID string) []instance.PersistedEvent {
	var out []instance.PersistedEvent
	for _, ev := range events {
		for _, parent := range ev.CausedBy {
			if parent == eventID {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

// eventsInRange filters events to those persisted within [from, to].
func eventsInRange(events []instance.PersistedEvent, from, to time.Time) []instance.PersistedEvent {
	var out []instance.PersistedEvent
	for _, ev := range events {
		if !ev.PersistedAt.Before(from) && !ev.PersistedAt.After(to) {
			out = append(out, ev)
		}
	}
	return out
}
