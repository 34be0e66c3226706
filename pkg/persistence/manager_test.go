package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/fluxorio/fsmruntime/pkg/instance"
)

func TestManagerSnapshotsOnInterval(t *testing.T) {
	ctx := context.Background()
	events := NewMemoryEventStore()
	snaps := NewMemorySnapshotStore()
	m := NewManager(events, snaps, 3)

	base := time.Now()
	snapshotCalls := 0
	mkSnapshot := func(at time.Time) func() instance.Snapshot {
		return func() instance.Snapshot {
			snapshotCalls++
			return instance.Snapshot{
				Instance:   instance.Instance{ID: "i1", UpdatedAt: at},
				SnapshotAt: at,
			}
		}
	}

	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		ev := instance.PersistedEvent{ID: "e", InstanceID: "i1", PersistedAt: at}
		if err := m.RecordTransition(ctx, ev, mkSnapshot(at)); err != nil {
			t.Fatalf("RecordTransition: %v", err)
		}
	}

	if snapshotCalls != 1 {
		t.Fatalf("expected exactly one snapshot after 5 events with interval 3, got %d", snapshotCalls)
	}

	snap, err := snaps.Load(ctx, "i1")
	if err != nil {
		t.Fatalf("Load snapshot: %v", err)
	}
	if snap.Instance.ID != "i1" {
		t.Fatalf("unexpected snapshot instance id %q", snap.Instance.ID)
	}
}

func TestRestoreReturnsEventsAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	events := NewMemoryEventStore()
	snaps := NewMemorySnapshotStore()
	m := NewManager(events, snaps, 0)

	base := time.Now()
	_ = events.Append(ctx, instance.PersistedEvent{ID: "e1", InstanceID: "i1", PersistedAt: base})
	_ = snaps.Save(ctx, instance.Snapshot{Instance: instance.Instance{ID: "i1"}, SnapshotAt: base.Add(time.Second)})
	_ = events.Append(ctx, instance.PersistedEvent{ID: "e2", InstanceID: "i1", PersistedAt: base.Add(2 * time.Second)})

	snap, tail, err := m.Restore(ctx, "i1")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if snap == nil {
		t.Fatal("expected a snapshot to be found")
	}
	if len(tail) != 1 || tail[0].ID != "e2" {
		t.Fatalf("expected only e2 in tail, got %+v", tail)
	}
}

func TestForgetClearsHistory(t *testing.T) {
	ctx := context.Background()
	events := NewMemoryEventStore()
	snaps := NewMemorySnapshotStore()
	m := NewManager(events, snaps, 1)

	_ = events.Append(ctx, instance.PersistedEvent{ID: "e1", InstanceID: "i1"})
	if err := m.Forget(ctx, "i1"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	remaining, _ := events.Load(ctx, "i1")
	if len(remaining) != 0 {
		t.Fatalf("expected no events after Forget, got %v", remaining)
	}
}
