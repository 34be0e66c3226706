// Package instance defines the mutable runtime record of one executing
// state-machine instance, plus the persisted event and snapshot shapes
// event sourcing is built from (spec §3).
package instance

import (
	"time"

	"github.com/fluxorio/fsmruntime/pkg/value"
)

// Status is a closed enumeration of instance lifecycle states.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Instance is one live execution of a state machine.
type Instance struct {
	ID            string
	ComponentName string
	MachineName   string
	CurrentState  string

	// Context is the legacy single data bag, used when the machine does
	// not declare a PublicMemberType.
	Context value.Map

	// PublicMember / InternalMember split business-visible data from
	// internal bookkeeping when the machine declares a PublicMemberType.
	PublicMember   value.Map
	InternalMember value.Map
	HasSplitMember bool

	CreatedAt time.Time
	UpdatedAt time.Time
	Status    Status

	// IsEntryPoint marks a singleton entry-machine instance, which is
	// never disposed on reaching a terminal state (spec §9, I6).
	IsEntryPoint bool
}

// View returns the data instances expose for indexing, matching rules, and
// guard evaluation: PublicMember when split, Context otherwise.
func (i *Instance) View() value.Map {
	if i.HasSplitMember {
		return i.PublicMember
	}
	return i.Context
}

// StateTransition records one historical hop for getInstanceHistory.
type StateTransition struct {
	From      string
	To        string
	Event     string
	Timestamp time.Time
}

// EventEnvelope is the wire shape of an event delivered to sendEvent /
// broadcastEvent / cascades: a type name plus an arbitrary payload.
type EventEnvelope struct {
	Type      string
	Payload   value.Map
	Timestamp time.Time

	// CausingEventID, when set, names the PersistedEvent.ID this event is a
	// direct consequence of — threaded through by the cascading-rule engine
	// and the cross-component command path so the downstream transition's
	// CausedBy links back to the transition that triggered it, rather than
	// to the target instance's own prior event.
	CausingEventID string
}

// PersistedEvent is one immutable event-sourcing record.
type PersistedEvent struct {
	ID            string
	InstanceID    string
	MachineName   string
	ComponentName string
	Event         EventEnvelope
	StateBefore   string
	StateAfter    string
	PersistedAt   time.Time
	CausedBy      []string

	// Caused is never written directly — no store here exposes an update
	// primitive to append to a parent event's record after the fact.
	// traceCausality reconstructs the forward edges it needs by scanning
	// CausedBy across an instance's (or, cross-component, a unioned) event
	// set instead, the documented fallback for stores with no update
	// primitive.
	Caused []string

	SourceComponent string
	TargetComponent string
}

// PendingTimeout describes one scheduled timeout/auto transition a snapshot
// must be able to recompute a deadline for after restart. Per spec §9
// (REDESIGN: "do not follow the source's empty-remaining-ms placeholder"),
// no absolute deadline is stored here — resynchronizeTimeouts always
// recomputes from Instance.UpdatedAt plus the transition definition.
type PendingTimeout struct {
	FromState  string
	Event      string
	TimeoutMs  int64
}

// Snapshot is a full copy of an instance at a point in time.
type Snapshot struct {
	Instance        Instance
	SnapshotAt      time.Time
	LastEventID     string
	PendingTimeouts []PendingTimeout
}
