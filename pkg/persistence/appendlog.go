package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fluxorio/fsmruntime/pkg/appendlog"
	"github.com/fluxorio/fsmruntime/pkg/instance"
)

// AppendLogEventStore persists events to a local append-only segmented
// file log instead of a database, for single-node deployments that want
// durable event sourcing without an external store. Grounded directly on
// pkg/appendlog.Store.
//
// Because appendlog.Store does not offer per-key lookup, an in-memory index
// of instanceID -> offsets is rebuilt by a full scan on construction and
// kept up to date on Append; Load replays only the relevant records.
type AppendLogEventStore struct {
	mu      sync.RWMutex
	store   appendlog.Store
	offsets map[string][]appendlog.Offset
}

// NewAppendLogEventStore wraps an appendlog.Store, replaying its full
// contents once to build the instanceID -> offsets index.
func NewAppendLogEventStore(store appendlog.Store) (*AppendLogEventStore, error) {
	s := &AppendLogEventStore{store: store, offsets: make(map[string][]appendlog.Offset)}
	if err := s.reindex(); err != nil {
		return nil, err
	}
	return s, nil
}

// reindexBatchSize bounds each Read call during the startup scan; the loop
// keeps requesting further batches until the log is exhausted.
const reindexBatchSize = 1024

func (s *AppendLogEventStore) reindex() error {
	var from appendlog.Offset
	for {
		records, err := s.store.Read(from, reindexBatchSize)
		if err != nil {
			return fmt.Errorf("persistence: reindex appendlog: %w", err)
		}
		for _, rec := range records {
			var e instance.PersistedEvent
			if err := json.Unmarshal(rec.Data, &e); err != nil {
				continue
			}
			s.offsets[e.InstanceID] = append(s.offsets[e.InstanceID], rec.Offset)
		}
		if len(records) < reindexBatchSize {
			return nil
		}
		from = records[len(records)-1].Offset + 1
	}
}

func (s *AppendLogEventStore) Append(_ context.Context, event instance.PersistedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("persistence: marshal event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	offset, err := s.store.Append(data)
	if err != nil {
		return err
	}
	s.offsets[event.InstanceID] = append(s.offsets[event.InstanceID], offset)
	return nil
}

func (s *AppendLogEventStore) Load(_ context.Context, instanceID string) ([]instance.PersistedEvent, error) {
	s.mu.RLock()
	offsets := append([]appendlog.Offset(nil), s.offsets[instanceID]...)
	s.mu.RUnlock()

	out := make([]instance.PersistedEvent, 0, len(offsets))
	for _, off := range offsets {
		records, err := s.store.Read(off, 1)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			var e instance.PersistedEvent
			if err := json.Unmarshal(rec.Data, &e); err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// Delete only retracts instanceID from the in-memory offset index; the
// underlying log is append-only and never rewritten in place, matching
// pkg/appendlog's contract ("no in-place updates/deletes").
func (s *AppendLogEventStore) Delete(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offsets, instanceID)
	return nil
}

// GetAllEvents replays every indexed offset across every instance, in log
// order.
func (s *AppendLogEventStore) GetAllEvents(_ context.Context) ([]instance.PersistedEvent, error) {
	s.mu.RLock()
	var offsets []appendlog.Offset
	for _, ids := range s.offsets {
		offsets = append(offsets, ids...)
	}
	s.mu.RUnlock()
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	out := make([]instance.PersistedEvent, 0, len(offsets))
	for _, off := range offsets {
		records, err := s.store.Read(off, 1)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			var e instance.PersistedEvent
			if err := json.Unmarshal(rec.Data, &e); err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *AppendLogEventStore) GetEventsByTimeRange(ctx context.Context, from, to time.Time) ([]instance.PersistedEvent, error) {
	all, err := s.GetAllEvents(ctx)
	if err != nil {
		return nil, err
	}
	return eventsInRange(all, from, to), nil
}

func (s *AppendLogEventStore) GetCausedEvents(ctx context.Context, eventID string) ([]instance.PersistedEvent, error) {
	all, err := s.GetAllEvents(ctx)
	if err != nil {
		return nil, err
	}
	return causedEventsOf(all, eventID), nil
}
