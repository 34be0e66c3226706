package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fluxorio/fsmruntime/pkg/db"
	"github.com/fluxorio/fsmruntime/pkg/instance"
)

// SQLEventStore persists events through a database/sql pool. It is driver
// agnostic: the same code serves both the Postgres (pgx) and SQLite
// (mattn/go-sqlite3) backends named in go.mod, since both speak
// database/sql and ANSI-ish DDL. Grounded on pkg/db.Pool, the teacher's
// HikariCP-style generic connection pool.
type SQLEventStore struct {
	pool *db.Pool
}

// NewSQLEventStore wraps an already-open pool and ensures its schema
// exists. driverName selects SQLite-compatible vs. Postgres-compatible DDL.
func NewSQLEventStore(ctx context.Context, pool *db.Pool, driverName string) (*SQLEventStore, error) {
	s := &SQLEventStore{pool: pool}
	if err := s.migrate(ctx, driverName); err != nil {
		return nil, fmt.Errorf("persistence: migrate events table: %w", err)
	}
	return s, nil
}

func (s *SQLEventStore) migrate(ctx context.Context, driverName string) error {
	autoIncrement := "SERIAL"
	if driverName == "sqlite3" {
		autoIncrement = "INTEGER"
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS fsm_events (
		seq %s PRIMARY KEY,
		event_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		component_name TEXT NOT NULL,
		machine_name TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		state_before TEXT NOT NULL,
		state_after TEXT NOT NULL,
		caused_by_json TEXT NOT NULL,
		caused_json TEXT NOT NULL,
		source_component TEXT NOT NULL,
		target_component TEXT NOT NULL,
		persisted_at TIMESTAMP NOT NULL
	)`, autoIncrement)
	_, err := s.pool.DB().ExecContext(ctx, stmt)
	if err != nil {
		return err
	}
	_, err = s.pool.DB().ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS fsm_events_instance_idx ON fsm_events(instance_id)`)
	return err
}

func (s *SQLEventStore) Append(ctx context.Context, event instance.PersistedEvent) error {
	payload, err := json.Marshal(event.Event.Payload)
	if err != nil {
		return fmt.Errorf("persistence: marshal payload: %w", err)
	}
	causedBy, _ := json.Marshal(event.CausedBy)
	caused, _ := json.Marshal(event.Caused)

	_, err = s.pool.DB().ExecContext(ctx, rebind(`INSERT INTO fsm_events
		(event_id, instance_id, component_name, machine_name, event_type, payload_json,
		 state_before, state_after, caused_by_json, caused_json,
		 source_component, target_component, persisted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		event.ID, event.InstanceID, event.ComponentName, event.MachineName, event.Event.Type, string(payload),
		event.StateBefore, event.StateAfter, string(causedBy), string(caused),
		event.SourceComponent, event.TargetComponent, event.PersistedAt)
	return err
}

func (s *SQLEventStore) Load(ctx context.Context, instanceID string) ([]instance.PersistedEvent, error) {
	rows, err := s.pool.DB().QueryContext(ctx, rebind(`SELECT event_id, instance_id, component_name,
		machine_name, event_type, payload_json, state_before, state_after,
		caused_by_json, caused_json, source_component, target_component, persisted_at
		FROM fsm_events WHERE instance_id = ? ORDER BY seq ASC`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []instance.PersistedEvent
	for rows.Next() {
		var e instance.PersistedEvent
		var payloadJSON, causedByJSON, causedJSON string
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.ComponentName, &e.MachineName, &e.Event.Type,
			&payloadJSON, &e.StateBefore, &e.StateAfter, &causedByJSON, &causedJSON,
			&e.SourceComponent, &e.TargetComponent, &e.PersistedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(payloadJSON), &e.Event.Payload)
		_ = json.Unmarshal([]byte(causedByJSON), &e.CausedBy)
		_ = json.Unmarshal([]byte(causedJSON), &e.Caused)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLEventStore) Delete(ctx context.Context, instanceID string) error {
	_, err := s.pool.DB().ExecContext(ctx, rebind(`DELETE FROM fsm_events WHERE instance_id = ?`), instanceID)
	return err
}

// scanEvents runs query against fsm_events and decodes every row, shared by
// GetAllEvents and GetEventsByTimeRange.
func (s *SQLEventStore) scanEvents(ctx context.Context, query string, args ...any) ([]instance.PersistedEvent, error) {
	rows, err := s.pool.DB().QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []instance.PersistedEvent
	for rows.Next() {
		var e instance.PersistedEvent
		var payloadJSON, causedByJSON, causedJSON string
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.ComponentName, &e.MachineName, &e.Event.Type,
			&payloadJSON, &e.StateBefore, &e.StateAfter, &causedByJSON, &causedJSON,
			&e.SourceComponent, &e.TargetComponent, &e.PersistedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(payloadJSON), &e.Event.Payload)
		_ = json.Unmarshal([]byte(causedByJSON), &e.CausedBy)
		_ = json.Unmarshal([]byte(causedJSON), &e.Caused)
		out = append(out, e)
	}
	return out, rows.Err()
}

const selectEventColumns = `event_id, instance_id, component_name,
		machine_name, event_type, payload_json, state_before, state_after,
		caused_by_json, caused_json, source_component, target_component, persisted_at`

// GetAllEvents returns every persisted event across every instance, the raw
// material restoreAll()'s snapshot-driven restore and cross-instance
// causality tracing need.
func (s *SQLEventStore) GetAllEvents(ctx context.Context) ([]instance.PersistedEvent, error) {
	return s.scanEvents(ctx, `SELECT `+selectEventColumns+` FROM fsm_events ORDER BY seq ASC`)
}

// GetEventsByTimeRange returns events persisted within [from, to].
func (s *SQLEventStore) GetEventsByTimeRange(ctx context.Context, from, to time.Time) ([]instance.PersistedEvent, error) {
	return s.scanEvents(ctx, `SELECT `+selectEventColumns+` FROM fsm_events
		WHERE persisted_at >= ? AND persisted_at <= ? ORDER BY seq ASC`, from, to)
}

// GetCausedEvents returns the events directly caused by eventID. Filtered
// in Go rather than pushed into the query, since caused_by_json's
// membership test is not expressible identically across pgx's and
// mattn/go-sqlite3's dialects without per-driver JSON functions.
func (s *SQLEventStore) GetCausedEvents(ctx context.Context, eventID string) ([]instance.PersistedEvent, error) {
	all, err := s.GetAllEvents(ctx)
	if err != nil {
		return nil, err
	}
	return causedEventsOf(all, eventID), nil
}

// SQLSnapshotStore persists snapshots as a single JSON blob per instance,
// identically against pgx and mattn/go-sqlite3 (upsert via delete+insert to
// stay driver-neutral rather than relying on dialect-specific ON CONFLICT
// syntax).
type SQLSnapshotStore struct {
	pool *db.Pool
}

// NewSQLSnapshotStore wraps a pool and ensures its schema exists.
func NewSQLSnapshotStore(ctx context.Context, pool *db.Pool) (*SQLSnapshotStore, error) {
	s := &SQLSnapshotStore{pool: pool}
	_, err := pool.DB().ExecContext(ctx, `CREATE TABLE IF NOT EXISTS fsm_snapshots (
		instance_id TEXT PRIMARY KEY,
		snapshot_json TEXT NOT NULL,
		snapshot_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("persistence: migrate snapshots table: %w", err)
	}
	return s, nil
}

func (s *SQLSnapshotStore) Save(ctx context.Context, snap instance.Snapshot) error {
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("persistence: marshal snapshot: %w", err)
	}
	tx, err := s.pool.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, rebind(`DELETE FROM fsm_snapshots WHERE instance_id = ?`), snap.Instance.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, rebind(`INSERT INTO fsm_snapshots (instance_id, snapshot_json, snapshot_at)
		VALUES (?, ?, ?)`), snap.Instance.ID, string(blob), snap.SnapshotAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLSnapshotStore) Load(ctx context.Context, instanceID string) (*instance.Snapshot, error) {
	row := s.pool.DB().QueryRowContext(ctx,
		rebind(`SELECT snapshot_json FROM fsm_snapshots WHERE instance_id = ?`), instanceID)
	var blob string
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("persistence: no snapshot for instance %q", instanceID)
		}
		return nil, err
	}
	var snap instance.Snapshot
	if err := json.Unmarshal([]byte(blob), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLSnapshotStore) Delete(ctx context.Context, instanceID string) error {
	_, err := s.pool.DB().ExecContext(ctx, rebind(`DELETE FROM fsm_snapshots WHERE instance_id = ?`), instanceID)
	return err
}

// GetAllSnapshots returns every stored snapshot, the entry point
// restoreAll() uses instead of requiring the caller to already know every
// instance id.
func (s *SQLSnapshotStore) GetAllSnapshots(ctx context.Context) ([]instance.Snapshot, error) {
	rows, err := s.pool.DB().QueryContext(ctx, `SELECT snapshot_json FROM fsm_snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []instance.Snapshot
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var snap instance.Snapshot
		if err := json.Unmarshal([]byte(blob), &snap); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// rebind rewrites "?" placeholders to the "$1, $2, ..." form pgx requires.
// mattn/go-sqlite3 also accepts $N placeholders, so one rewrite serves both
// backends. Kept as a tiny local helper rather than pulling in sqlx or
// squirrel, since the pack does not use either query builder.
func rebind(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
